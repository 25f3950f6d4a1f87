package solver

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/adverant/nexus/captchasolve-worker/internal/align"
	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
	"github.com/adverant/nexus/captchasolve-worker/internal/sequence"
)

type fakeRecognizer struct {
	name  string
	rows  [][]float32
	err   error
	calls int
}

func (f *fakeRecognizer) Name() string { return f.name }

func (f *fakeRecognizer) Recognize(ctx context.Context, img *pixel.Buffer) ([][]float32, error) {
	f.calls++
	return f.rows, f.err
}

// answerRows encodes text as one peaked column per symbol separated by a
// blank column.
func answerRows(text string) [][]float32 {
	cs := sequence.DefaultCharset()
	var rows [][]float32
	for _, r := range text {
		row := make([]float32, cs.Size())
		row[cs.IndexOf(string(r))] = 0.9
		rows = append(rows, row)

		blank := make([]float32, cs.Size())
		blank[cs.Blank] = 1
		rows = append(rows, blank)
	}
	return rows
}

func foreground(t *testing.T) *pixel.Buffer {
	t.Helper()
	pix := make([]uint32, 20*10)
	for i := range pix {
		if i%4 == 0 {
			pix[i] = 0xFF000000
		}
	}
	b, err := pixel.New("fg", 20, 10, pix)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func background(t *testing.T) *pixel.Buffer {
	t.Helper()
	pix := make([]uint32, 40*10)
	for i := range pix {
		pix[i] = 0xFFFFFFFF
		if (i/40)%3 == 0 {
			pix[i] = 0xFF000000
		}
	}
	b, err := pixel.New("bg", 40, 10, pix)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestSolveInlineProbabilitiesBypassRecognizers(t *testing.T) {
	rec := &fakeRecognizer{name: "model", rows: answerRows("00000")}
	s := New(DefaultParams(), rec)

	sol, err := s.Solve(context.Background(), &Challenge{
		JobID:         "job-1",
		Foreground:    foreground(t),
		Probabilities: answerRows("KX4AM"),
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if rec.calls != 0 {
		t.Errorf("recognizer called %d times", rec.calls)
	}
	if sol.Recognizer != InlineRecognizer || sol.Best() != "KX4AM" {
		t.Errorf("solution = %q via %q", sol.Best(), sol.Recognizer)
	}
	if sol.Image.Width() != 300 || sol.Image.Height() != 80 {
		t.Errorf("render %dx%d", sol.Image.Width(), sol.Image.Height())
	}
	if sol.SliderOffset != nil {
		t.Error("slider offset reported without a background")
	}
}

func TestSolveCascadeFallsThrough(t *testing.T) {
	failing := &fakeRecognizer{name: "inference", err: stderrors.New("connection refused")}
	short := &fakeRecognizer{name: "short", rows: answerRows("AD")}
	good := &fakeRecognizer{name: "tesseract", rows: answerRows("DGHJK")}
	unused := &fakeRecognizer{name: "unused", rows: answerRows("00000")}

	s := New(DefaultParams(), failing, short, good, unused)
	sol, err := s.Solve(context.Background(), &Challenge{JobID: "job-2", Foreground: foreground(t)})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if sol.Recognizer != "tesseract" || sol.Best() != "DGHJK" {
		t.Errorf("got %q via %q", sol.Best(), sol.Recognizer)
	}
	if failing.calls != 1 || short.calls != 1 || unused.calls != 0 {
		t.Errorf("calls: failing=%d short=%d unused=%d", failing.calls, short.calls, unused.calls)
	}
}

func TestSolveAllTiersFail(t *testing.T) {
	s := New(DefaultParams(),
		&fakeRecognizer{name: "a", err: stderrors.New("down")},
		&fakeRecognizer{name: "b"},
	)
	_, err := s.Solve(context.Background(), &Challenge{JobID: "job-3", Foreground: foreground(t)})
	if errors.CodeOf(err) != errors.ErrorRecognitionFailed {
		t.Errorf("err = %v, want RECOGNITION_FAILED", err)
	}
}

func TestSolveNoQualifyingSequenceIsNotAnError(t *testing.T) {
	s := New(DefaultParams(), &fakeRecognizer{name: "model", rows: answerRows("AD")})
	sol, err := s.Solve(context.Background(), &Challenge{JobID: "job-4", Foreground: foreground(t)})
	if err != nil {
		t.Fatal(err)
	}
	if len(sol.Sequences) != 0 || sol.Best() != "" || sol.Recognizer != "model" {
		t.Errorf("solution = %+v", sol)
	}
}

func TestSolveCustomSliderValue(t *testing.T) {
	v := float32(0.5)
	s := New(DefaultParams())
	sol, err := s.Solve(context.Background(), &Challenge{
		Foreground:    foreground(t),
		Background:    background(t),
		SliderValue:   &v,
		Probabilities: answerRows("2048A"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if sol.Offset != 25 {
		t.Errorf("offset = %v, want 25", sol.Offset)
	}
	if sol.SliderOffset != nil || sol.Strategy != "" {
		t.Errorf("custom slider reported search results: %+v", sol)
	}
}

func TestSolveBoundaryStrategyReportsSliderOffset(t *testing.T) {
	s := New(DefaultParams())
	sol, err := s.Solve(context.Background(), &Challenge{
		Foreground:    foreground(t),
		Background:    background(t),
		Probabilities: answerRows("2048A"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if sol.Strategy != align.StrategyBoundary || sol.SliderOffset == nil {
		t.Fatalf("solution = %+v", sol)
	}
	want := align.SliderValue(sol.Alignment.Offset, 20, DefaultParams().Align)
	if sol.Offset != want {
		t.Errorf("offset = %v, want %v", sol.Offset, want)
	}
	if got := *sol.SliderOffset; got != sol.Offset/20 {
		t.Errorf("slider offset = %v, want %v", got, sol.Offset/20)
	}
}

func TestSolveDisorderStrategy(t *testing.T) {
	params := DefaultParams()
	params.Align.Strategy = align.StrategyDisorder
	params.Align.DisorderTo = -5
	s := New(params)

	sol, err := s.Solve(context.Background(), &Challenge{
		Foreground:    foreground(t),
		Background:    background(t),
		Probabilities: answerRows("2048A"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if sol.Strategy != align.StrategyDisorder {
		t.Errorf("strategy = %q", sol.Strategy)
	}
	if sol.Alignment.Offset > 0 || sol.Alignment.Offset < -5 || sol.Offset != float32(sol.Alignment.Offset) {
		t.Errorf("alignment = %+v offset %v", sol.Alignment, sol.Offset)
	}
}

func TestSolveInvalidInput(t *testing.T) {
	s := New(DefaultParams())
	if _, err := s.Solve(context.Background(), &Challenge{}); !stderrors.Is(err, errors.ErrInvalidBuffer) {
		t.Errorf("missing foreground err = %v", err)
	}
	if _, err := s.Solve(context.Background(), nil); !stderrors.Is(err, errors.ErrEmptyInput) {
		t.Errorf("nil challenge err = %v", err)
	}
}

func TestSolveCancelledBeforeRecognition(t *testing.T) {
	rec := &fakeRecognizer{name: "model", rows: answerRows("KX4AM")}
	s := New(DefaultParams(), rec)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Solve(ctx, &Challenge{Foreground: foreground(t)}); !stderrors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	if rec.calls != 0 {
		t.Error("recognizer ran after cancellation")
	}
}
