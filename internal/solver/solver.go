/**
 * Captcha solver
 *
 * Runs one challenge through the pipeline:
 *   1. align the background under the foreground (custom slider value,
 *      boundary cross-correlation or disorder minimisation)
 *   2. render the composite at model input size
 *   3. obtain per-column probabilities (inline matrix or recognizer cascade)
 *   4. decode ranked answers
 */

package solver

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"

	"github.com/adverant/nexus/captchasolve-worker/internal/align"
	"github.com/adverant/nexus/captchasolve-worker/internal/boundary"
	"github.com/adverant/nexus/captchasolve-worker/internal/compositor"
	"github.com/adverant/nexus/captchasolve-worker/internal/errors"
	"github.com/adverant/nexus/captchasolve-worker/internal/logging"
	"github.com/adverant/nexus/captchasolve-worker/internal/pixel"
	"github.com/adverant/nexus/captchasolve-worker/internal/sequence"
)

// InlineRecognizer names probabilities supplied with the challenge.
const InlineRecognizer = "inline"

// Recognizer turns a rendered captcha into a columns x classes probability
// matrix laid out like the solver's Charset.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, img *pixel.Buffer) ([][]float32, error)
}

// Challenge is one solve request.
type Challenge struct {
	JobID      string
	Foreground *pixel.Buffer
	Background *pixel.Buffer // nil for captchas without a slider

	// SliderValue, when set, is the user's slider position in [0, 1] and
	// bypasses the alignment search.
	SliderValue *float32

	// Probabilities, when set, bypasses the recognizers.
	Probabilities [][]float32
}

// Solution is the outcome of Solve.
type Solution struct {
	// Offset is the background translation used for the render.
	Offset float32
	// SliderOffset is |Offset|/|slide width|, reported only when the offset
	// was searched.
	SliderOffset *float32
	Alignment    align.Candidate
	Strategy     align.Strategy

	Image      *pixel.Buffer
	Sequences  []sequence.Recognized
	Recognizer string
}

// Best returns the top answer, or "" when nothing was decoded.
func (s *Solution) Best() string {
	if s == nil || len(s.Sequences) == 0 {
		return ""
	}
	return s.Sequences[0].Text
}

// Solver is safe for concurrent use; it holds no per-challenge state.
type Solver struct {
	params      Params
	recognizers []Recognizer
	logger      *logging.Logger
}

// New builds a solver. Recognizers are tried in order.
func New(params Params, recognizers ...Recognizer) *Solver {
	params.Align.Compositor = params.Compositor
	return &Solver{
		params:      params,
		recognizers: recognizers,
		logger:      logging.NewLogger("solver"),
	}
}

// Recognizers returns the cascade tier names in order.
func (s *Solver) Recognizers() []string {
	names := make([]string, len(s.recognizers))
	for i, r := range s.recognizers {
		names[i] = r.Name()
	}
	return names
}

// Solve aligns, renders and decodes one challenge.
func (s *Solver) Solve(ctx context.Context, ch *Challenge) (*Solution, error) {
	if ch == nil {
		return nil, errors.NewEmptyInputError("challenge")
	}
	if err := pixel.Validate("foreground", ch.Foreground); err != nil {
		return nil, err
	}
	if ch.Background != nil {
		if err := pixel.Validate("background", ch.Background); err != nil {
			return nil, err
		}
	}

	sol := &Solution{}
	if err := s.alignChallenge(ctx, ch, sol); err != nil {
		return nil, err
	}

	img, err := compositor.Render(ch.Foreground, ch.Background, sol.Offset, s.params.Compositor)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	sol.Image = img

	if ch.Probabilities != nil {
		seqs, err := s.decode(ch.Probabilities)
		if err != nil {
			return nil, err
		}
		sol.Sequences = seqs
		sol.Recognizer = InlineRecognizer
		return sol, nil
	}

	if err := s.recognize(ctx, ch.JobID, sol); err != nil {
		return nil, err
	}
	return sol, nil
}

func (s *Solver) alignChallenge(ctx context.Context, ch *Challenge, sol *Solution) error {
	if ch.SliderValue != nil {
		v := clamp01(*ch.SliderValue)
		sol.Offset = v * s.params.WidthDiff
		return nil
	}
	if ch.Background == nil {
		return nil
	}

	slideWidth := ch.Background.Width() - ch.Foreground.Width()
	strategy := s.params.Align.Strategy
	sol.Strategy = strategy

	switch strategy {
	case align.StrategyDisorder:
		cand, err := align.BestOffsetByDisorder(ctx, ch.Foreground, ch.Background, s.params.Align)
		if err != nil {
			return err
		}
		sol.Alignment = cand
		sol.Offset = float32(cand.Offset)

	default:
		fg, bg := ch.Foreground, ch.Background
		if s.params.NoiseThreshold > 0 {
			var err error
			if fg, err = boundary.RemoveNoise(fg, s.params.NoiseThreshold); err != nil {
				return err
			}
			if bg, err = boundary.RemoveNoise(bg, s.params.NoiseThreshold); err != nil {
				return err
			}
		}
		checkpoints, err := boundary.Extract(fg, s.params.Boundary)
		if err != nil {
			return err
		}
		cand, err := align.BestOffset(checkpoints, bg, slideWidth, s.params.Align)
		if stderrors.Is(err, errors.ErrEmptyInput) {
			s.logger.Warn("no foreground boundary, rendering unshifted", "job", ch.JobID)
			cand, err = align.Candidate{}, nil
		}
		if err != nil {
			return err
		}
		sol.Alignment = cand
		sol.Offset = align.SliderValue(cand.Offset, slideWidth, s.params.Align)
	}

	adjusted := float32(math.Abs(float64(sol.Offset)) / math.Max(math.Abs(float64(slideWidth)), 1))
	sol.SliderOffset = &adjusted

	s.logger.Debug("aligned challenge",
		"job", ch.JobID, "strategy", strategy, "offset", sol.Offset,
		"score", sol.Alignment.Score, "slideWidth", slideWidth)
	return nil
}

// recognize walks the cascade until a tier yields a qualifying sequence.
func (s *Solver) recognize(ctx context.Context, jobID string, sol *Solution) error {
	var lastErr error
	attempted := 0
	for _, r := range s.recognizers {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := r.Recognize(ctx, sol.Image)
		if err == nil && len(rows) == 0 {
			err = errors.NewEmptyInputError("probabilities")
		}
		if err != nil {
			lastErr = err
			s.logger.Warn("recognizer tier failed, trying next", "job", jobID, "tier", r.Name(), "error", err)
			continue
		}
		attempted++

		seqs, err := s.decode(rows)
		if err != nil {
			return err
		}
		sol.Recognizer = r.Name()
		sol.Sequences = seqs
		if len(seqs) > 0 {
			s.logger.Info("captcha decoded", "job", jobID, "tier", r.Name(), "answer", seqs[0].Text, "confidence", seqs[0].Confidence)
			return nil
		}
		s.logger.Info("tier produced no qualifying sequence", "job", jobID, "tier", r.Name())
	}

	if attempted == 0 && lastErr != nil {
		name := s.recognizers[len(s.recognizers)-1].Name()
		return errors.NewRecognitionFailedError(jobID, name, lastErr)
	}
	return nil
}

func (s *Solver) decode(rows [][]float32) ([]sequence.Recognized, error) {
	columns := sequence.FromProbabilities(rows, s.params.Charset, s.params.Retention)
	return sequence.Decode(columns, s.params.Sequence)
}

func clamp01(v float32) float32 {
	switch {
	case v != v || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
