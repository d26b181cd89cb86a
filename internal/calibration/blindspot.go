package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ayusman/viewdistance/internal/geometry"
	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/model"
)

// Default blind-spot protocol settings.
const (
	DefaultRepeatTesting = 1
	DefaultDecimalPlace  = 1
)

// ErrNoMoreTrials is returned by a TrialSource that has nothing further to offer.
var ErrNoMoreTrials = errors.New("no more trials")

// Phase is a blind-spot protocol state.
type Phase string

const (
	PhaseCollecting    Phase = "collecting"
	PhaseSwitchingSide Phase = "switching_side"
	PhaseValidating    Phase = "validating"
	PhaseAccepted      Phase = "accepted"
	PhaseRejectedRetry Phase = "rejected_retry"
)

// TrialRequest tells the trial source which trial the protocol expects next.
type TrialRequest struct {
	Side        model.EyeSide
	TrialInSide int
	Attempt     int
}

// TrialInput is the subject's alignment for one trial, in screen pixels.
type TrialInput struct {
	FixationXPx float64 `json:"fixationXPx"`
	MarkerXPx   float64 `json:"markerXPx"`
	TimestampMs int64   `json:"timestampMs"`
}

// TrialSource supplies blind-spot alignments, typically from the UI layer.
type TrialSource interface {
	NextTrial(ctx context.Context, req TrialRequest) (TrialInput, error)
}

// BlindSpotOptions configures the blind-spot protocol.
type BlindSpotOptions struct {
	// RepeatTesting is the number of trials per eye side.
	RepeatTesting int
	// PPI is the screen pixel density. Values <= 0 fall back to geometry.FallbackPPI.
	PPI float64
	// DecimalPlace is the precision of the reported distance.
	DecimalPlace int
	// StartSide is the side of the first trial of every attempt.
	StartSide model.EyeSide
	// OnRejected is called each time a full set of trials fails the repeatability check.
	OnRejected func(RepeatabilityReport)
}

// BlindSpotState is the protocol state. Values are never mutated in place by Reduce.
type BlindSpotState struct {
	Phase       Phase                    `json:"phase"`
	Side        model.EyeSide            `json:"side"`
	TrialInSide int                      `json:"trialInSide"`
	Attempt     int                      `json:"attempt"`
	Trials      []model.CalibrationTrial `json:"trials"`
	Report      *RepeatabilityReport     `json:"report,omitempty"`
	DistanceCm  float64                  `json:"distanceCm"`
}

// BlindSpotEvent is an input to the protocol reducer.
type BlindSpotEvent interface {
	isBlindSpotEvent()
}

// TrialRecorded reports a completed alignment.
type TrialRecorded struct {
	TrialInput
}

// SideSwitched acknowledges that the layout for the other eye is in place.
type SideSwitched struct{}

// RetryRequested restarts collection after a rejected attempt.
type RetryRequested struct{}

func (TrialRecorded) isBlindSpotEvent()  {}
func (SideSwitched) isBlindSpotEvent()   {}
func (RetryRequested) isBlindSpotEvent() {}

// BlindSpotResult is an accepted blind-spot calibration.
type BlindSpotResult struct {
	DistanceCm float64                  `json:"distanceCm"`
	Raw        []model.CalibrationTrial `json:"raw"`
	Attempts   int                      `json:"attempts"`
	Report     RepeatabilityReport      `json:"report"`
}

// BlindSpotCalibrator runs the blind-spot distance protocol.
type BlindSpotCalibrator struct {
	source TrialSource
	opts   BlindSpotOptions
	logger logger.Logger
	now    func() time.Time
}

// NewBlindSpotCalibrator creates a calibrator reading trials from source.
func NewBlindSpotCalibrator(source TrialSource, opts BlindSpotOptions, log logger.Logger) *BlindSpotCalibrator {
	if log == nil {
		log = logger.Get()
	}
	log = log.Named("blindspot")

	if opts.RepeatTesting <= 0 {
		opts.RepeatTesting = DefaultRepeatTesting
	}
	if opts.DecimalPlace < 0 {
		opts.DecimalPlace = DefaultDecimalPlace
	}
	if opts.StartSide != model.EyeRight {
		opts.StartSide = model.EyeLeft
	}
	if opts.PPI <= 0 || math.IsNaN(opts.PPI) || math.IsInf(opts.PPI, 0) {
		log.Warn(context.Background(), "screen ppi unavailable, distance accuracy degraded",
			logger.Float64("ppi", opts.PPI), logger.Float64("fallback_ppi", geometry.FallbackPPI))
		opts.PPI = geometry.FallbackPPI
	}

	return &BlindSpotCalibrator{
		source: source,
		opts:   opts,
		logger: log,
		now:    time.Now,
	}
}

// Options returns the effective options after defaults were applied.
func (c *BlindSpotCalibrator) Options() BlindSpotOptions {
	return c.opts
}

// TotalTrials is the number of trials in one attempt.
func (c *BlindSpotCalibrator) TotalTrials() int {
	return 2 * c.opts.RepeatTesting
}

// Initial returns the state at the start of the protocol.
func (c *BlindSpotCalibrator) Initial() BlindSpotState {
	return BlindSpotState{
		Phase:   PhaseCollecting,
		Side:    c.opts.StartSide,
		Attempt: 1,
	}
}

// Reduce applies ev to s and returns the next state.
// Events that do not apply to the current phase leave the state unchanged.
func (c *BlindSpotCalibrator) Reduce(s BlindSpotState, ev BlindSpotEvent) BlindSpotState {
	switch e := ev.(type) {
	case TrialRecorded:
		if s.Phase != PhaseCollecting {
			return s
		}
		offset := math.Abs(e.FixationXPx - e.MarkerXPx)
		if offset == 0 || math.IsNaN(offset) || math.IsInf(offset, 0) {
			return s
		}

		next := s
		next.Trials = append(append([]model.CalibrationTrial(nil), s.Trials...), model.CalibrationTrial{
			DistanceCm:    geometry.AngleToDistanceCm(offset, c.opts.PPI, geometry.BlindSpotAngleDeg),
			EyeSide:       s.Side,
			CrossOffsetPx: offset,
			TimestampMs:   e.TimestampMs,
		})
		next.TrialInSide = countSide(next.Trials, s.Side)

		if len(next.Trials) < c.TotalTrials() {
			next.Phase = PhaseSwitchingSide
			return next
		}

		next.Phase = PhaseValidating
		return c.validate(next)

	case SideSwitched:
		if s.Phase != PhaseSwitchingSide {
			return s
		}
		next := s
		next.Phase = PhaseCollecting
		next.Side = s.Side.Other()
		next.TrialInSide = countSide(s.Trials, next.Side)
		return next

	case RetryRequested:
		if s.Phase != PhaseRejectedRetry {
			return s
		}
		return BlindSpotState{
			Phase:   PhaseCollecting,
			Side:    c.opts.StartSide,
			Attempt: s.Attempt + 1,
			Report:  s.Report,
		}
	}

	return s
}

// validate resolves a Validating state into Accepted or RejectedRetry.
func (c *BlindSpotCalibrator) validate(s BlindSpotState) BlindSpotState {
	report := CheckRepeatability(s.Trials)
	s.Report = &report

	if !report.Pass {
		s.Phase = PhaseRejectedRetry
		s.Trials = nil
		s.TrialInSide = 0
		return s
	}

	distances := make([]float64, len(s.Trials))
	for i, tr := range s.Trials {
		distances[i] = tr.DistanceCm
	}
	median, _ := geometry.Median(distances)

	s.Phase = PhaseAccepted
	s.DistanceCm = geometry.Round(median, c.opts.DecimalPlace)
	return s
}

// Run drives the protocol until a set of trials is accepted. Rejected attempts are
// discarded and restarted; the loop ends early only on ctx cancellation or a source error.
func (c *BlindSpotCalibrator) Run(ctx context.Context) (*BlindSpotResult, error) {
	s := c.Initial()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch s.Phase {
		case PhaseCollecting:
			in, err := c.source.NextTrial(ctx, TrialRequest{
				Side:        s.Side,
				TrialInSide: s.TrialInSide,
				Attempt:     s.Attempt,
			})
			if err != nil {
				return nil, fmt.Errorf("blind spot trial %d (%s): %w", len(s.Trials)+1, s.Side, err)
			}
			if in.TimestampMs == 0 {
				in.TimestampMs = c.now().UnixMilli()
			}

			before := len(s.Trials)
			s = c.Reduce(s, TrialRecorded{TrialInput: in})
			if s.Phase == PhaseCollecting && len(s.Trials) == before {
				c.logger.Warn(ctx, "ignoring trial without marker offset",
					logger.String("side", string(s.Side)), logger.Float64("fixation_x", in.FixationXPx))
			}

		case PhaseSwitchingSide:
			s = c.Reduce(s, SideSwitched{})

		case PhaseRejectedRetry:
			c.logger.Info(ctx, "blind spot trials not repeatable, restarting",
				logger.Int("attempt", s.Attempt),
				logger.Float64("mean_left_cm", s.Report.MeanLeft),
				logger.Float64("mean_right_cm", s.Report.MeanRight))
			if c.opts.OnRejected != nil {
				c.opts.OnRejected(*s.Report)
			}
			s = c.Reduce(s, RetryRequested{})

		case PhaseAccepted:
			c.logger.Info(ctx, "blind spot calibration accepted",
				logger.Float64("distance_cm", s.DistanceCm), logger.Int("attempts", s.Attempt))
			return &BlindSpotResult{
				DistanceCm: s.DistanceCm,
				Raw:        s.Trials,
				Attempts:   s.Attempt,
				Report:     *s.Report,
			}, nil

		default:
			return nil, fmt.Errorf("blind spot: unexpected phase %q", s.Phase)
		}
	}
}

func countSide(trials []model.CalibrationTrial, side model.EyeSide) int {
	n := 0
	for _, tr := range trials {
		if tr.EyeSide == side {
			n++
		}
	}
	return n
}

// SliceTrialSource replays a fixed list of trial inputs in order.
type SliceTrialSource struct {
	inputs []TrialInput
	next   int
}

// NewSliceTrialSource creates a TrialSource over inputs.
func NewSliceTrialSource(inputs []TrialInput) *SliceTrialSource {
	return &SliceTrialSource{inputs: inputs}
}

// NextTrial returns the next input or ErrNoMoreTrials.
func (s *SliceTrialSource) NextTrial(ctx context.Context, _ TrialRequest) (TrialInput, error) {
	if err := ctx.Err(); err != nil {
		return TrialInput{}, err
	}
	if s.next >= len(s.inputs) {
		return TrialInput{}, ErrNoMoreTrials
	}
	in := s.inputs[s.next]
	s.next++
	return in, nil
}
