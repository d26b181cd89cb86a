package calibration

import (
	"context"
	"fmt"

	"github.com/ayusman/viewdistance/internal/geometry"
	"github.com/ayusman/viewdistance/internal/model"
)

// MeasurementSource produces a measurement for a location, typically by asking the
// subject to look at it while the detector samples their eyes.
type MeasurementSource interface {
	Measure(ctx context.Context, index int, info model.LocationInfo) (Measurement, error)
}

// RunSequence feeds measurements from src into m until every location is accepted.
// onSubmit, when non-nil, observes each decision.
func RunSequence(ctx context.Context, m *LocationManager, src MeasurementSource, allowedRatio float64, onSubmit func(model.LocationInfo, SubmitResult)) (*FinalCalibration, error) {
	if err := geometry.ValidateRatio(allowedRatio); err != nil {
		return nil, err
	}

	for !m.IsComplete() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info := m.CurrentLocationInfo()
		meas, err := src.Measure(ctx, m.CurrentLocationIndex(), *info)
		if err != nil {
			return nil, fmt.Errorf("measure location %d (%s): %w", m.CurrentLocationIndex(), info.LocEye, err)
		}

		res, err := m.Submit(meas, allowedRatio)
		if err != nil {
			return nil, fmt.Errorf("submit location %d: %w", m.CurrentLocationIndex(), err)
		}
		if onSubmit != nil {
			onSubmit(*info, res)
		}
	}

	return m.CalculateFinalCalibration(), nil
}

// SliceMeasurementSource replays a fixed list of measurements in order.
type SliceMeasurementSource struct {
	items []Measurement
	next  int
}

// NewSliceMeasurementSource creates a MeasurementSource over items.
func NewSliceMeasurementSource(items []Measurement) *SliceMeasurementSource {
	return &SliceMeasurementSource{items: items}
}

// Measure returns the next measurement or ErrNoMoreTrials.
func (s *SliceMeasurementSource) Measure(ctx context.Context, _ int, _ model.LocationInfo) (Measurement, error) {
	if err := ctx.Err(); err != nil {
		return Measurement{}, err
	}
	if s.next >= len(s.items) {
		return Measurement{}, ErrNoMoreTrials
	}
	m := s.items[s.next]
	s.next++
	return m, nil
}
