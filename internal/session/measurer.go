package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayusman/viewdistance/internal/calibration"
	"github.com/ayusman/viewdistance/internal/model"
	"github.com/ayusman/viewdistance/internal/tracker"
)

// DefaultSamplesPerMeasurement is the number of face frames averaged per location.
const DefaultSamplesPerMeasurement = 5

// ErrTooManyMisses is returned when a location cannot collect enough face frames.
var ErrTooManyMisses = errors.New("too many frames without a face")

// EyeMeasurer measures each location from live eye samples while the subject
// sits at a known distance. It implements calibration.MeasurementSource.
type EyeMeasurer struct {
	Source     tracker.SampleSource
	DistanceCm float64
	PDCm       float64
	// VideoWidth is the capture width in pixels.
	VideoWidth float64
	// Samples is the number of face frames averaged per measurement.
	Samples int
	// MaxMisses bounds frames without a face per measurement. Zero means 10 × Samples.
	MaxMisses int
	// Prompt, when set, is called before each location is sampled so the subject
	// can look at it. An error aborts the sequence.
	Prompt func(ctx context.Context, index int, info model.LocationInfo) error
}

// Measure averages eye positions over Samples face frames and converts them into
// a calibration measurement.
func (m *EyeMeasurer) Measure(ctx context.Context, index int, info model.LocationInfo) (calibration.Measurement, error) {
	if m.Prompt != nil {
		if err := m.Prompt(ctx, index, info); err != nil {
			return calibration.Measurement{}, err
		}
	}

	n := m.Samples
	if n <= 0 {
		n = DefaultSamplesPerMeasurement
	}
	maxMisses := m.MaxMisses
	if maxMisses <= 0 {
		maxMisses = 10 * n
	}

	var avg model.EyeSample
	got, misses := 0, 0
	for got < n {
		if err := ctx.Err(); err != nil {
			return calibration.Measurement{}, err
		}
		s, err := m.Source.NextEyeSample(ctx)
		if err != nil || s == nil {
			misses++
			if misses > maxMisses {
				return calibration.Measurement{}, fmt.Errorf("location %s: %w", info.LocEye, ErrTooManyMisses)
			}
			continue
		}

		avg.LeftEye.X += s.LeftEye.X
		avg.LeftEye.Y += s.LeftEye.Y
		avg.LeftEye.Z += s.LeftEye.Z
		avg.RightEye.X += s.RightEye.X
		avg.RightEye.Y += s.RightEye.Y
		avg.RightEye.Z += s.RightEye.Z
		avg.CapturedAtMs = s.CapturedAtMs
		got++
	}

	k := float64(n)
	avg.LeftEye = model.Point3{X: avg.LeftEye.X / k, Y: avg.LeftEye.Y / k, Z: avg.LeftEye.Z / k}
	avg.RightEye = model.Point3{X: avg.RightEye.X / k, Y: avg.RightEye.Y / k, Z: avg.RightEye.Z / k}

	return calibration.FaceMeasurement(avg, m.DistanceCm, m.PDCm, m.VideoWidth)
}
