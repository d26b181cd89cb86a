package calibration

import (
	"errors"

	"github.com/ayusman/viewdistance/internal/geometry"
	"github.com/ayusman/viewdistance/internal/model"
)

// ErrNoEyeSeparation is returned when a sample has coincident eye landmarks.
var ErrNoEyeSeparation = errors.New("eye landmarks coincide")

// ObjectDistanceCm converts the on-screen length of a reference object that spans
// from the screen to the eye into a viewing distance.
func ObjectDistanceCm(lengthPx, ppi float64) float64 {
	if ppi <= 0 {
		ppi = geometry.FallbackPPI
	}
	return geometry.PixelsToCm(lengthPx, ppi)
}

// FaceMeasurement derives the location-manager values from an eye sample taken
// while the subject sits at a known distance.
//
// factorCmPx = eyePx · distanceCm, so that distance = factorCmPx / eyePx later on.
// fOverWidth = (eyePx · distanceCm / pdCm) / videoWidthPx, the camera focal length
// expressed in video widths.
func FaceMeasurement(sample model.EyeSample, distanceCm, pdCm, videoWidthPx float64) (Measurement, error) {
	eyePx := geometry.EyeSeparationPx(sample.LeftEye, sample.RightEye)
	if eyePx <= 0 {
		return Measurement{}, ErrNoEyeSeparation
	}
	if pdCm <= 0 {
		pdCm = geometry.DefaultPDCm
	}

	factor := eyePx * distanceCm
	var fOverWidth float64
	if videoWidthPx > 0 {
		fOverWidth = factor / pdCm / videoWidthPx
	}

	return Measurement{
		FOverWidth:  fOverWidth,
		FactorCmPx:  factor,
		TimestampMs: sample.CapturedAtMs,
	}, nil
}
