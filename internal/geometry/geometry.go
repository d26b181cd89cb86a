// Package geometry provides the stateless trigonometry and ratio helpers used by
// calibration and tracking.
package geometry

import (
	"errors"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/ayusman/viewdistance/internal/model"
)

const (
	// BlindSpotAngleDeg is the eccentricity of the physiological blind spot from fixation.
	BlindSpotAngleDeg = 15.0
	// CmToInch converts centimetres to inches.
	CmToInch = 0.3937
	// FallbackPPI is used when the caller cannot supply the screen pixel density.
	FallbackPPI = 96.0
	// DefaultPDCm is the assumed inter-pupillary distance.
	DefaultPDCm = 6.3
	// DefaultAllowedRatio bounds consecutive calibration measurements.
	DefaultAllowedRatio = 1.1

	// boundarySlack absorbs float rounding so that a ratio exactly at the limit passes.
	boundarySlack = 1e-12
)

var (
	// ErrInvalidRatio is returned when an allowed ratio is not a finite number greater than 1.
	ErrInvalidRatio = errors.New("allowed ratio must be greater than 1")
	// ErrInvalidMeasurement is returned when a compared value is not a positive finite number.
	ErrInvalidMeasurement = errors.New("measurement must be a positive finite number")
	// ErrNoValues is returned by aggregations over an empty input.
	ErrNoValues = errors.New("no values")
)

// AngleToDistanceCm converts an on-screen offset that subtends angleDeg at the eye
// into an eye-to-screen distance.
func AngleToDistanceCm(offsetPx, ppi, angleDeg float64) float64 {
	return offsetPx / ppi / math.Tan(angleDeg*math.Pi/180) / CmToInch
}

// PixelsToCm converts a screen length in pixels to centimetres.
func PixelsToCm(px, ppi float64) float64 {
	return px / ppi / CmToInch
}

// ToleranceResult is the outcome of a ratio tolerance check.
type ToleranceResult struct {
	Pass         bool    `json:"pass"`
	Ratio        float64 `json:"ratio"`
	LogRatio     float64 `json:"logRatio"`
	LogThreshold float64 `json:"logThreshold"`
}

// ValidateRatio reports whether allowedRatio can be used as a tolerance.
func ValidateRatio(allowedRatio float64) error {
	if math.IsNaN(allowedRatio) || math.IsInf(allowedRatio, 0) || allowedRatio <= 1 {
		return ErrInvalidRatio
	}
	return nil
}

// ValidateMeasurement reports whether v can take part in a ratio comparison.
func ValidateMeasurement(v float64) error {
	if !positiveFinite(v) {
		return ErrInvalidMeasurement
	}
	return nil
}

// ToleranceCheck compares current against previous on a log scale.
// A nil previous always passes. The comparison is symmetric in current and previous.
func ToleranceCheck(current float64, previous *float64, allowedRatio float64) (ToleranceResult, error) {
	if err := ValidateRatio(allowedRatio); err != nil {
		return ToleranceResult{}, err
	}

	logThreshold := math.Log10(allowedRatio)
	if previous == nil {
		return ToleranceResult{Pass: true, LogThreshold: logThreshold}, nil
	}

	if !positiveFinite(current) || !positiveFinite(*previous) {
		return ToleranceResult{}, ErrInvalidMeasurement
	}

	ratio := current / *previous
	logRatio := math.Abs(math.Log10(current) - math.Log10(*previous))

	return ToleranceResult{
		Pass:         logRatio <= logThreshold+boundarySlack,
		Ratio:        ratio,
		LogRatio:     logRatio,
		LogThreshold: logThreshold,
	}, nil
}

// WithinRatio reports whether value lies between target·tol and target/tol.
// tol may be given either below or above 1.
func WithinRatio(value, target, tol float64) bool {
	lo, hi := target*tol, target/tol
	if lo > hi {
		lo, hi = hi, lo
	}
	return value >= lo && value <= hi
}

// GeometricMean returns the geometric mean of values.
func GeometricMean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrNoValues
	}
	for _, v := range values {
		if !positiveFinite(v) {
			return 0, ErrInvalidMeasurement
		}
	}
	return stat.GeometricMean(values, nil), nil
}

// Mean returns the arithmetic mean of values.
func Mean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrNoValues
	}
	return stat.Mean(values, nil), nil
}

// Median returns the median of values, averaging the two middle values for even lengths.
func Median(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrNoValues
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], nil
	}
	return (sorted[mid-1] + sorted[mid]) / 2, nil
}

// Round rounds v to the given number of decimal places.
func Round(v float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// EyeSeparationPx returns the Euclidean distance between two eye landmarks.
// Only the image plane is used; the detector depth proxy is not in pixel units.
func EyeSeparationPx(left, right model.Point3) float64 {
	a := r3.Vector{X: left.X, Y: left.Y}
	b := r3.Vector{X: right.X, Y: right.Y}
	return a.Distance(b)
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
