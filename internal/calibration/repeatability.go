// Package calibration implements the one-shot geometric calibration protocols and the
// multi-location calibration sequencer.
package calibration

import (
	"math"

	"github.com/ayusman/viewdistance/internal/model"
)

// RepeatabilityTolerance is the largest relative difference allowed between the
// left-eye and right-eye mean distances.
const RepeatabilityTolerance = 0.2

// RepeatabilityReport describes the outcome of a repeatability check.
type RepeatabilityReport struct {
	Pass      bool    `json:"pass"`
	MeanLeft  float64 `json:"meanLeft"`
	MeanRight float64 `json:"meanRight"`
	Diff      float64 `json:"diff"`
	Limit     float64 `json:"limit"`
}

// CheckRepeatability validates a set of blind-spot trials for internal consistency.
// The check passes iff |meanLeft - meanRight| < 0.2 * min(meanLeft, meanRight).
// A set lacking trials for either side never passes.
func CheckRepeatability(trials []model.CalibrationTrial) RepeatabilityReport {
	var sumL, sumR float64
	var nL, nR int
	for _, tr := range trials {
		switch tr.EyeSide {
		case model.EyeLeft:
			sumL += tr.DistanceCm
			nL++
		case model.EyeRight:
			sumR += tr.DistanceCm
			nR++
		}
	}

	if nL == 0 || nR == 0 {
		return RepeatabilityReport{}
	}

	meanL := sumL / float64(nL)
	meanR := sumR / float64(nR)
	diff := math.Abs(meanL - meanR)
	limit := RepeatabilityTolerance * math.Min(meanL, meanR)

	return RepeatabilityReport{
		Pass:      diff < limit,
		MeanLeft:  meanL,
		MeanRight: meanR,
		Diff:      diff,
		Limit:     limit,
	}
}
