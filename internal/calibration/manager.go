package calibration

import (
	"errors"
	"fmt"
	"time"

	"github.com/ayusman/viewdistance/internal/geometry"
	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/model"
)

var (
	// ErrSequenceComplete is returned when a measurement is offered after the last location.
	ErrSequenceComplete = errors.New("location sequence complete")
	// ErrAlreadyStored is returned when the current location already has an accepted measurement.
	ErrAlreadyStored = errors.New("measurement already stored for current location")
	// ErrEmptySequence is returned when a manager is built without locations.
	ErrEmptySequence = errors.New("location sequence is empty")
)

// Measurement is one computed calibration value for the current location.
type Measurement struct {
	FOverWidth  float64 `json:"fOverWidth"`
	FactorCmPx  float64 `json:"factorCmPx"`
	TimestampMs int64   `json:"timestampMs"`
}

// SubmitResult describes what happened to a submitted measurement.
type SubmitResult struct {
	Index     int                      `json:"index"`
	Accepted  bool                     `json:"accepted"`
	Tolerance geometry.ToleranceResult `json:"tolerance"`
}

// FinalCalibration combines all accepted measurements.
type FinalCalibration struct {
	FOverWidth float64                `json:"fOverWidth"`
	FactorCmPx float64                `json:"factorCmPx"`
	Records    []model.LocationRecord `json:"records"`
}

// LocationManager sequences calibration measurements over an ordered list of
// locations. Each measurement is validated against the previously accepted one;
// a failure discards the previous measurement and re-measures that location.
//
// Invariant: len(completed) == index, except transiently inside RejectAndGoBack.
type LocationManager struct {
	sequence   []string
	infos      []model.LocationInfo
	index      int
	completed  []model.LocationRecord
	rejections int
	now        func() time.Time
}

// NewLocationManager creates a manager over sequence.
func NewLocationManager(sequence []string, log logger.Logger) (*LocationManager, error) {
	if len(sequence) == 0 {
		return nil, ErrEmptySequence
	}
	if log == nil {
		log = logger.Get()
	}

	seq := append([]string(nil), sequence...)
	return &LocationManager{
		sequence: seq,
		infos:    decomposeSequence(seq, log.Named("locations")),
		now:      time.Now,
	}, nil
}

// Sequence returns a copy of the location tokens.
func (m *LocationManager) Sequence() []string {
	return append([]string(nil), m.sequence...)
}

// CurrentLocationIndex returns the index of the location awaiting a measurement.
func (m *LocationManager) CurrentLocationIndex() int {
	return m.index
}

// CompletedMeasurements returns a copy of the accepted measurements in order.
func (m *LocationManager) CompletedMeasurements() []model.LocationRecord {
	return append([]model.LocationRecord(nil), m.completed...)
}

// Rejections returns how many measurements have been rejected since the last reset.
func (m *LocationManager) Rejections() int {
	return m.rejections
}

// IsComplete reports whether every location has an accepted measurement.
func (m *LocationManager) IsComplete() bool {
	return len(m.completed) == len(m.sequence)
}

// CurrentLocationInfo returns the decomposed current token, or nil when complete.
func (m *LocationManager) CurrentLocationInfo() *model.LocationInfo {
	if m.IsComplete() || m.index >= len(m.infos) {
		return nil
	}
	info := m.infos[m.index]
	return &info
}

// PreviousFOverWidth returns the fOverWidth of the last accepted measurement, or nil.
func (m *LocationManager) PreviousFOverWidth() *float64 {
	if len(m.completed) == 0 {
		return nil
	}
	v := m.completed[len(m.completed)-1].FOverWidth
	return &v
}

// CheckTolerance compares currentFOverWidth with the last accepted measurement.
func (m *LocationManager) CheckTolerance(currentFOverWidth, allowedRatio float64) (geometry.ToleranceResult, error) {
	return geometry.ToleranceCheck(currentFOverWidth, m.PreviousFOverWidth(), allowedRatio)
}

// StoreMeasurement records meas as the accepted measurement for the current location.
func (m *LocationManager) StoreMeasurement(meas Measurement) error {
	info := m.CurrentLocationInfo()
	if info == nil {
		return ErrSequenceComplete
	}
	if len(m.completed) != m.index {
		return ErrAlreadyStored
	}
	if err := geometry.ValidateMeasurement(meas.FOverWidth); err != nil {
		return fmt.Errorf("fOverWidth %v: %w", meas.FOverWidth, err)
	}
	// factorCmPx may be absent, but a present value must be usable.
	if meas.FactorCmPx != 0 {
		if err := geometry.ValidateMeasurement(meas.FactorCmPx); err != nil {
			return fmt.Errorf("factorCmPx %v: %w", meas.FactorCmPx, err)
		}
	}

	ts := meas.TimestampMs
	if ts == 0 {
		ts = m.now().UnixMilli()
	}

	m.completed = append(m.completed, model.LocationRecord{
		LocationIndex: m.index,
		LocEye:        m.sequence[m.index],
		Location:      info.Location,
		Eye:           info.Eye,
		FOverWidth:    meas.FOverWidth,
		FactorCmPx:    meas.FactorCmPx,
		TimestampMs:   ts,
	})
	return nil
}

// AdvanceToNext moves to the next location.
func (m *LocationManager) AdvanceToNext() {
	if m.index < len(m.sequence) {
		m.index++
	}
}

// RejectAndGoBack discards up to n accepted measurements and moves the current
// location back by n, never below zero. It returns the number of measurements discarded.
// Only a call that discards something counts as a rejection.
func (m *LocationManager) RejectAndGoBack(n int) int {
	if n <= 0 {
		return 0
	}

	pop := n
	if pop > len(m.completed) {
		pop = len(m.completed)
	}
	m.completed = m.completed[:len(m.completed)-pop]

	m.index -= n
	if m.index < 0 {
		m.index = 0
	}
	if pop > 0 {
		m.rejections++
	}
	return pop
}

// Submit validates meas for the current location. On success it is stored and the
// manager advances; on failure it is discarded and the manager rewinds by one so the
// previous location, the one it disagreed with, is measured again.
func (m *LocationManager) Submit(meas Measurement, allowedRatio float64) (SubmitResult, error) {
	if m.IsComplete() {
		return SubmitResult{}, ErrSequenceComplete
	}
	if err := geometry.ValidateMeasurement(meas.FOverWidth); err != nil {
		return SubmitResult{}, fmt.Errorf("fOverWidth %v: %w", meas.FOverWidth, err)
	}

	res, err := m.CheckTolerance(meas.FOverWidth, allowedRatio)
	if err != nil {
		return SubmitResult{}, err
	}

	result := SubmitResult{Index: m.index, Tolerance: res}
	if !res.Pass {
		m.RejectAndGoBack(1)
		return result, nil
	}

	if err := m.StoreMeasurement(meas); err != nil {
		return SubmitResult{}, err
	}
	m.AdvanceToNext()
	result.Accepted = true
	return result, nil
}

// CalculateFinalCalibration returns the geometric means of fOverWidth and factorCmPx
// over the accepted measurements, or nil when there are none.
func (m *LocationManager) CalculateFinalCalibration() *FinalCalibration {
	if len(m.completed) == 0 {
		return nil
	}

	fw := make([]float64, len(m.completed))
	fc := make([]float64, len(m.completed))
	for i, r := range m.completed {
		fw[i] = r.FOverWidth
		fc[i] = r.FactorCmPx
	}

	gfw, err := geometry.GeometricMean(fw)
	if err != nil {
		return nil
	}
	// factorCmPx is absent when measurements carry only fOverWidth.
	gfc, err := geometry.GeometricMean(fc)
	if err != nil {
		gfc = 0
	}

	return &FinalCalibration{
		FOverWidth: gfw,
		FactorCmPx: gfc,
		Records:    m.CompletedMeasurements(),
	}
}

// Reset clears all measurements and returns to the first location.
func (m *LocationManager) Reset() {
	m.index = 0
	m.completed = nil
	m.rejections = 0
}
