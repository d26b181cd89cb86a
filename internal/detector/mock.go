package detector

import (
	"sync"

	"gocv.io/x/gocv"

	"github.com/ayusman/viewdistance/internal/model"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results.
type MockDetector struct {
	mu    sync.Mutex
	eyes  *EyePair
	err   error
	calls int
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetEyes sets the eyes returned by DetectEyes. nil means no face.
func (m *MockDetector) SetEyes(eyes *EyePair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eyes = eyes
}

// SetError sets the error that will be returned by DetectEyes.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many times DetectEyes was called.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// DetectEyes returns the pre-configured eyes or error.
func (m *MockDetector) DetectEyes(frame *gocv.Mat) (*EyePair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.eyes == nil {
		return nil, nil
	}
	e := *m.eyes
	return &e, nil
}

// Close is a no-op for the mock detector.
func (m *MockDetector) Close() error {
	return nil
}

// CenteredEyes returns a level pair of eyes sepPx apart around (cx, cy).
func CenteredEyes(cx, cy, sepPx float64) *EyePair {
	return &EyePair{
		LeftEye:  model.Point3{X: cx + sepPx/2, Y: cy},
		RightEye: model.Point3{X: cx - sepPx/2, Y: cy},
		Score:    0.95,
	}
}
