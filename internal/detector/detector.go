// Package detector locates the subject's eyes in camera frames.
package detector

import (
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/viewdistance/internal/model"
)

// EyePair is the position of both eyes of one face, in frame pixels.
// LeftEye is the subject's left eye, which appears on the right of an unmirrored frame.
type EyePair struct {
	LeftEye  model.Point3 `json:"leftEye"`
	RightEye model.Point3 `json:"rightEye"`
	Score    float64      `json:"score"`
}

// Sample converts p into an EyeSample captured at capturedAtMs.
func (p EyePair) Sample(capturedAtMs int64) model.EyeSample {
	return model.EyeSample{
		LeftEye:      p.LeftEye,
		RightEye:     p.RightEye,
		CapturedAtMs: capturedAtMs,
	}
}

// Detector defines the interface for eye landmark implementations.
type Detector interface {
	// DetectEyes analyzes a video frame and returns the eyes of the most
	// confident face, or nil if no face is found.
	DetectEyes(frame *gocv.Mat) (*EyePair, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Config holds configuration options for eye detection.
type Config struct {
	// ModelPath is the YuNet ONNX model used by the YuNet backend.
	ModelPath string

	// ScriptPath is the FaceMesh service script. Empty means search the usual locations.
	ScriptPath string

	// MinConfidence is the minimum face score (0.0-1.0).
	MinConfidence float64

	// InputWidth and InputHeight are the initial network input size.
	InputWidth  int
	InputHeight int

	// IdleTimeout stops the FaceMesh subprocess after a period without frames.
	IdleTimeout time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		ModelPath:     "models/face_detection_yunet_2023mar.onnx",
		MinConfidence: 0.6,
		InputWidth:    640,
		InputHeight:   480,
		IdleTimeout:   30 * time.Second,
	}
}

// best returns the highest-scoring face at or above minScore, or nil.
func best(faces []EyePair, minScore float64) *EyePair {
	var top *EyePair
	for i := range faces {
		f := faces[i]
		if f.Score < minScore {
			continue
		}
		if top == nil || f.Score > top.Score {
			top = &f
		}
	}
	return top
}
