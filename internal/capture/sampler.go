package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ayusman/viewdistance/internal/detector"
	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/model"
)

// EyeSampler reads a frame, runs the eye detector on it and returns the result
// as an EyeSample. It satisfies the tracker's sample source.
type EyeSampler struct {
	camera   Camera
	detector detector.Detector
	gate     *MotionGate
	logger   logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	last     *detector.EyePair
	reused   int64
	detected int64
}

// NewEyeSampler creates a sampler. gate is optional; when set, a frame without
// motion reuses the previous detection instead of running the detector.
func NewEyeSampler(camera Camera, det detector.Detector, gate *MotionGate, log logger.Logger) *EyeSampler {
	if log == nil {
		log = logger.Get()
	}
	return &EyeSampler{
		camera:   camera,
		detector: det,
		gate:     gate,
		logger:   log.Named("sampler"),
		now:      time.Now,
	}
}

// NextEyeSample captures one frame. It returns a nil sample when no face is found.
func (s *EyeSampler) NextEyeSample(ctx context.Context) (*model.EyeSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame, err := s.camera.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	defer frame.Close()
	capturedAt := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gate != nil && s.last != nil {
		if moved, pct := s.gate.Moved(frame); !moved {
			s.reused++
			s.logger.Debug(ctx, "frame still, reusing eyes", logger.Float64("changed_pct", pct))
			sample := s.last.Sample(capturedAt)
			return &sample, nil
		}
	} else if s.gate != nil {
		s.gate.Moved(frame)
	}

	eyes, err := s.detector.DetectEyes(frame)
	if err != nil {
		s.last = nil
		return nil, fmt.Errorf("detect eyes: %w", err)
	}
	s.detected++
	s.last = eyes
	if eyes == nil {
		return nil, nil
	}

	sample := eyes.Sample(capturedAt)
	return &sample, nil
}

// Stats returns how many samples were detected and how many were reused.
func (s *EyeSampler) Stats() (detected, reused int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detected, s.reused
}

// VideoSize returns the camera frame size.
func (s *EyeSampler) VideoSize() (int, int) {
	return s.camera.Size()
}
