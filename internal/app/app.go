// Package app assembles the camera, detector, sampler and session into a running
// viewing-distance service.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ayusman/viewdistance/internal/calibration"
	"github.com/ayusman/viewdistance/internal/capture"
	"github.com/ayusman/viewdistance/internal/config"
	"github.com/ayusman/viewdistance/internal/detector"
	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/metrics"
	"github.com/ayusman/viewdistance/internal/session"
	"github.com/ayusman/viewdistance/internal/store"
	"github.com/ayusman/viewdistance/internal/tracker"
)

// ErrNotStarted is returned when the session is requested before Start.
var ErrNotStarted = errors.New("app not started")

// App owns the capture pipeline and the calibration session.
type App struct {
	cfg      *config.Config
	store    *store.Store
	metrics  *metrics.Manager
	logger   logger.Logger
	camera   capture.Camera
	detector detector.Detector
	gate     *capture.MotionGate
	sampler  *capture.EyeSampler

	mu      sync.RWMutex
	session *session.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an App. The camera is not opened until Start.
func New(cfg *config.Config, st *store.Store, m *metrics.Manager, log logger.Logger) *App {
	if log == nil {
		log = logger.Get()
	}
	log = log.Named("app")

	a := &App{
		cfg:     cfg,
		store:   st,
		metrics: m,
		logger:  log,
		camera: capture.NewCamera(capture.CameraConfig{
			DeviceID: cfg.CameraDevice,
			Width:    cfg.VideoWidth,
			Height:   cfg.VideoHeight,
		}),
	}
	a.detector = a.newDetector()
	if cfg.MotionThresholdPct > 0 {
		a.gate = capture.NewMotionGate(cfg.MotionThresholdPct)
	}
	a.sampler = capture.NewEyeSampler(a.camera, a.detector, a.gate, log)
	return a
}

// newDetector picks the configured backend, falling back to the mock detector
// when it cannot be loaded.
func (a *App) newDetector() detector.Detector {
	dcfg := detector.DefaultConfig()
	if a.cfg.YuNetModel != "" {
		dcfg.ModelPath = a.cfg.YuNetModel
	}
	dcfg.ScriptPath = a.cfg.FaceMeshScript
	if a.cfg.MinConfidence > 0 {
		dcfg.MinConfidence = a.cfg.MinConfidence
	}
	if a.cfg.VideoWidth > 0 && a.cfg.VideoHeight > 0 {
		dcfg.InputWidth, dcfg.InputHeight = a.cfg.VideoWidth, a.cfg.VideoHeight
	}

	ctx := context.Background()
	switch a.cfg.Detector {
	case config.DetectorYuNet:
		d, err := detector.NewYuNetDetector(dcfg)
		if err == nil {
			a.logger.Info(ctx, "using YuNet eye detection", logger.String("model", dcfg.ModelPath))
			return d
		}
		a.logger.Warn(ctx, "YuNet not available, using mock detector", logger.Error(err))
	case config.DetectorFaceMesh:
		d, err := detector.NewFaceMeshDetector(dcfg)
		if err == nil {
			a.logger.Info(ctx, "using FaceMesh eye detection")
			return d
		}
		a.logger.Warn(ctx, "FaceMesh not available, using mock detector", logger.Error(err))
	default:
		a.logger.Info(ctx, "using mock detector")
	}

	cx, cy := float64(dcfg.InputWidth)/2, float64(dcfg.InputHeight)/2
	mock := detector.NewMockDetector()
	mock.SetEyes(detector.CenteredEyes(cx, cy, 63))
	return mock
}

// SetDetector replaces the detector. It must be called before Start.
func (a *App) SetDetector(d detector.Detector) {
	a.detector = d
	a.sampler = capture.NewEyeSampler(a.camera, d, a.gate, a.logger)
}

// SetCamera replaces the camera. It must be called before Start.
func (a *App) SetCamera(c capture.Camera) {
	a.camera = c
	a.sampler = capture.NewEyeSampler(c, a.detector, a.gate, a.logger)
}

// Start opens the camera, creates the session and, when configured, resumes
// tracking from the last stored calibration.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil {
		return nil
	}

	if err := a.camera.Open(); err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	w, h := a.camera.Size()
	if w != a.cfg.VideoWidth || h != a.cfg.VideoHeight {
		a.logger.Warn(ctx, "camera format differs from configuration",
			logger.Int("width", w), logger.Int("height", h),
			logger.Int("configured_width", a.cfg.VideoWidth), logger.Int("configured_height", a.cfg.VideoHeight))
	}

	sess, err := session.New(a.sampler, SessionOptions(a.cfg, w, h), a.store, a.metrics, a.logger)
	if err != nil {
		a.camera.Close()
		return fmt.Errorf("create session: %w", err)
	}
	a.session = sess

	if a.cfg.ResumeLastCalibration && a.store != nil {
		cal, err := a.session.ResumeLast(ctx)
		switch {
		case err == nil:
			a.logger.Info(ctx, "tracking resumed from last calibration",
				logger.String("calibration_id", cal.ID), logger.String("method", string(cal.Method)))
		case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrNoFactor):
			a.logger.Info(ctx, "no calibration to resume, waiting for calibration")
		default:
			a.logger.Error(ctx, "failed to resume calibration", logger.Error(err))
		}
	}

	a.logger.Info(ctx, "capture started", logger.String("session_id", a.session.ID()))
	return nil
}

// SessionOptions maps process configuration onto session options for a camera
// delivering width x height frames.
func SessionOptions(cfg *config.Config, width, height int) session.Options {
	return session.Options{
		Tracker: tracker.Options{
			TargetCount:              cfg.TargetCount,
			FrameRate:                cfg.FrameRate,
			DecimalPlace:             cfg.DecimalPlace,
			PDCm:                     cfg.PDCm,
			VideoWidth:               float64(width),
			VideoHeight:              float64(height),
			WebcamAboveScreenCm:      tracker.Float64(cfg.WebcamAboveScreenCm),
			DesiredDistanceCm:        cfg.DesiredDistanceCm,
			DesiredDistanceTolerance: cfg.DesiredDistanceTolerance,
		},
		BlindSpot: calibration.BlindSpotOptions{
			RepeatTesting: cfg.RepeatTesting,
			PPI:           cfg.ScreenPPI,
			DecimalPlace:  cfg.DecimalPlace,
		},
		AllowedRatio: cfg.AllowedRatio,
		Locations:    cfg.Locations(),
	}
}

// Stop ends the session and releases the camera and detector.
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
		<-a.done
		a.cancel = nil
	}

	if a.session != nil {
		a.session.Close()
		a.session = nil
	}

	if err := a.camera.Close(); err != nil {
		a.logger.Error(context.Background(), "failed to close camera", logger.Error(err))
	}
	if a.gate != nil {
		a.gate.Close()
	}
	if a.detector != nil {
		if err := a.detector.Close(); err != nil {
			a.logger.Error(context.Background(), "failed to close detector", logger.Error(err))
		}
	}

	detected, reused := a.sampler.Stats()
	a.logger.Info(context.Background(), "capture stopped",
		logger.Int64("frames_detected", detected), logger.Int64("frames_reused", reused))
}

// Session returns the running session.
func (a *App) Session() (*session.Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return nil, ErrNotStarted
	}
	return a.session, nil
}

// Camera returns the camera instance.
func (a *App) Camera() capture.Camera {
	return a.camera
}

// Sampler returns the eye sampler feeding the session.
func (a *App) Sampler() *capture.EyeSampler {
	return a.sampler
}
