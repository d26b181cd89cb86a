package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/viewdistance/internal/capture"
	"github.com/ayusman/viewdistance/internal/config"
	"github.com/ayusman/viewdistance/internal/detector"
	"github.com/ayusman/viewdistance/internal/geometry"
	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/model"
	"github.com/ayusman/viewdistance/internal/session"
	"github.com/ayusman/viewdistance/internal/store"
	"github.com/ayusman/viewdistance/internal/tracker"
)

func testConfig() *config.Config {
	cfg := config.New()
	cfg.Detector = config.DetectorMock
	cfg.FrameRate = 100
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, st *store.Store) *App {
	t.Helper()

	frame := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { frame.Close() })

	a := New(cfg, st, nil, logger.Nop())
	a.SetCamera(capture.NewMockCamera([]*gocv.Mat{&frame}, true))

	det := detector.NewMockDetector()
	det.SetEyes(detector.CenteredEyes(320, 240, 63))
	a.SetDetector(det)
	return a
}

type recordingSink struct {
	mu        sync.Mutex
	estimates []model.DistanceEstimate
	states    []tracker.State
}

func (s *recordingSink) SetEstimate(e *model.DistanceEstimate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e != nil {
		s.estimates = append(s.estimates, *e)
	}
}

func (s *recordingSink) SetCorrection(c *tracker.Correction) {}

func (s *recordingSink) SetTracking(state tracker.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.estimates)
}

func TestApp_SessionBeforeStart(t *testing.T) {
	a := newTestApp(t, testConfig(), nil)

	if _, err := a.Session(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Session() error = %v, want ErrNotStarted", err)
	}
	if err := a.Forward(&recordingSink{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Forward() error = %v, want ErrNotStarted", err)
	}
}

func TestApp_StartRejectsInvalidRatio(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedRatio = 0.5
	a := newTestApp(t, cfg, nil)

	if err := a.Start(context.Background()); !errors.Is(err, geometry.ErrInvalidRatio) {
		t.Fatalf("Start() error = %v, want ErrInvalidRatio", err)
	}
	if _, err := a.Session(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Session() error = %v, want ErrNotStarted", err)
	}
	if a.Camera().IsOpen() {
		t.Error("camera left open after failed start")
	}
}

func TestApp_StartResumesLastCalibration(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer st.Close()

	err = st.Calibrations().Create(&store.Calibration{
		ID: "cal-1", SessionID: "old", Method: model.MethodFaceMesh, FactorCmPx: 6300,
	})
	if err != nil {
		t.Fatalf("failed to create calibration: %v", err)
	}

	a := newTestApp(t, testConfig(), st)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop()

	sess, err := a.Session()
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if got := sess.Status().State; got != tracker.StateRunning {
		t.Fatalf("State = %s, want running", got)
	}

	sink := &recordingSink{}
	if err := a.Forward(sink); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for sink.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no estimate forwarded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sink.mu.Lock()
	got := sink.estimates[0].DistanceCm
	sink.mu.Unlock()
	if got != 100 {
		t.Errorf("forwarded distance = %v, want 100", got)
	}
}

func TestApp_StartWithoutCalibration(t *testing.T) {
	cfg := testConfig()
	cfg.ResumeLastCalibration = false

	a := newTestApp(t, cfg, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop()

	// Starting twice is a no-op.
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	sess, _ := a.Session()
	if got := sess.Status().State; got != tracker.StateIdle {
		t.Errorf("State = %s, want idle", got)
	}
}

func TestApp_Stop(t *testing.T) {
	a := newTestApp(t, testConfig(), nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.Forward(&recordingSink{}); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	a.Stop()

	if a.Camera().IsOpen() {
		t.Error("camera still open after Stop")
	}
	if _, err := a.Session(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Session() after Stop = %v, want ErrNotStarted", err)
	}
}

func TestSessionOptions(t *testing.T) {
	cfg := config.New()
	cfg.ScreenPPI = 110
	cfg.RepeatTesting = 2
	cfg.LocationSequence = "camera, centerLeftEye"
	cfg.WebcamAboveScreenCm = 0

	got := SessionOptions(cfg, 1280, 720)

	if off := got.Tracker.WebcamAboveScreenCm; off == nil || *off != 0 {
		t.Errorf("WebcamAboveScreenCm = %v, want explicit 0", off)
	}

	if got.Tracker.VideoWidth != 1280 || got.Tracker.VideoHeight != 720 {
		t.Errorf("video size = %vx%v, want 1280x720", got.Tracker.VideoWidth, got.Tracker.VideoHeight)
	}
	if got.BlindSpot.PPI != 110 || got.BlindSpot.RepeatTesting != 2 {
		t.Errorf("blind spot options = %+v", got.BlindSpot)
	}
	if len(got.Locations) != 2 || got.Locations[1] != "centerLeftEye" {
		t.Errorf("Locations = %v", got.Locations)
	}
	if got.AllowedRatio != cfg.AllowedRatio {
		t.Errorf("AllowedRatio = %v, want %v", got.AllowedRatio, cfg.AllowedRatio)
	}
}

func TestRunEvents(t *testing.T) {
	events := make(chan session.Event, 8)
	sink := &recordingSink{}

	events <- session.Event{Type: session.EventState, State: tracker.StateRunning}
	events <- session.Event{Type: session.EventEstimate, Estimate: &model.DistanceEstimate{DistanceCm: 48}}
	events <- session.Event{Type: session.EventCorrection, Correction: &tracker.Correction{Direction: tracker.MoveFarther}}
	events <- session.Event{Type: session.EventCalibration, Calibration: &store.Calibration{ID: "c", Method: model.MethodObject}}
	events <- session.Event{Type: session.EventState, State: tracker.StatePaused}
	close(events)

	runEvents(context.Background(), events, sink, logger.Nop())

	if sink.count() != 1 {
		t.Errorf("estimates = %d, want 1", sink.count())
	}
	if len(sink.states) != 2 || sink.states[1] != tracker.StatePaused {
		t.Errorf("states = %v", sink.states)
	}
}
