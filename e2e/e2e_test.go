package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ayusman/viewdistance/internal/app"
	"github.com/ayusman/viewdistance/internal/capture"
	"github.com/ayusman/viewdistance/internal/config"
	"github.com/ayusman/viewdistance/internal/detector"
	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/metrics"
	"github.com/ayusman/viewdistance/internal/server"
	"github.com/ayusman/viewdistance/internal/session"
	"github.com/ayusman/viewdistance/internal/store"
)

type harness struct {
	app      *app.App
	detector *detector.MockDetector
	server   *httptest.Server
}

// startHarness runs the full service over a synthetic camera whose subject's
// eyes are 63px apart in the middle of a 640x480 frame.
func startHarness(t *testing.T, st *store.Store) *harness {
	t.Helper()

	cfg := config.New()
	cfg.Detector = config.DetectorMock
	cfg.FrameRate = 50
	cfg.ScreenPPI = 96

	frame := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { frame.Close() })

	m := metrics.NewManager(metrics.WithPrometheusRegistry(prometheus.NewRegistry()))
	a := app.New(cfg, st, m, logger.Nop())
	a.SetCamera(capture.NewMockCamera([]*gocv.Mat{&frame}, true))
	det := detector.NewMockDetector()
	det.SetEyes(detector.CenteredEyes(320, 240, 63))
	a.SetDetector(det)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(a.Stop)

	sess, err := a.Session()
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}

	ts := httptest.NewServer(server.New(server.Config{
		Store:   st,
		Session: sess,
		Metrics: m,
		Source:  a.Sampler(),
		Logger:  logger.Nop(),
	}))
	t.Cleanup(ts.Close)

	return &harness{app: a, detector: det, server: ts}
}

func (h *harness) post(t *testing.T, path, body string, wantStatus int, out interface{}) {
	t.Helper()
	resp, err := h.server.Client().Post(h.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST %s status = %d, want %d (%s)", path, resp.StatusCode, wantStatus, b)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
}

func (h *harness) status(t *testing.T) session.Status {
	t.Helper()
	resp, err := h.server.Client().Get(h.server.URL + "/api/tracking")
	if err != nil {
		t.Fatalf("GET /api/tracking error = %v", err)
	}
	defer resp.Body.Close()
	var st session.Status
	json.NewDecoder(resp.Body).Decode(&st)
	return st
}

// confirm waits for location index to be prompted and confirms it.
func (h *harness) confirm(t *testing.T, index int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := h.server.Client().Get(h.server.URL + "/api/calibrations/locations/pending")
		if err != nil {
			t.Fatalf("GET pending location error = %v", err)
		}
		var p session.LocationPrompt
		ok := resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&p) == nil
		resp.Body.Close()
		if ok && p.Index == index {
			h.post(t, "/api/calibrations/locations/confirm", fmt.Sprintf(`{"index": %d}`, index), http.StatusNoContent, nil)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("location %d was never prompted", index)
}

// waitDistance polls the tracking status until the latest estimate equals want.
func (h *harness) waitDistance(t *testing.T, want float64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last float64
	for time.Now().Before(deadline) {
		if st := h.status(t); st.Latest != nil {
			last = st.Latest.DistanceCm
			if last == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("distance = %v, want %v", last, want)
}

func TestE2E_BlindSpotThenTrack(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	st, err := store.New(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer st.Close()

	h := startHarness(t, st)

	var cal store.Calibration
	t.Run("Calibrate", func(t *testing.T) {
		h.post(t, "/api/calibrations/blind-spot",
			`{"trials": [{"fixationXPx": 800, "markerXPx": 700}, {"fixationXPx": 800, "markerXPx": 690}]}`,
			http.StatusCreated, &cal)
		if cal.DistanceCm != 10.4 {
			t.Errorf("DistanceCm = %v, want 10.4", cal.DistanceCm)
		}
	})

	t.Run("FirstEstimateMatchesCalibration", func(t *testing.T) {
		h.waitDistance(t, 10.4)
	})

	t.Run("SubjectMovesBack", func(t *testing.T) {
		// Eyes twice as far apart in the image means half the distance.
		h.detector.SetEyes(detector.CenteredEyes(320, 240, 126))
		h.waitDistance(t, 5.2)
	})

	t.Run("PauseAndResume", func(t *testing.T) {
		h.post(t, "/api/tracking/pause", "", http.StatusOK, nil)
		if got := h.status(t).State; got != "paused" {
			t.Errorf("State = %s, want paused", got)
		}
		h.post(t, "/api/tracking/resume", "", http.StatusOK, nil)
		h.post(t, "/api/tracking/resume", "", http.StatusConflict, nil)
	})

	t.Run("FactorPersisted", func(t *testing.T) {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			got, err := st.Calibrations().GetByID(cal.ID)
			if err == nil && got.FactorCmPx > 0 {
				if d := got.FactorCmPx - 63*10.4; d > 1e-6 || d < -1e-6 {
					t.Errorf("FactorCmPx = %v, want %v", got.FactorCmPx, 63*10.4)
				}
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatal("scale factor never stored")
	})

	t.Run("Metrics", func(t *testing.T) {
		resp, err := h.server.Client().Get(h.server.URL + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics error = %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		for _, want := range []string{
			`viewdistance_calibrations_total{method="BlindSpot"} 1`,
			"viewdistance_estimates_total",
			"viewdistance_tracker_running 1",
		} {
			if !strings.Contains(string(body), want) {
				t.Errorf("metrics missing %q", want)
			}
		}
	})
}

func TestE2E_LocationsAndResume(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	dbPath := filepath.Join(t.TempDir(), "data.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}

	h := startHarness(t, st)

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := h.server.Client().Post(h.server.URL+"/api/calibrations/locations",
			"application/json", strings.NewReader(`{"distanceCm": 50, "samples": 3}`))
		done <- result{resp, err}
	}()
	// The subject looks at each prompted location before it is sampled.
	for i := 0; i < 2; i++ {
		h.confirm(t, i)
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("location calibration did not finish")
	}
	if res.err != nil {
		t.Fatalf("POST locations error = %v", res.err)
	}
	defer res.resp.Body.Close()
	if res.resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST locations status = %d, want %d", res.resp.StatusCode, http.StatusCreated)
	}
	var cal store.Calibration
	if err := json.NewDecoder(res.resp.Body).Decode(&cal); err != nil {
		t.Fatalf("decode calibration: %v", err)
	}
	if d := cal.FactorCmPx - 3150; d > 1e-6 || d < -1e-6 {
		t.Errorf("FactorCmPx = %v, want 3150", cal.FactorCmPx)
	}
	if len(cal.Records) != 2 {
		t.Errorf("records = %d, want 2", len(cal.Records))
	}
	h.waitDistance(t, 50)

	h.app.Stop()
	st.Close()

	// A restarted process resumes from the stored factor without recalibrating.
	st2, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()

	h2 := startHarness(t, st2)
	if got := h2.status(t).Calibration; got == nil || got.ID != cal.ID {
		t.Fatalf("resumed calibration = %+v, want %s", got, cal.ID)
	}
	h2.waitDistance(t, 50)
}
