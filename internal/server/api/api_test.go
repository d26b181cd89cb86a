package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ayusman/viewdistance/internal/calibration"
	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/model"
	"github.com/ayusman/viewdistance/internal/session"
	"github.com/ayusman/viewdistance/internal/store"
	"github.com/ayusman/viewdistance/internal/tracker"
)

// newTestStore creates a new Store with a temporary database for testing.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// eyesApart is a sample source whose eyes are always sepPx apart.
func eyesApart(sepPx float64) tracker.SampleSource {
	return tracker.SampleSourceFunc(func(ctx context.Context) (*model.EyeSample, error) {
		return &model.EyeSample{
			LeftEye:  model.Point3{X: 320 + sepPx/2, Y: 240},
			RightEye: model.Point3{X: 320 - sepPx/2, Y: 240},
		}, nil
	})
}

func newTestSession(t *testing.T, st *store.Store, src tracker.SampleSource) *session.Session {
	t.Helper()

	sess, err := session.New(src, session.Options{
		Tracker:      tracker.Options{TargetCount: 5, FrameRate: 100, DecimalPlace: 1, VideoWidth: 640},
		BlindSpot:    calibration.BlindSpotOptions{RepeatTesting: 1, PPI: 96, DecimalPlace: 1},
		AllowedRatio: 1.1,
		Locations:    []string{"camera", "center"},
	}, st, nil, logger.Nop())
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	t.Cleanup(func() {
		sess.Close()
	})
	return sess
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
