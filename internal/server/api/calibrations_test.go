package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayusman/viewdistance/internal/calibration"
	"github.com/ayusman/viewdistance/internal/model"
	"github.com/ayusman/viewdistance/internal/session"
	"github.com/ayusman/viewdistance/internal/store"
	"github.com/ayusman/viewdistance/internal/tracker"
)

func TestCalibrationHandler_List(t *testing.T) {
	st := newTestStore(t)
	handler := NewCalibrationHandler(st, nil, nil)

	for _, c := range []*store.Calibration{
		{ID: "cal-1", SessionID: "sess-a", Method: model.MethodBlindSpot, DistanceCm: 50},
		{ID: "cal-2", SessionID: "sess-b", Method: model.MethodObject, DistanceCm: 60},
	} {
		if err := st.Calibrations().Create(c); err != nil {
			t.Fatalf("failed to create calibration: %v", err)
		}
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "all", path: "/api/calibrations", want: 2},
		{name: "by session", path: "/api/calibrations?session=sess-b", want: 1},
		{name: "unknown session", path: "/api/calibrations?session=nope", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, handler, http.MethodGet, tt.path, nil)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected Content-Type application/json, got %s", ct)
			}

			var resp listCalibrationsResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Calibrations == nil {
				t.Fatal("calibrations encoded as null")
			}
			if len(resp.Calibrations) != tt.want {
				t.Errorf("expected %d calibrations, got %d", tt.want, len(resp.Calibrations))
			}
		})
	}
}

func TestCalibrationHandler_GetAndDelete(t *testing.T) {
	st := newTestStore(t)
	handler := NewCalibrationHandler(st, nil, nil)

	err := st.Calibrations().Create(&store.Calibration{
		ID: "cal-1", SessionID: "sess", Method: model.MethodBlindSpot, DistanceCm: 50,
		Trials: []model.CalibrationTrial{{DistanceCm: 50, EyeSide: model.EyeLeft, CrossOffsetPx: 500}},
	})
	if err != nil {
		t.Fatalf("failed to create calibration: %v", err)
	}

	rec := do(t, handler, http.MethodGet, "/api/calibrations/cal-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got store.Calibration
	json.NewDecoder(rec.Body).Decode(&got)
	if got.ID != "cal-1" || len(got.Trials) != 1 {
		t.Errorf("got %+v", got)
	}

	if rec := do(t, handler, http.MethodDelete, "/api/calibrations/cal-1", nil); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec := do(t, handler, http.MethodGet, "/api/calibrations/cal-1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET after delete status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := do(t, handler, http.MethodDelete, "/api/calibrations/cal-1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := do(t, handler, http.MethodPut, "/api/calibrations/cal-1", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestCalibrationHandler_BlindSpot(t *testing.T) {
	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
	}{
		{
			name: "repeatable trials",
			body: blindSpotRequest{PPI: 96, Trials: []calibration.TrialInput{
				{FixationXPx: 800, MarkerXPx: 700},
				{FixationXPx: 800, MarkerXPx: 690},
			}},
			wantStatus: http.StatusCreated,
		},
		{
			name: "trials never repeatable",
			body: blindSpotRequest{PPI: 96, Trials: []calibration.TrialInput{
				{FixationXPx: 800, MarkerXPx: 700},
				{FixationXPx: 800, MarkerXPx: 600},
			}},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "no trials",
			body:       blindSpotRequest{PPI: 96},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			handler := NewCalibrationHandler(st, newTestSession(t, st, eyesApart(100)), nil)

			rec := do(t, handler, http.MethodPost, "/api/calibrations/blind-spot", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusCreated {
				return
			}

			var got store.Calibration
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if got.DistanceCm != 10.4 {
				t.Errorf("DistanceCm = %v, want 10.4", got.DistanceCm)
			}
			if _, err := st.Calibrations().GetByID(got.ID); err != nil {
				t.Errorf("calibration not stored: %v", err)
			}
		})
	}
}

func TestCalibrationHandler_Object(t *testing.T) {
	st := newTestStore(t)
	handler := NewCalibrationHandler(st, newTestSession(t, st, eyesApart(100)), nil)

	rec := do(t, handler, http.MethodPost, "/api/calibrations/object", objectRequest{LengthPx: 960, PPI: 96})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	var got store.Calibration
	json.NewDecoder(rec.Body).Decode(&got)
	if math.Abs(got.DistanceCm-25.4) > 0.05 {
		t.Errorf("DistanceCm = %v, want 25.4", got.DistanceCm)
	}

	if rec := do(t, handler, http.MethodPost, "/api/calibrations/object", objectRequest{}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty object status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCalibrationHandler_Locations(t *testing.T) {
	tests := []struct {
		name       string
		body       locationsRequest
		wantStatus int
		wantFactor float64
	}{
		{
			name: "submitted measurements",
			body: locationsRequest{Measurements: []calibration.Measurement{
				{FOverWidth: 0.744, FactorCmPx: 3000},
				{FOverWidth: 0.75, FactorCmPx: 3000},
			}},
			wantStatus: http.StatusCreated,
			wantFactor: 3000,
		},
		{
			name:       "nothing to measure",
			body:       locationsRequest{},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			src := eyesApart(60)
			handler := NewCalibrationHandler(st, newTestSession(t, st, src), src)

			rec := do(t, handler, http.MethodPost, "/api/calibrations/locations", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusCreated {
				return
			}

			var got store.Calibration
			json.NewDecoder(rec.Body).Decode(&got)
			if math.Abs(got.FactorCmPx-tt.wantFactor) > 1e-6 {
				t.Errorf("FactorCmPx = %v, want %v", got.FactorCmPx, tt.wantFactor)
			}
			if len(got.Records) != 2 {
				t.Errorf("records = %d, want 2", len(got.Records))
			}
		})
	}
}

// awaitPending polls until the live sequence is waiting on location index.
func awaitPending(t *testing.T, h http.Handler, index int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := do(t, h, http.MethodGet, "/api/calibrations/locations/pending", nil)
		if rec.Code == http.StatusOK {
			var p session.LocationPrompt
			json.NewDecoder(rec.Body).Decode(&p)
			if p.Index == index {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("location %d never became pending", index)
}

func TestCalibrationHandler_LiveLocationsWaitForConfirm(t *testing.T) {
	st := newTestStore(t)

	var calls atomic.Int64
	src := tracker.SampleSourceFunc(func(ctx context.Context) (*model.EyeSample, error) {
		calls.Add(1)
		return eyesApart(60).NextEyeSample(ctx)
	})
	handler := NewCalibrationHandler(st, newTestSession(t, st, src), src)

	if rec := do(t, handler, http.MethodGet, "/api/calibrations/locations/pending", nil); rec.Code != http.StatusNotFound {
		t.Errorf("pending before start = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := do(t, handler, http.MethodPost, "/api/calibrations/locations/confirm", confirmLocationRequest{}); rec.Code != http.StatusConflict {
		t.Errorf("confirm before start = %d, want %d", rec.Code, http.StatusConflict)
	}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- do(t, handler, http.MethodPost, "/api/calibrations/locations", locationsRequest{DistanceCm: 50, Samples: 3})
	}()

	awaitPending(t, handler, 0)
	if calls.Load() != 0 {
		t.Fatalf("sampled %d frames before the first confirmation", calls.Load())
	}
	if rec := do(t, handler, http.MethodPost, "/api/calibrations/locations/confirm", confirmLocationRequest{Index: 1}); rec.Code != http.StatusConflict {
		t.Errorf("confirm wrong index = %d, want %d", rec.Code, http.StatusConflict)
	}
	if rec := do(t, handler, http.MethodPost, "/api/calibrations/locations/confirm", confirmLocationRequest{Index: 0}); rec.Code != http.StatusNoContent {
		t.Fatalf("confirm 0 = %d, want %d", rec.Code, http.StatusNoContent)
	}

	awaitPending(t, handler, 1)
	sampled := calls.Load()
	if sampled != 3 {
		t.Errorf("first location sampled %d frames, want 3", sampled)
	}
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != sampled {
		t.Fatalf("second location sampled before its confirmation: %d calls", calls.Load())
	}
	select {
	case rec := <-done:
		t.Fatalf("calibration finished before the second confirmation: %d", rec.Code)
	default:
	}

	if rec := do(t, handler, http.MethodPost, "/api/calibrations/locations/confirm", confirmLocationRequest{Index: 1}); rec.Code != http.StatusNoContent {
		t.Fatalf("confirm 1 = %d, want %d", rec.Code, http.StatusNoContent)
	}

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("calibration did not finish after the last confirmation")
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var got store.Calibration
	json.NewDecoder(rec.Body).Decode(&got)
	if math.Abs(got.FactorCmPx-3000) > 1e-6 {
		t.Errorf("FactorCmPx = %v, want 3000", got.FactorCmPx)
	}
}

func TestCalibrationHandler_Resume(t *testing.T) {
	st := newTestStore(t)
	handler := NewCalibrationHandler(st, newTestSession(t, st, eyesApart(100)), nil)

	if rec := do(t, handler, http.MethodPost, "/api/calibrations/resume", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("empty store status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	err := st.Calibrations().Create(&store.Calibration{
		ID: "cal-1", SessionID: "old", Method: model.MethodFaceMesh, FactorCmPx: 4000,
	})
	if err != nil {
		t.Fatalf("failed to create calibration: %v", err)
	}

	rec := do(t, handler, http.MethodPost, "/api/calibrations/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got store.Calibration
	json.NewDecoder(rec.Body).Decode(&got)
	if got.ID != "cal-1" {
		t.Errorf("resumed %s, want cal-1", got.ID)
	}
}

func TestCalibrationHandler_WithoutSession(t *testing.T) {
	handler := NewCalibrationHandler(newTestStore(t), nil, nil)

	rec := do(t, handler, http.MethodPost, "/api/calibrations/object", objectRequest{LengthPx: 960})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if rec := do(t, handler, http.MethodGet, "/api/calibrations/blind-spot", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET blind-spot status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}
