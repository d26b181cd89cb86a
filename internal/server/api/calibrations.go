package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ayusman/viewdistance/internal/calibration"
	"github.com/ayusman/viewdistance/internal/geometry"
	"github.com/ayusman/viewdistance/internal/session"
	"github.com/ayusman/viewdistance/internal/store"
	"github.com/ayusman/viewdistance/internal/tracker"
)

// CalibrationHandler serves stored calibrations and runs new ones.
//
//	GET    /api/calibrations             list, newest first (?session= filters)
//	GET    /api/calibrations/{id}        one calibration with trials and records
//	DELETE /api/calibrations/{id}
//	POST   /api/calibrations/blind-spot  run the blind-spot protocol over submitted trials
//	POST   /api/calibrations/object      calibrate from a reference object length
//	POST   /api/calibrations/locations   run the location sequence
//	GET    /api/calibrations/locations/pending  location a live sequence is waiting on
//	POST   /api/calibrations/locations/confirm  subject is looking at the pending location
//	POST   /api/calibrations/resume      resume tracking from the latest stored calibration
type CalibrationHandler struct {
	store   *store.Store
	session *session.Session
	source  tracker.SampleSource
}

// NewCalibrationHandler creates a handler. source, when non-nil, lets location
// calibrations sample the live camera instead of taking submitted measurements.
func NewCalibrationHandler(st *store.Store, sess *session.Session, source tracker.SampleSource) *CalibrationHandler {
	return &CalibrationHandler{store: st, session: sess, source: source}
}

type blindSpotRequest struct {
	PPI    float64                  `json:"ppi"`
	Trials []calibration.TrialInput `json:"trials"`
}

type objectRequest struct {
	LengthPx float64 `json:"lengthPx"`
	PPI      float64 `json:"ppi"`
}

type locationsRequest struct {
	// Measurements are replayed in order when present.
	Measurements []calibration.Measurement `json:"measurements"`
	// DistanceCm is the subject's known distance for live sampling.
	DistanceCm float64 `json:"distanceCm"`
	Samples    int     `json:"samples"`
}

type confirmLocationRequest struct {
	Index int `json:"index"`
}

type listCalibrationsResponse struct {
	Calibrations []*store.Calibration `json:"calibrations"`
}

// ServeHTTP routes requests to the appropriate method.
func (h *CalibrationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/calibrations")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.list(w, r)
		return
	}

	switch path {
	case "locations/pending":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.pendingLocation(w, r)
		return
	case "blind-spot", "object", "locations", "locations/confirm", "resume":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.session == nil {
			writeError(w, http.StatusServiceUnavailable, "tracking is not configured")
			return
		}
	}

	switch path {
	case "blind-spot":
		h.blindSpot(w, r)
	case "object":
		h.object(w, r)
	case "locations":
		h.locations(w, r)
	case "locations/confirm":
		h.confirmLocation(w, r)
	case "resume":
		h.resume(w, r)
	default:
		switch r.Method {
		case http.MethodGet:
			h.get(w, r, path)
		case http.MethodDelete:
			h.delete(w, r, path)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// list handles GET /api/calibrations.
func (h *CalibrationHandler) list(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusOK, listCalibrationsResponse{Calibrations: []*store.Calibration{}})
		return
	}

	var (
		cals []*store.Calibration
		err  error
	)
	if sid := r.URL.Query().Get("session"); sid != "" {
		cals, err = h.store.Calibrations().ListBySession(sid)
	} else {
		cals, err = h.store.Calibrations().List()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list calibrations")
		return
	}
	if cals == nil {
		cals = []*store.Calibration{}
	}
	writeJSON(w, http.StatusOK, listCalibrationsResponse{Calibrations: cals})
}

// get handles GET /api/calibrations/{id}.
func (h *CalibrationHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	if h.store == nil {
		writeError(w, http.StatusNotFound, "calibration not found")
		return
	}
	c, err := h.store.Calibrations().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "calibration not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get calibration")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// delete handles DELETE /api/calibrations/{id}.
func (h *CalibrationHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if h.store == nil {
		writeError(w, http.StatusNotFound, "calibration not found")
		return
	}
	if err := h.store.Calibrations().Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "calibration not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete calibration")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// blindSpot handles POST /api/calibrations/blind-spot.
func (h *CalibrationHandler) blindSpot(w http.ResponseWriter, r *http.Request) {
	var req blindSpotRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Trials) == 0 {
		writeError(w, http.StatusBadRequest, "trials are required")
		return
	}

	c, err := h.session.CalibrateBlindSpot(r.Context(), calibration.NewSliceTrialSource(req.Trials), req.PPI)
	if err != nil {
		h.calibrationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// object handles POST /api/calibrations/object.
func (h *CalibrationHandler) object(w http.ResponseWriter, r *http.Request) {
	var req objectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.session.CalibrateObject(r.Context(), req.LengthPx, req.PPI)
	if err != nil {
		h.calibrationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// locations handles POST /api/calibrations/locations.
func (h *CalibrationHandler) locations(w http.ResponseWriter, r *http.Request) {
	var req locationsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var src calibration.MeasurementSource
	switch {
	case len(req.Measurements) > 0:
		src = calibration.NewSliceMeasurementSource(req.Measurements)
	case req.DistanceCm > 0 && h.source != nil:
		topts := h.session.Tracker().Options()
		src = &session.EyeMeasurer{
			Source:     h.source,
			DistanceCm: req.DistanceCm,
			PDCm:       topts.PDCm,
			VideoWidth: topts.VideoWidth,
			Samples:    req.Samples,
			Prompt:     h.session.PromptLocation,
		}
	default:
		writeError(w, http.StatusBadRequest, "measurements or distanceCm are required")
		return
	}

	c, err := h.session.CalibrateLocations(r.Context(), src)
	if err != nil {
		h.calibrationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// pendingLocation handles GET /api/calibrations/locations/pending.
func (h *CalibrationHandler) pendingLocation(w http.ResponseWriter, r *http.Request) {
	if h.session == nil {
		writeError(w, http.StatusNotFound, "no location pending")
		return
	}
	p := h.session.PendingLocation()
	if p == nil {
		writeError(w, http.StatusNotFound, "no location pending")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// confirmLocation handles POST /api/calibrations/locations/confirm.
func (h *CalibrationHandler) confirmLocation(w http.ResponseWriter, r *http.Request) {
	var req confirmLocationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.session.ConfirmLocation(req.Index); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resume handles POST /api/calibrations/resume.
func (h *CalibrationHandler) resume(w http.ResponseWriter, r *http.Request) {
	c, err := h.session.ResumeLast(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "no stored calibration")
		case errors.Is(err, session.ErrNoFactor):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to resume calibration")
		}
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// calibrationError maps calibration failures onto HTTP statuses.
func (h *CalibrationHandler) calibrationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calibration.ErrNoMoreTrials),
		errors.Is(err, session.ErrNoMeasurements),
		errors.Is(err, session.ErrTooManyMisses):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, geometry.ErrInvalidMeasurement),
		errors.Is(err, geometry.ErrInvalidRatio):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
