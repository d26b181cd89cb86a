package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ayusman/viewdistance/internal/session"
	"github.com/ayusman/viewdistance/internal/tracker"
)

// TrackingHandler controls the distance tracker.
//
//	GET  /api/tracking         session status
//	POST /api/tracking/start   {"distanceCm": d} or {"factor": f}
//	POST /api/tracking/pause
//	POST /api/tracking/resume
//	POST /api/tracking/end
type TrackingHandler struct {
	session *session.Session
}

// NewTrackingHandler creates a new TrackingHandler for sess.
func NewTrackingHandler(sess *session.Session) *TrackingHandler {
	return &TrackingHandler{session: sess}
}

type startRequest struct {
	DistanceCm float64 `json:"distanceCm"`
	Factor     float64 `json:"factor"`
}

// ServeHTTP routes requests to the appropriate method.
func (h *TrackingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tracking")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, h.session.Status())
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch path {
	case "start":
		h.start(w, r)
	case "pause":
		h.session.Pause()
		writeJSON(w, http.StatusOK, h.session.Status())
	case "resume":
		if err := h.session.Resume(); err != nil {
			h.stateError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.session.Status())
	case "end":
		h.session.End()
		writeJSON(w, http.StatusOK, h.session.Status())
	default:
		writeError(w, http.StatusNotFound, "unknown tracking action")
	}
}

func (h *TrackingHandler) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	switch {
	case req.Factor > 0:
		err = h.session.StartWithFactor(req.Factor)
	case req.DistanceCm > 0:
		err = h.session.StartTracking(req.DistanceCm)
	default:
		writeError(w, http.StatusBadRequest, "distanceCm or factor is required")
		return
	}
	if err != nil {
		h.stateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.session.Status())
}

func (h *TrackingHandler) stateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrAlreadyStarted), errors.Is(err, tracker.ErrNotPaused):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tracker.ErrInvalidScale):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
