package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/session"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// EstimatesHandler streams session events (estimates, corrections, calibrations
// and tracker state changes) to WebSocket clients as JSON.
type EstimatesHandler struct {
	session *session.Session
	logger  logger.Logger
}

// NewEstimatesHandler creates a new EstimatesHandler for sess.
func NewEstimatesHandler(sess *session.Session, log logger.Logger) *EstimatesHandler {
	return &EstimatesHandler{session: sess, logger: log}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *EstimatesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "websocket upgrade failed", logger.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := h.session.Subscribe(64)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reading is only needed to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Send the current status first so a new client does not wait for the next estimate.
	st := h.session.Status()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(session.Event{
		Type:        session.EventState,
		SessionID:   st.SessionID,
		State:       st.State,
		Estimate:    st.Latest,
		Calibration: st.Calibration,
	}); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug(ctx, "websocket write failed", logger.Error(err))
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
