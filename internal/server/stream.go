package server

import (
	"fmt"
	"image"
	"image/color"
	"net/http"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/viewdistance/internal/capture"
	"github.com/ayusman/viewdistance/internal/logger"
)

// previewInterval paces the preview at about 15 FPS.
const previewInterval = 66 * time.Millisecond

var overlayColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}

// StreamHandler serves MJPEG camera frames so the subject can centre their face
// before calibrating. When distance is set, the latest estimate is drawn on the frame.
type StreamHandler struct {
	camera   capture.Camera
	distance func() float64
	logger   logger.Logger
}

// NewStreamHandler creates a new StreamHandler with the given camera.
func NewStreamHandler(camera capture.Camera, distance func() float64, log logger.Logger) *StreamHandler {
	return &StreamHandler{camera: camera, distance: distance, logger: log}
}

// ServeHTTP streams MJPEG frames to connected clients.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(previewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		frame, err := h.camera.ReadFrame()
		if err != nil {
			h.logger.Debug(r.Context(), "preview frame unavailable", logger.Error(err))
			continue
		}

		h.overlay(frame)
		buf, err := gocv.IMEncode(".jpg", *frame)
		frame.Close()
		if err != nil {
			continue
		}

		fmt.Fprintf(w, "--frame\r\n")
		fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", buf.Len())
		_, werr := w.Write(buf.GetBytes())
		fmt.Fprintf(w, "\r\n")
		buf.Close()
		if werr != nil {
			return
		}

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

// overlay draws the centre cross and the latest distance.
func (h *StreamHandler) overlay(frame *gocv.Mat) {
	cx, cy := frame.Cols()/2, frame.Rows()/2
	gocv.Line(frame, image.Pt(cx-10, cy), image.Pt(cx+10, cy), overlayColor, 1)
	gocv.Line(frame, image.Pt(cx, cy-10), image.Pt(cx, cy+10), overlayColor, 1)

	if h.distance == nil {
		return
	}
	if d := h.distance(); d > 0 {
		gocv.PutText(frame, fmt.Sprintf("%.1f cm", d), image.Pt(10, 30),
			gocv.FontHersheySimplex, 0.8, overlayColor, 2)
	}
}
