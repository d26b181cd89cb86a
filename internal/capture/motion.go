package capture

import (
	"image"
	"sync"

	"gocv.io/x/gocv"
)

const (
	motionBlurSize      = 21
	motionDiffThreshold = 25
)

// MotionGate reports whether a frame differs enough from the previous one that
// the eye landmarks need to be detected again.
type MotionGate struct {
	mu        sync.Mutex
	threshold float64 // percent of changed pixels
	prev      gocv.Mat
	primed    bool
}

// NewMotionGate creates a gate that opens when more than thresholdPct percent of
// pixels change between frames.
func NewMotionGate(thresholdPct float64) *MotionGate {
	return &MotionGate{
		threshold: thresholdPct,
		prev:      gocv.NewMat(),
	}
}

// Moved compares frame with the previous frame and returns whether it moved and
// the percentage of changed pixels. The first frame always counts as moved.
func (g *MotionGate) Moved(frame *gocv.Mat) (bool, float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if frame == nil || frame.Empty() {
		return true, 100
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if frame.Channels() > 1 {
		gocv.CvtColor(*frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(motionBlurSize, motionBlurSize), 0, 0, gocv.BorderDefault)

	if !g.primed || blurred.Rows() != g.prev.Rows() || blurred.Cols() != g.prev.Cols() {
		blurred.CopyTo(&g.prev)
		g.primed = true
		return true, 100
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(blurred, g.prev, &diff)
	gocv.Threshold(diff, &diff, motionDiffThreshold, 255, gocv.ThresholdBinary)

	changed := float64(gocv.CountNonZero(diff)) / float64(diff.Rows()*diff.Cols()) * 100
	blurred.CopyTo(&g.prev)

	return changed > g.threshold, changed
}

// Reset forgets the previous frame.
func (g *MotionGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.primed = false
}

// Close releases the stored frame.
func (g *MotionGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prev.Close()
	g.prev = gocv.NewMat()
	g.primed = false
}
