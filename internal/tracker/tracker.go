// Package tracker turns a live stream of eye samples into distance estimates.
package tracker

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayusman/viewdistance/internal/geometry"
	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/model"
)

// Default tracking settings.
const (
	DefaultTargetCount              = 5
	DefaultFrameRate                = 3.0
	DefaultDecimalPlace             = 1
	DefaultVideoWidth               = 640
	DefaultVideoHeight              = 480
	DefaultWebcamAboveScreenCm      = 0.5
	DefaultDesiredDistanceTolerance = 1.2
)

var (
	ErrAlreadyStarted = errors.New("tracker already started")
	ErrNotStarted     = errors.New("tracker not started")
	ErrNotPaused      = errors.New("tracker not paused")
	ErrInvalidScale   = errors.New("scale must be a positive finite number")
)

// State is the tracker lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
)

// Direction tells the subject which way to move to reach the desired distance.
type Direction string

const (
	MoveCloser  Direction = "closer"
	MoveFarther Direction = "farther"
)

// Correction is emitted when an estimate falls outside the desired distance range.
type Correction struct {
	Direction   Direction `json:"direction"`
	DistanceCm  float64   `json:"distanceCm"`
	TargetCm    float64   `json:"targetCm"`
	TimestampMs int64     `json:"timestampMs"`
}

// SampleSource yields the next eye sample. A nil sample with a nil error means no
// face was found in the frame.
type SampleSource interface {
	NextEyeSample(ctx context.Context) (*model.EyeSample, error)
}

// SampleSourceFunc adapts a function to SampleSource.
type SampleSourceFunc func(ctx context.Context) (*model.EyeSample, error)

// NextEyeSample calls f.
func (f SampleSourceFunc) NextEyeSample(ctx context.Context) (*model.EyeSample, error) {
	return f(ctx)
}

// Observer receives loop events, typically to update metrics. All methods must be
// safe for concurrent use.
type Observer interface {
	EstimateProduced(e model.DistanceEstimate)
	TickSkipped()
	FrameWithoutFace()
	SourceError()
}

// Options configures a Tracker.
type Options struct {
	// TargetCount is the number of face frames averaged per estimate.
	TargetCount int
	// FrameRate is the number of estimates requested per second.
	FrameRate float64
	// DecimalPlace is the precision of reported distances.
	DecimalPlace int
	// PDCm is the inter-pupillary distance used to scale the near point.
	PDCm float64
	// VideoWidth and VideoHeight locate the optical centre of the camera image.
	VideoWidth  float64
	VideoHeight float64
	// WebcamAboveScreenCm is the vertical gap between the camera and the top screen
	// edge. Nil uses DefaultWebcamAboveScreenCm; zero is a valid explicit gap.
	WebcamAboveScreenCm *float64
	// DesiredDistanceCm enables correction signals when > 0.
	DesiredDistanceCm        float64
	DesiredDistanceTolerance float64
	OnCorrection             func(Correction)
	// Method labels every estimate.
	Method model.Method
	// Observer is optional.
	Observer Observer
}

// Float64 returns a pointer to v, for optional settings.
func Float64(v float64) *float64 {
	return &v
}

func (o Options) withDefaults() Options {
	if o.TargetCount <= 0 {
		o.TargetCount = DefaultTargetCount
	}
	if o.FrameRate <= 0 || math.IsNaN(o.FrameRate) {
		o.FrameRate = DefaultFrameRate
	}
	if o.DecimalPlace < 0 {
		o.DecimalPlace = DefaultDecimalPlace
	}
	if o.PDCm <= 0 {
		o.PDCm = geometry.DefaultPDCm
	}
	if o.VideoWidth <= 0 {
		o.VideoWidth = DefaultVideoWidth
	}
	if o.VideoHeight <= 0 {
		o.VideoHeight = DefaultVideoHeight
	}
	if o.WebcamAboveScreenCm == nil || math.IsNaN(*o.WebcamAboveScreenCm) || math.IsInf(*o.WebcamAboveScreenCm, 0) {
		o.WebcamAboveScreenCm = Float64(DefaultWebcamAboveScreenCm)
	} else {
		o.WebcamAboveScreenCm = Float64(*o.WebcamAboveScreenCm)
	}
	if o.DesiredDistanceTolerance <= 0 || o.DesiredDistanceTolerance == 1 {
		o.DesiredDistanceTolerance = DefaultDesiredDistanceTolerance
	}
	if o.Method == "" {
		o.Method = model.MethodFaceMesh
	}
	return o
}

// Tracker is a suspendable periodic loop that pulls eye samples and reports a
// distance estimate for every TargetCount samples containing a face.
//
// At most one NextEyeSample call is outstanding at any time, across Pause and Resume
// too. A tick that finds a call unresolved is skipped, so the loop runs at the
// detector's throughput.
//
// Pause and End are safe to call at any point and no callback fires after they
// return. onEstimate and OnCorrection must not call Pause or End themselves.
type Tracker struct {
	source SampleSource
	opts   Options
	logger logger.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      State
	factor     float64
	scaleCm    float64
	onEstimate func(model.DistanceEstimate)
	latest     *model.DistanceEstimate
	gen        uint64
	baseCtx    context.Context
	cancel     context.CancelFunc

	// deliverMu is held for reading while a callback runs and for writing by
	// Pause and End, which makes them wait out an in-progress delivery.
	deliverMu sync.RWMutex

	// pulling is set while any NextEyeSample call is outstanding, including one
	// left behind by an earlier loop generation.
	pulling atomic.Bool

	skipped atomic.Int64
	batches atomic.Int64
}

// New creates an idle tracker reading from source.
func New(source SampleSource, opts Options, log logger.Logger) *Tracker {
	if log == nil {
		log = logger.Get()
	}
	return &Tracker{
		source: source,
		opts:   opts.withDefaults(),
		logger: log.Named("tracker"),
		now:    time.Now,
		state:  StateIdle,
	}
}

// Options returns the effective options.
func (t *Tracker) Options() Options {
	return t.opts
}

// Interval is the time between scheduling ticks.
func (t *Tracker) Interval() time.Duration {
	d := time.Duration(float64(time.Second) / (t.opts.FrameRate * float64(t.opts.TargetCount)))
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// Start begins tracking. The first batch establishes the scale factor from
// scaleDistanceCm, the subject's known distance at that moment.
func (t *Tracker) Start(ctx context.Context, scaleDistanceCm float64, onEstimate func(model.DistanceEstimate)) error {
	if !positiveFinite(scaleDistanceCm) {
		return ErrInvalidScale
	}
	return t.start(ctx, scaleDistanceCm, 0, onEstimate)
}

// StartWithFactor begins tracking with a previously established scale factor.
func (t *Tracker) StartWithFactor(ctx context.Context, factor float64, onEstimate func(model.DistanceEstimate)) error {
	if !positiveFinite(factor) {
		return ErrInvalidScale
	}
	return t.start(ctx, 0, factor, onEstimate)
}

func (t *Tracker) start(ctx context.Context, scaleCm, factor float64, onEstimate func(model.DistanceEstimate)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateRunning || t.state == StatePaused {
		return ErrAlreadyStarted
	}

	t.scaleCm = scaleCm
	t.factor = factor
	t.onEstimate = onEstimate
	t.latest = nil
	t.baseCtx = ctx
	t.launchLocked()

	t.logger.Info(ctx, "tracking started",
		logger.Float64("scale_distance_cm", scaleCm),
		logger.Float64("factor", factor),
		logger.String("interval", t.Interval().String()))
	return nil
}

// launchLocked starts a fresh loop generation. t.mu must be held.
func (t *Tracker) launchLocked() {
	t.gen++
	loopCtx, cancel := context.WithCancel(t.baseCtx)
	t.cancel = cancel
	t.state = StateRunning
	go t.run(loopCtx, t.gen)
}

// Pause suspends the loop, keeping the scale factor.
func (t *Tracker) Pause() {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return
	}
	t.stopLocked()
	t.state = StatePaused
	t.mu.Unlock()

	t.waitDelivery()
	t.logger.Info(context.Background(), "tracking paused")
}

// Resume restarts a paused loop from an empty batch.
func (t *Tracker) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StatePaused {
		return ErrNotPaused
	}
	t.launchLocked()
	t.logger.Info(t.baseCtx, "tracking resumed")
	return nil
}

// End stops tracking and discards the scale factor.
func (t *Tracker) End() {
	t.mu.Lock()
	if t.state == StateIdle || t.state == StateEnded {
		t.mu.Unlock()
		return
	}
	t.stopLocked()
	t.state = StateEnded
	t.factor = 0
	t.onEstimate = nil
	t.mu.Unlock()

	t.waitDelivery()
	t.logger.Info(context.Background(), "tracking ended")
}

func (t *Tracker) stopLocked() {
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Tracker) waitDelivery() {
	t.deliverMu.Lock()
	t.deliverMu.Unlock()
}

// State returns the lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ScaleFactor returns the frozen scale factor, or 0 before it is established.
func (t *Tracker) ScaleFactor() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.factor
}

// Latest returns a copy of the most recent estimate, or nil.
func (t *Tracker) Latest() *model.DistanceEstimate {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return nil
	}
	e := *t.latest
	if e.NearPointCm != nil {
		np := *e.NearPointCm
		e.NearPointCm = &np
	}
	return &e
}

// Skipped returns the number of ticks skipped because a pull was still pending.
func (t *Tracker) Skipped() int64 {
	return t.skipped.Load()
}

// Batches returns the number of completed batches.
func (t *Tracker) Batches() int64 {
	return t.batches.Load()
}

type pullResult struct {
	sample *model.EyeSample
	err    error
}

func (t *Tracker) run(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(t.Interval())
	defer ticker.Stop()

	// Buffered so an abandoned pull never blocks its goroutine.
	results := make(chan pullResult, 1)
	inflight := false
	b := newBatch(t.opts.TargetCount)

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if inflight || !t.pulling.CompareAndSwap(false, true) {
				t.skipped.Add(1)
				if t.opts.Observer != nil {
					t.opts.Observer.TickSkipped()
				}
				continue
			}
			inflight = true
			go func() {
				s, err := t.source.NextEyeSample(ctx)
				t.pulling.Store(false)
				results <- pullResult{sample: s, err: err}
			}()

		case r := <-results:
			inflight = false
			if ctx.Err() != nil {
				return
			}
			if r.err != nil {
				if t.opts.Observer != nil {
					t.opts.Observer.SourceError()
				}
				t.logger.Error(ctx, "eye sample failed", logger.Error(r.err))
				continue
			}
			if r.sample == nil {
				if t.opts.Observer != nil {
					t.opts.Observer.FrameWithoutFace()
				}
				continue
			}

			s := *r.sample
			if s.CapturedAtMs == 0 {
				s.CapturedAtMs = t.now().UnixMilli()
			}
			if !b.add(s) {
				continue
			}
			t.complete(ctx, gen, b)
			b.reset()
		}
	}
}

// complete turns a full batch into an estimate and delivers it unless the loop
// generation has moved on.
func (t *Tracker) complete(ctx context.Context, gen uint64, b *batch) {
	t.deliverMu.RLock()
	defer t.deliverMu.RUnlock()

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	if t.factor == 0 {
		t.factor = b.avgPx() * t.scaleCm
		t.logger.Info(ctx, "scale factor established",
			logger.Float64("factor", t.factor), logger.Float64("avg_eye_px", b.avgPx()))
	}
	e := t.estimate(b, t.factor, t.now())
	t.latest = &e
	cb := t.onEstimate
	t.mu.Unlock()

	t.batches.Add(1)
	if t.opts.Observer != nil {
		t.opts.Observer.EstimateProduced(e)
	}
	if cb != nil {
		cb(e)
	}
	t.nudge(e)
}

func (t *Tracker) nudge(e model.DistanceEstimate) {
	target := t.opts.DesiredDistanceCm
	if target <= 0 || t.opts.OnCorrection == nil {
		return
	}
	if geometry.WithinRatio(e.DistanceCm, target, t.opts.DesiredDistanceTolerance) {
		return
	}

	dir := MoveFarther
	if e.DistanceCm >= target {
		dir = MoveCloser
	}
	t.opts.OnCorrection(Correction{
		Direction:   dir,
		DistanceCm:  e.DistanceCm,
		TargetCm:    target,
		TimestampMs: e.TimestampMs,
	})
}

// estimate computes the distance, near point and latency for a full batch.
func (t *Tracker) estimate(b *batch, factor float64, now time.Time) model.DistanceEstimate {
	avgPx := b.avgPx()
	nowMs := now.UnixMilli()

	e := model.DistanceEstimate{
		DistanceCm:  geometry.Round(factor/avgPx, t.opts.DecimalPlace),
		LatencyMs:   nowMs - b.meanCapturedAtMs(),
		TimestampMs: nowMs,
		Method:      t.opts.Method,
	}

	cmPerPx := t.opts.PDCm / avgPx
	mx, my := b.meanMidpoint()
	// The camera faces the subject, so image x runs opposite to the subject's right.
	e.NearPointCm = &model.NearPoint{
		X: geometry.Round((t.opts.VideoWidth/2-mx)*cmPerPx, t.opts.DecimalPlace),
		Y: geometry.Round((my-t.opts.VideoHeight/2)*cmPerPx-*t.opts.WebcamAboveScreenCm, t.opts.DecimalPlace),
	}
	return e
}

// batch accumulates face frames until TargetCount is reached.
type batch struct {
	target   int
	n        int
	sumPx    float64
	sumMidX  float64
	sumMidY  float64
	sumCapMs int64
}

func newBatch(target int) *batch {
	return &batch{target: target}
}

// add accumulates s and reports whether the batch is full. Samples with coincident
// eyes carry no distance information and are skipped.
func (b *batch) add(s model.EyeSample) bool {
	px := geometry.EyeSeparationPx(s.LeftEye, s.RightEye)
	if px <= 0 || math.IsNaN(px) {
		return false
	}
	mid := s.Midpoint()
	b.n++
	b.sumPx += px
	b.sumMidX += mid.X
	b.sumMidY += mid.Y
	b.sumCapMs += s.CapturedAtMs
	return b.n >= b.target
}

func (b *batch) reset() {
	*b = batch{target: b.target}
}

func (b *batch) avgPx() float64 {
	return b.sumPx / float64(b.target)
}

func (b *batch) meanMidpoint() (float64, float64) {
	return b.sumMidX / float64(b.n), b.sumMidY / float64(b.n)
}

func (b *batch) meanCapturedAtMs() int64 {
	return b.sumCapMs / int64(b.n)
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
