// Package session ties calibration, tracking, persistence and metrics together
// for one subject at one screen.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ayusman/viewdistance/internal/calibration"
	"github.com/ayusman/viewdistance/internal/geometry"
	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/metrics"
	"github.com/ayusman/viewdistance/internal/model"
	"github.com/ayusman/viewdistance/internal/store"
	"github.com/ayusman/viewdistance/internal/tracker"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrNoMeasurements is returned when a location sequence yields nothing to combine.
	ErrNoMeasurements = errors.New("no accepted measurements")
	// ErrNoFactor is returned when a stored calibration has no scale factor to resume from.
	ErrNoFactor = errors.New("calibration has no scale factor")
)

// EventType identifies a broadcast event.
type EventType string

const (
	EventEstimate    EventType = "estimate"
	EventCorrection  EventType = "correction"
	EventCalibration EventType = "calibration"
	EventState       EventType = "state"
	EventLocation    EventType = "location"
)

// Event is delivered to subscribers.
type Event struct {
	Type        EventType               `json:"type"`
	SessionID   string                  `json:"sessionId"`
	Estimate    *model.DistanceEstimate `json:"estimate,omitempty"`
	Correction  *tracker.Correction     `json:"correction,omitempty"`
	Calibration *store.Calibration      `json:"calibration,omitempty"`
	State       tracker.State           `json:"state,omitempty"`
	Location    *LocationPrompt         `json:"location,omitempty"`
}

// Options configures a Session.
type Options struct {
	Tracker   tracker.Options
	BlindSpot calibration.BlindSpotOptions
	// AllowedRatio bounds consecutive location measurements.
	AllowedRatio float64
	// Locations is the location token sequence for CalibrateLocations.
	Locations []string
}

// Status is a snapshot of the session.
type Status struct {
	SessionID   string                  `json:"sessionId"`
	State       tracker.State           `json:"state"`
	ScaleFactor float64                 `json:"scaleFactor"`
	Latest      *model.DistanceEstimate `json:"latest,omitempty"`
	Calibration *store.Calibration      `json:"calibration,omitempty"`
	Skipped     int64                   `json:"skippedTicks"`
	Batches     int64                   `json:"batches"`
}

// Session owns one tracker and the calibration that scales it. Every
// re-calibration ends tracking and starts a new session id.
type Session struct {
	opts    Options
	store   *store.Store
	metrics *metrics.Manager
	logger  logger.Logger
	tracker *tracker.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	id          string
	current     *store.Calibration
	factorSaved bool
	closed      bool

	gate locationGate

	subMu   sync.RWMutex
	subs    map[uint64]chan Event
	nextSub uint64
}

// New creates a session reading eye samples from source. st and m are optional.
// A zero AllowedRatio uses geometry.DefaultAllowedRatio; any other value must pass
// geometry.ValidateRatio.
func New(source tracker.SampleSource, opts Options, st *store.Store, m *metrics.Manager, log logger.Logger) (*Session, error) {
	if log == nil {
		log = logger.Get()
	}
	if m == nil {
		m = metrics.NewManager(metrics.WithMetricsEnabled(false))
	}
	if opts.AllowedRatio == 0 {
		opts.AllowedRatio = geometry.DefaultAllowedRatio
	}
	if err := geometry.ValidateRatio(opts.AllowedRatio); err != nil {
		return nil, fmt.Errorf("allowed ratio %v: %w", opts.AllowedRatio, err)
	}
	if len(opts.Locations) == 0 {
		opts.Locations = calibration.ParseLocationSequence(calibration.DefaultLocationSequence)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:    opts,
		store:   st,
		metrics: m,
		logger:  log.Named("session"),
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
		subs:    make(map[uint64]chan Event),
	}

	topts := opts.Tracker
	topts.Observer = m
	userCorrection := topts.OnCorrection
	topts.OnCorrection = func(c tracker.Correction) {
		m.Correction(string(c.Direction))
		s.publish(Event{Type: EventCorrection, Correction: &c})
		if userCorrection != nil {
			userCorrection(c)
		}
	}
	s.tracker = tracker.New(source, topts, log)
	return s, nil
}

// ID returns the current session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Tracker exposes the underlying tracker.
func (s *Session) Tracker() *tracker.Tracker {
	return s.tracker
}

// Options returns the session options.
func (s *Session) Options() Options {
	return s.opts
}

// CalibrateBlindSpot runs the blind-spot protocol over src and, once accepted,
// starts tracking scaled to the measured distance. ppi <= 0 uses the configured density.
func (s *Session) CalibrateBlindSpot(ctx context.Context, src calibration.TrialSource, ppi float64) (*store.Calibration, error) {
	id, err := s.restart()
	if err != nil {
		return nil, err
	}

	bopts := s.opts.BlindSpot
	if ppi > 0 {
		bopts.PPI = ppi
	}
	userRejected := bopts.OnRejected
	bopts.OnRejected = func(r calibration.RepeatabilityReport) {
		s.metrics.CalibrationRejected(metrics.RejectRepeatability)
		if userRejected != nil {
			userRejected(r)
		}
	}

	cal := calibration.NewBlindSpotCalibrator(src, bopts, s.logger)
	res, err := cal.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("blind spot calibration: %w", err)
	}

	rec := &store.Calibration{
		ID:         uuid.NewString(),
		SessionID:  id,
		Method:     model.MethodBlindSpot,
		DistanceCm: res.DistanceCm,
		PPI:        cal.Options().PPI,
		Attempts:   res.Attempts,
		Trials:     res.Raw,
	}
	if err := s.accept(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.StartTracking(res.DistanceCm); err != nil {
		return nil, err
	}
	return rec, nil
}

// CalibrateObject derives the distance from the on-screen length of a reference
// object reaching from screen to eye and starts tracking scaled to it.
func (s *Session) CalibrateObject(ctx context.Context, lengthPx, ppi float64) (*store.Calibration, error) {
	if lengthPx <= 0 {
		return nil, geometry.ErrInvalidMeasurement
	}
	id, err := s.restart()
	if err != nil {
		return nil, err
	}
	if ppi <= 0 {
		ppi = s.opts.BlindSpot.PPI
	}
	if ppi <= 0 {
		s.logger.Warn(ctx, "screen ppi unavailable, distance accuracy degraded",
			logger.Float64("fallback_ppi", geometry.FallbackPPI))
		ppi = geometry.FallbackPPI
	}

	d := geometry.Round(calibration.ObjectDistanceCm(lengthPx, ppi), s.tracker.Options().DecimalPlace)
	rec := &store.Calibration{
		ID:         uuid.NewString(),
		SessionID:  id,
		Method:     model.MethodObject,
		DistanceCm: d,
		PPI:        ppi,
		Attempts:   1,
	}
	if err := s.accept(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.StartTracking(d); err != nil {
		return nil, err
	}
	return rec, nil
}

// CalibrateLocations walks the location sequence with measurements from src and
// starts tracking with the combined scale factor when one is available.
func (s *Session) CalibrateLocations(ctx context.Context, src calibration.MeasurementSource) (*store.Calibration, error) {
	id, err := s.restart()
	if err != nil {
		return nil, err
	}

	lm, err := calibration.NewLocationManager(s.opts.Locations, s.logger)
	if err != nil {
		return nil, err
	}

	final, err := calibration.RunSequence(ctx, lm, src, s.opts.AllowedRatio, func(info model.LocationInfo, r calibration.SubmitResult) {
		if !r.Accepted {
			s.metrics.CalibrationRejected(metrics.RejectTolerance)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("location calibration: %w", err)
	}
	if final == nil {
		return nil, ErrNoMeasurements
	}

	rec := &store.Calibration{
		ID:         uuid.NewString(),
		SessionID:  id,
		Method:     model.MethodFaceMesh,
		FactorCmPx: final.FactorCmPx,
		FOverWidth: final.FOverWidth,
		Attempts:   lm.Rejections() + 1,
		Records:    final.Records,
	}
	if err := s.accept(ctx, rec); err != nil {
		return nil, err
	}

	if final.FactorCmPx > 0 {
		s.mu.Lock()
		s.factorSaved = true
		s.mu.Unlock()
		if err := s.StartWithFactor(final.FactorCmPx); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// ResumeLast starts tracking from the most recent stored calibration that carries
// a scale factor.
func (s *Session) ResumeLast(ctx context.Context) (*store.Calibration, error) {
	if s.store == nil {
		return nil, store.ErrNotFound
	}
	latest, err := s.store.Calibrations().Latest()
	if err != nil {
		return nil, err
	}
	if latest.FactorCmPx <= 0 {
		return nil, ErrNoFactor
	}

	if _, err := s.restart(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.current = latest
	s.factorSaved = true
	s.mu.Unlock()

	if err := s.StartWithFactor(latest.FactorCmPx); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "resumed stored calibration",
		logger.String("calibration_id", latest.ID), logger.Float64("factor", latest.FactorCmPx))
	return latest, nil
}

// StartTracking starts the tracker, scaling its first batch to scaleDistanceCm.
func (s *Session) StartTracking(scaleDistanceCm float64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.tracker.Start(s.ctx, scaleDistanceCm, s.onEstimate); err != nil {
		return err
	}
	s.stateChanged()
	return nil
}

// StartWithFactor starts the tracker with an established scale factor.
func (s *Session) StartWithFactor(factor float64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.tracker.StartWithFactor(s.ctx, factor, s.onEstimate); err != nil {
		return err
	}
	s.stateChanged()
	return nil
}

// Pause suspends tracking.
func (s *Session) Pause() {
	s.tracker.Pause()
	s.stateChanged()
}

// Resume continues paused tracking.
func (s *Session) Resume() error {
	if err := s.tracker.Resume(); err != nil {
		return err
	}
	s.stateChanged()
	return nil
}

// End stops tracking and discards the scale factor.
func (s *Session) End() {
	s.tracker.End()
	s.stateChanged()
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	id := s.id
	cur := s.current
	s.mu.Unlock()

	return Status{
		SessionID:   id,
		State:       s.tracker.State(),
		ScaleFactor: s.tracker.ScaleFactor(),
		Latest:      s.tracker.Latest(),
		Calibration: cur,
		Skipped:     s.tracker.Skipped(),
		Batches:     s.tracker.Batches(),
	}
}

// Subscribe registers for events. Slow subscribers miss events rather than block
// tracking. The returned function unsubscribes.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
			s.subMu.Unlock()
		})
	}
}

// Close ends tracking and closes all subscriptions.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.tracker.End()
	s.metrics.SetTrackerRunning(false)
	s.cancel()

	s.subMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subMu.Unlock()
	return nil
}

// restart ends tracking and assigns a new session id.
func (s *Session) restart() (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	s.tracker.End()

	s.mu.Lock()
	old := s.id
	s.id = uuid.NewString()
	s.current = nil
	s.factorSaved = false
	id := s.id
	s.mu.Unlock()

	s.logger.Debug(s.ctx, "session restarted", logger.String("previous", old), logger.String("session_id", id))
	return id, nil
}

// accept persists rec and publishes it as the current calibration.
func (s *Session) accept(ctx context.Context, rec *store.Calibration) error {
	if s.store != nil {
		if err := s.store.Calibrations().Create(rec); err != nil {
			return fmt.Errorf("save calibration: %w", err)
		}
	}

	s.mu.Lock()
	s.current = rec
	s.mu.Unlock()

	s.metrics.CalibrationAccepted(rec.Method)
	s.logger.Info(ctx, "calibration accepted",
		logger.String("calibration_id", rec.ID),
		logger.String("method", string(rec.Method)),
		logger.Float64("distance_cm", rec.DistanceCm),
		logger.Int("attempts", rec.Attempts))
	s.publish(Event{Type: EventCalibration, Calibration: rec})
	return nil
}

func (s *Session) onEstimate(e model.DistanceEstimate) {
	s.saveFactor()
	s.publish(Event{Type: EventEstimate, Estimate: &e})
}

// saveFactor stores the scale factor established by the first batch against the
// current calibration, so it can be resumed later.
func (s *Session) saveFactor() {
	s.mu.Lock()
	if s.factorSaved || s.current == nil {
		s.mu.Unlock()
		return
	}
	factor := s.tracker.ScaleFactor()
	if factor <= 0 {
		s.mu.Unlock()
		return
	}
	s.factorSaved = true
	updated := *s.current
	updated.FactorCmPx = factor
	s.current = &updated
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	if err := s.store.Calibrations().UpdateFactor(updated.ID, factor); err != nil {
		s.logger.Error(s.ctx, "failed to save scale factor",
			logger.String("calibration_id", updated.ID), logger.Error(err))
	}
}

func (s *Session) stateChanged() {
	st := s.tracker.State()
	s.metrics.SetTrackerRunning(st == tracker.StateRunning)
	s.publish(Event{Type: EventState, State: st})
}

func (s *Session) publish(ev Event) {
	ev.SessionID = s.ID()

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
