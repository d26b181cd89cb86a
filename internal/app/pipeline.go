package app

import (
	"context"

	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/model"
	"github.com/ayusman/viewdistance/internal/session"
	"github.com/ayusman/viewdistance/internal/tracker"
)

// EventSink displays session events, typically the tray.
type EventSink interface {
	SetEstimate(e *model.DistanceEstimate)
	SetCorrection(c *tracker.Correction)
	SetTracking(state tracker.State)
}

// Forward relays session events to sink until Stop.
func (a *App) Forward(sink EventSink) error {
	sess, err := a.Session()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})

	events, unsubscribe := sess.Subscribe(32)
	sink.SetTracking(sess.Status().State)
	go func() {
		defer close(a.done)
		defer unsubscribe()
		runEvents(ctx, events, sink, a.logger)
	}()
	return nil
}

// runEvents is the forwarding loop. A correction always follows the estimate it
// belongs to, so each estimate clears the previous one.
func runEvents(ctx context.Context, events <-chan session.Event, sink EventSink, log logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case session.EventEstimate:
				sink.SetEstimate(ev.Estimate)
				sink.SetCorrection(nil)
			case session.EventCorrection:
				sink.SetCorrection(ev.Correction)
				log.Debug(ctx, "distance correction",
					logger.String("direction", string(ev.Correction.Direction)),
					logger.Float64("distance_cm", ev.Correction.DistanceCm))
			case session.EventState:
				sink.SetTracking(ev.State)
				if ev.State != tracker.StateRunning {
					sink.SetCorrection(nil)
				}
			case session.EventCalibration:
				log.Info(ctx, "new calibration",
					logger.String("calibration_id", ev.Calibration.ID),
					logger.String("method", string(ev.Calibration.Method)))
			}
		}
	}
}
