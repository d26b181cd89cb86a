package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/model"
)

var (
	// ErrNoPendingLocation is returned when a confirmation arrives while no location is waiting.
	ErrNoPendingLocation = errors.New("no location awaiting confirmation")
	// ErrLocationMismatch is returned when a confirmation names a different location.
	ErrLocationMismatch = errors.New("confirmation does not match the pending location")
)

// LocationPrompt asks the subject to look at one calibration location.
type LocationPrompt struct {
	Index int                `json:"index"`
	Info  model.LocationInfo `json:"info"`
}

// locationGate holds a live location measurement until the subject confirms they
// are looking at the prompted point.
type locationGate struct {
	mu      sync.Mutex
	pending *LocationPrompt
	ready   chan struct{}
}

func (g *locationGate) open(p LocationPrompt) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = &p
	g.ready = make(chan struct{})
	return g.ready
}

func (g *locationGate) clear(ready <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready == ready {
		g.pending = nil
		g.ready = nil
	}
}

func (g *locationGate) confirm(index int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return ErrNoPendingLocation
	}
	if g.pending.Index != index {
		return fmt.Errorf("%w: pending %d, got %d", ErrLocationMismatch, g.pending.Index, index)
	}
	close(g.ready)
	g.pending = nil
	g.ready = nil
	return nil
}

func (g *locationGate) current() *LocationPrompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return nil
	}
	p := *g.pending
	return &p
}

// PromptLocation announces the location to subscribers and blocks until
// ConfirmLocation is called for it or ctx ends. It fits EyeMeasurer.Prompt.
func (s *Session) PromptLocation(ctx context.Context, index int, info model.LocationInfo) error {
	p := LocationPrompt{Index: index, Info: info}
	ready := s.gate.open(p)
	defer s.gate.clear(ready)

	s.publish(Event{Type: EventLocation, Location: &p})
	s.logger.Debug(ctx, "waiting for location confirmation", logger.Int("index", index), logger.String("location", info.LocEye))

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// ConfirmLocation releases the pending prompt for index.
func (s *Session) ConfirmLocation(index int) error {
	return s.gate.confirm(index)
}

// PendingLocation returns the location awaiting confirmation, or nil.
func (s *Session) PendingLocation() *LocationPrompt {
	return s.gate.current()
}
