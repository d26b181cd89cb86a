package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ayusman/viewdistance/internal/model"
)

func TestSession_PromptLocation(t *testing.T) {
	s := newTestSession(t, noFace, nil, nil)
	events, unsubscribe := s.Subscribe(4)
	defer unsubscribe()

	info := model.LocationInfo{LocEye: "center", Location: model.LocationCenter, Eye: model.EyeUnspecified}
	done := make(chan error, 1)
	go func() { done <- s.PromptLocation(context.Background(), 1, info) }()

	select {
	case ev := <-events:
		if ev.Type != EventLocation || ev.Location == nil || ev.Location.Index != 1 || ev.Location.Info != info {
			t.Fatalf("event = %+v, want location prompt for index 1", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no location event published")
	}

	if p := s.PendingLocation(); p == nil || p.Index != 1 {
		t.Fatalf("PendingLocation() = %+v, want index 1", p)
	}
	if err := s.ConfirmLocation(0); !errors.Is(err, ErrLocationMismatch) {
		t.Errorf("ConfirmLocation(0) = %v, want ErrLocationMismatch", err)
	}
	select {
	case err := <-done:
		t.Fatalf("prompt returned before confirmation: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	if err := s.ConfirmLocation(1); err != nil {
		t.Fatalf("ConfirmLocation(1) error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("PromptLocation() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("prompt still blocked after confirmation")
	}

	if s.PendingLocation() != nil {
		t.Error("prompt still pending after confirmation")
	}
	if err := s.ConfirmLocation(1); !errors.Is(err, ErrNoPendingLocation) {
		t.Errorf("second ConfirmLocation(1) = %v, want ErrNoPendingLocation", err)
	}
}

func TestSession_PromptLocationUnblocks(t *testing.T) {
	tests := []struct {
		name    string
		release func(s *Session, cancel context.CancelFunc)
		want    error
	}{
		{"context cancelled", func(_ *Session, cancel context.CancelFunc) { cancel() }, context.Canceled},
		{"session closed", func(s *Session, _ context.CancelFunc) { s.Close() }, ErrClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, noFace, nil, nil)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- s.PromptLocation(ctx, 0, model.LocationInfo{LocEye: "camera"}) }()
			waitFor(t, time.Second, func() bool { return s.PendingLocation() != nil })

			tt.release(s, cancel)
			select {
			case err := <-done:
				if !errors.Is(err, tt.want) {
					t.Errorf("PromptLocation() error = %v, want %v", err, tt.want)
				}
			case <-time.After(time.Second):
				t.Fatal("prompt did not unblock")
			}
			if s.PendingLocation() != nil {
				t.Error("prompt left pending")
			}
		})
	}
}
