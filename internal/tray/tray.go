// Package tray provides a system tray status item showing the live viewing distance.
package tray

import (
	"fmt"
	"sync"

	"github.com/getlantern/systray"

	"github.com/ayusman/viewdistance/internal/model"
	"github.com/ayusman/viewdistance/internal/tracker"
)

// Tray represents the system tray application.
type Tray struct {
	onToggle   func(tracking bool)
	onSettings func()
	onQuit     func()
	tracking   bool
	mu         sync.RWMutex

	// Menu items stored for later updates
	menuToggle     *systray.MenuItem
	menuDistance   *systray.MenuItem
	menuCorrection *systray.MenuItem
}

// New creates a new Tray instance with tracking assumed active.
func New() *Tray {
	return &Tray{
		tracking: true,
	}
}

// OnToggle sets the callback invoked when tracking is paused or resumed from the menu.
func (t *Tray) OnToggle(fn func(tracking bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnSettings sets the callback function to be called when the settings menu item is clicked.
func (t *Tray) OnSettings(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSettings = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit stops the tray loop.
func (t *Tray) Quit() {
	systray.Quit()
}

func (t *Tray) onReady() {
	systray.SetTitle(distanceTitle(nil))
	systray.SetTooltip("Viewing distance")

	t.mu.Lock()
	t.menuToggle = systray.AddMenuItem(toggleTitle(t.tracking), "Pause or resume distance tracking")
	systray.AddSeparator()

	t.menuDistance = systray.AddMenuItem("Distance: none", "Latest viewing distance")
	t.menuDistance.Disable()
	t.menuCorrection = systray.AddMenuItem(correctionTitle(nil), "Desired distance")
	t.menuCorrection.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuSettings := systray.AddMenuItem("Open Calibration...", "Open calibration in browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit viewdistance")

	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-menuSettings.ClickedCh:
				t.handleSettings()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {}

// handleToggle flips the tracking state and notifies the toggle callback.
func (t *Tray) handleToggle() {
	t.mu.Lock()
	t.tracking = !t.tracking
	tracking := t.tracking
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(tracking))
	}
	callback := t.onToggle
	t.mu.Unlock()

	// Call the callback outside the lock to prevent deadlocks
	if callback != nil {
		callback(tracking)
	}
}

func (t *Tray) handleSettings() {
	t.mu.RLock()
	callback := t.onSettings
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// SetEstimate shows the latest estimate in the title and menu.
func (t *Tray) SetEstimate(e *model.DistanceEstimate) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.menuDistance == nil {
		return
	}
	systray.SetTitle(distanceTitle(e))
	if e == nil {
		t.menuDistance.SetTitle("Distance: none")
		return
	}
	t.menuDistance.SetTitle(fmt.Sprintf("Distance: %.1f cm (%d ms)", e.DistanceCm, e.LatencyMs))
}

// SetCorrection shows the latest desired-distance hint, or clears it when c is nil.
func (t *Tray) SetCorrection(c *tracker.Correction) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.menuCorrection != nil {
		t.menuCorrection.SetTitle(correctionTitle(c))
	}
}

// SetTracking reflects a tracker state change made elsewhere, such as over HTTP.
func (t *Tray) SetTracking(state tracker.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tracking = state == tracker.StateRunning
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(t.tracking))
	}
}

// IsTracking returns the tracking state as shown in the menu.
func (t *Tray) IsTracking() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tracking
}

func distanceTitle(e *model.DistanceEstimate) string {
	if e == nil {
		return "-- cm"
	}
	return fmt.Sprintf("%.1f cm", e.DistanceCm)
}

func toggleTitle(tracking bool) string {
	if tracking {
		return "● Tracking"
	}
	return "○ Paused"
}

func correctionTitle(c *tracker.Correction) string {
	if c == nil {
		return "Position: ok"
	}
	switch c.Direction {
	case tracker.MoveCloser:
		return fmt.Sprintf("Move closer (target %.0f cm)", c.TargetCm)
	case tracker.MoveFarther:
		return fmt.Sprintf("Move farther (target %.0f cm)", c.TargetCm)
	}
	return "Position: ok"
}
