// Package tray provides a system tray control surface for the camera
// pipeline: per-stage toggles, snapshot, and quit.
package tray

import (
	"sync"

	"github.com/getlantern/systray"

	"github.com/4hmed7ounas/wraith-camera-module/internal/detect"
)

// Tray represents the system tray application.
type Tray struct {
	onToggle   func(kind detect.Kind, enabled bool)
	onSnapshot func()
	onQuit     func()
	enabled    map[detect.Kind]bool
	mu         sync.RWMutex

	// Menu items stored for later updates
	menuStages       map[detect.Kind]*systray.MenuItem
	menuLastIdentity *systray.MenuItem
}

// New creates a new Tray with every stage shown as enabled.
func New() *Tray {
	enabled := make(map[detect.Kind]bool, len(detect.PriorityOrder))
	for _, kind := range detect.PriorityOrder {
		enabled[kind] = true
	}
	return &Tray{
		enabled:    enabled,
		menuStages: make(map[detect.Kind]*systray.MenuItem),
	}
}

// OnToggle sets the callback invoked when a stage menu item is toggled.
func (t *Tray) OnToggle(fn func(kind detect.Kind, enabled bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnSnapshot sets the callback invoked when "Save frame" is clicked.
func (t *Tray) OnSnapshot(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSnapshot = fn
}

// OnQuit sets the callback invoked when the quit menu item is clicked.
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

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("Wraith")
	systray.SetTooltip("Wraith Camera Module")

	for _, kind := range detect.PriorityOrder {
		item := systray.AddMenuItem(stageTitle(kind, true), "Toggle "+kind.String()+" detection")
		t.mu.Lock()
		t.menuStages[kind] = item
		t.mu.Unlock()
		go t.watchStage(kind, item)
	}
	systray.AddSeparator()

	t.menuLastIdentity = systray.AddMenuItem("Last seen: nobody", "Last recognized identity")
	t.menuLastIdentity.Disable()
	systray.AddSeparator()

	menuSnapshot := systray.AddMenuItem("Save frame", "Save the next annotated frame")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Stop the pipeline and exit")

	go func() {
		for {
			select {
			case <-menuSnapshot.ClickedCh:
				t.handleSnapshot()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

// onExit is called when the system tray is about to exit.
func (t *Tray) onExit() {
}

// watchStage flips one stage's state on every click until quit.
func (t *Tray) watchStage(kind detect.Kind, item *systray.MenuItem) {
	for range item.ClickedCh {
		t.mu.Lock()
		t.enabled[kind] = !t.enabled[kind]
		enabled := t.enabled[kind]
		item.SetTitle(stageTitle(kind, enabled))
		callback := t.onToggle
		t.mu.Unlock()

		// Call the callback outside the lock to prevent deadlocks
		if callback != nil {
			callback(kind, enabled)
		}
	}
}

// handleSnapshot handles the save-frame menu item click.
func (t *Tray) handleSnapshot() {
	t.mu.RLock()
	callback := t.onSnapshot
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// SetLastIdentity updates the last-seen display in the menu.
func (t *Tray) SetLastIdentity(name string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.menuLastIdentity != nil {
		if name == "" {
			t.menuLastIdentity.SetTitle("Last seen: nobody")
		} else {
			t.menuLastIdentity.SetTitle("Last seen: " + name)
		}
	}
}

// IsEnabled returns the tray's view of one stage's state.
func (t *Tray) IsEnabled(kind detect.Kind) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled[kind]
}

func stageTitle(kind detect.Kind, enabled bool) string {
	marker := "○"
	if enabled {
		marker = "●"
	}
	return marker + " " + kind.String()
}
