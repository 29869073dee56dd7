// Package session tracks which smartspace surfaces are visible to which
// consumer packages and emits shown/hidden lifecycle events. Visibility is
// derived from injected platform signals: screen state, keyguard state and
// the foreground package reported by the privileged helper.
package session

import (
	"fmt"
	"sync"

	"smartspacer/internal/smartspace"

	"go.uber.org/zap"
)

// Session is one registered surface consumer.
type Session struct {
	ID      string
	Package string
	Surface smartspace.Surface

	// Notify receives the session's lifecycle events.
	Notify func(smartspace.Event)
}

type sessionState struct {
	session Session
	shown   bool
}

// Controller owns the per-session visibility state machine. All signal
// setters recompute synchronously; a transition fires its event exactly
// once and repeated identical signals fire nothing.
type Controller struct {
	logger *zap.Logger

	mu             sync.Mutex
	sessions       map[string]*sessionState
	screenOn       bool
	keyguardLocked bool
	foreground     string
	helperReady    bool
}

// NewController creates an empty controller. All signals start false.
func NewController(logger *zap.Logger) *Controller {
	return &Controller{
		logger:   logger.Named("session"),
		sessions: make(map[string]*sessionState),
	}
}

// AddSession registers a consumer. If the session's surface is already
// visible the shown event fires immediately.
func (c *Controller) AddSession(s Session) error {
	if s.ID == "" || s.Notify == nil {
		return fmt.Errorf("session needs an ID and a notify callback")
	}

	c.mu.Lock()
	if _, exists := c.sessions[s.ID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("session %s already registered", s.ID)
	}
	c.sessions[s.ID] = &sessionState{session: s}
	c.logger.Debug("Session added",
		zap.String("id", s.ID),
		zap.String("package", s.Package),
		zap.String("surface", string(s.Surface)))
	c.recomputeLocked()
	return nil
}

// RemoveSession unregisters a consumer. A visible session is hidden first
// so consumers always see a balanced shown/hidden pair.
func (c *Controller) RemoveSession(id string) {
	c.mu.Lock()
	state, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, id)
	if !state.shown {
		c.mu.Unlock()
		return
	}
	notify := state.session.Notify
	c.mu.Unlock()
	notify(smartspace.EventSurfaceHidden)
}

// SetScreenOn feeds the display power signal.
func (c *Controller) SetScreenOn(on bool) {
	c.mu.Lock()
	if c.screenOn == on {
		c.mu.Unlock()
		return
	}
	c.screenOn = on
	c.recomputeLocked()
}

// SetKeyguardLocked feeds the keyguard signal.
func (c *Controller) SetKeyguardLocked(locked bool) {
	c.mu.Lock()
	if c.keyguardLocked == locked {
		c.mu.Unlock()
		return
	}
	c.keyguardLocked = locked
	c.recomputeLocked()
}

// SetForegroundPackage feeds the foreground app signal from the helper.
func (c *Controller) SetForegroundPackage(pkg string) {
	c.mu.Lock()
	if c.foreground == pkg {
		c.mu.Unlock()
		return
	}
	c.foreground = pkg
	c.recomputeLocked()
}

// SetHelperReady feeds the privileged helper's availability. Losing the
// helper clears the foreground signal, hiding home screen sessions until
// the feed resumes.
func (c *Controller) SetHelperReady(ready bool) {
	c.mu.Lock()
	if c.helperReady == ready {
		c.mu.Unlock()
		return
	}
	c.helperReady = ready
	if !ready {
		c.foreground = ""
	}
	c.recomputeLocked()
}

// SetPlatformState applies a full platform snapshot, one signal at a
// time. The foreground package is only meaningful while the helper is
// ready, so it is applied last and skipped otherwise.
func (c *Controller) SetPlatformState(screenOn, keyguardLocked, helperReady bool, foreground string) {
	c.SetScreenOn(screenOn)
	c.SetKeyguardLocked(keyguardLocked)
	c.SetHelperReady(helperReady)
	if helperReady {
		c.SetForegroundPackage(foreground)
	}
}

// Visible reports whether a session's surface is currently shown.
func (c *Controller) Visible(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.sessions[id]
	return ok && state.shown
}

// recomputeLocked re-derives every session's visibility and fires events
// for the transitions. The lock is released before the callbacks run so
// handlers may call back into the controller.
func (c *Controller) recomputeLocked() {
	type pending struct {
		notify func(smartspace.Event)
		event  smartspace.Event
	}
	var fired []pending

	for _, state := range c.sessions {
		visible := c.visibleLocked(state.session)
		if visible == state.shown {
			continue
		}
		state.shown = visible
		event := smartspace.EventSurfaceHidden
		if visible {
			event = smartspace.EventSurfaceShown
		}
		fired = append(fired, pending{notify: state.session.Notify, event: event})
	}
	c.mu.Unlock()

	for _, p := range fired {
		p.notify(p.event)
	}
}

func (c *Controller) visibleLocked(s Session) bool {
	if !c.screenOn {
		return false
	}
	switch s.Surface {
	case smartspace.SurfaceLockscreen:
		return c.keyguardLocked
	default:
		// Home screen and media sessions track the foreground app.
		return c.foreground == s.Package
	}
}
