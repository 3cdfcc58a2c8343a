// Package echoguard blocks reverse pushes for records that a forward sync
// has just written.
package echoguard

import (
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/cache"
)

// DefaultWindow is the pause applied after each forward write.
const DefaultWindow = 60 * time.Second

// Config configures a Guard.
type Config struct {
	Window time.Duration
	Clock  func() time.Time
}

// Guard tracks armed record ids.
type Guard struct {
	armed  *cache.TTLCache[string, time.Time]
	window time.Duration
	clock  func() time.Time
}

// New constructs an isolated Guard. A non-positive window uses DefaultWindow.
func New(cfg Config) *Guard {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Guard{
		armed:  cache.NewTTLCache[string, time.Time](clock),
		window: window,
		clock:  clock,
	}
}

// Arm suppresses reverse pushes for id until the window elapses. Re-arming
// restarts the window.
func (g *Guard) Arm(id string) {
	if id == "" {
		return
	}
	g.armed.Set(id, g.clock(), g.window)
}

// IsAllowed reports whether a reverse push for id may proceed.
func (g *Guard) IsAllowed(id string) bool {
	_, armed := g.armed.Get(id)
	return !armed
}

// ArmedAt returns when id was last armed, if it is still suppressed.
func (g *Guard) ArmedAt(id string) (time.Time, bool) {
	return g.armed.Get(id)
}

// Window returns the configured pause window.
func (g *Guard) Window() time.Duration {
	return g.window
}

// Len reports how many ids are currently armed.
func (g *Guard) Len() int {
	g.armed.Sweep()
	return g.armed.Len()
}
