// Package collector defines the contract shared by the three Collector
// variants (spec §4.2): ReplayCollector, BrowserCollector, and
// HttpPollCollector. Each variant produces a deterministic stream of
// per-line-item observations onto the raw-event queue and accepts control
// commands (start/stop/capture/poll-interval) from the control queue.
package collector

import (
	"context"
	"time"

	"github.com/vigiasubastas/monitor/internal/events"
)

// Collector is the operation surface every variant implements (spec §4.2).
// The three concrete variants are a sum type with disjoint state, not an
// inheritance hierarchy (spec §9, design note "dynamic dispatch → tagged
// variants").
type Collector interface {
	// Start acquires resources, emits SNAPSHOT once, then enters the tick
	// loop. Idempotent after Stop.
	Start(ctx context.Context, auctionID string, urls []string) error

	// Stop signals the loop to exit at the next safe point and blocks until
	// it has drained. Guarantees release of every live handle (browser
	// session, HTTP client, file) on all exit paths, including failure
	// during Start.
	Stop() error

	// SetPollInterval changes the tick period, effective no later than the
	// next tick, clamped to [Config.MinPollInterval, Config.MaxPollInterval].
	SetPollInterval(d time.Duration)

	// CaptureCurrent forces an immediate tick outside the regular cadence;
	// it behaves exactly like a natural tick.
	CaptureCurrent()
}

// Config is a Collector's configuration: poll interval, intensive-mode flag,
// and HTTP-monitor-mode flag, plus bounds and timeout. It carries no version
// and is not itself sent on the control queue, which carries
// events.ControlCommand values; each variant holds its own copy, and only
// the poll interval changes at runtime (via SetPollInterval), read at tick
// start.
type Config struct {
	PollInterval   time.Duration
	Intensive      bool
	HTTPMonitor    bool
	MinPollInterval time.Duration // floor; spec example: 0.2s in intensive mode
	MaxPollInterval time.Duration // ceiling
	RequestTimeout  time.Duration // per-HTTP-call timeout (2.5s intensive, 5s otherwise)
}

// DefaultConfig returns the non-intensive defaults spec §5 describes.
func DefaultConfig() Config {
	return Config{
		PollInterval:    3 * time.Second,
		Intensive:       false,
		HTTPMonitor:     false,
		MinPollInterval: 200 * time.Millisecond,
		MaxPollInterval: 60 * time.Second,
		RequestTimeout:  5 * time.Second,
	}
}

// IntensiveConfig returns the reduced-interval, shorter-timeout profile
// spec §5/§9 describes for intensive mode.
func IntensiveConfig() Config {
	c := DefaultConfig()
	c.PollInterval = c.MinPollInterval
	c.Intensive = true
	c.RequestTimeout = 2500 * time.Millisecond
	return c
}

// Clamp bounds d to [MinPollInterval, MaxPollInterval].
func (c Config) Clamp(d time.Duration) time.Duration {
	if d < c.MinPollInterval {
		return c.MinPollInterval
	}
	if d > c.MaxPollInterval {
		return c.MaxPollInterval
	}
	return d
}

// Emit is the narrow surface a tick loop uses to push events onto the raw
// queue; both the replay and httppoll tick loops are written against this
// instead of *events.RawQueue directly so tests can substitute a recording
// sink.
type Emit interface {
	Push(ctx context.Context, e events.Event) error
}
