package security

import (
	"context"
	"sync"
	"time"

	"github.com/vigiasubastas/monitor/pkg/alerting"
	"github.com/vigiasubastas/monitor/pkg/logger"
)

// state is the per-auction bookkeeping the Controller keeps. The spec
// scopes one auction per process, but keying by auction id costs nothing
// and keeps the Controller reusable across a process's lifetime (restart
// without recreating it).
type state struct {
	streak   int
	interval time.Duration
}

// Controller is the stateful wrapper around the pure Evaluate function: it
// tracks the consecutive-error streak per auction and the currently
// requested poll interval, the way pkg/alerting's Manager keeps its
// mutex-guarded dedupe state around a stateless severity check.
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	states map[string]*state
	alerts *alerting.Manager // optional; nil disables ops escalation
}

// NewController creates a Controller. alerts may be nil to disable the
// ops-level webhook notification on STOP.
func NewController(cfg Config, alerts *alerting.Manager) *Controller {
	return &Controller{
		cfg:    cfg,
		states: make(map[string]*state),
		alerts: alerts,
	}
}

func (c *Controller) get(auctionID string) *state {
	s, ok := c.states[auctionID]
	if !ok {
		s = &state{interval: c.cfg.InitialInterval}
		c.states[auctionID] = s
	}
	return s
}

// RecordError registers one HTTP_ERROR for auctionID and returns the
// resulting Action. A successful tick must call RecordSuccess to reset the
// streak (spec §4.3: "a successful tick resets the streak and restores the
// original poll interval").
func (c *Controller) RecordError(auctionID string) Action {
	c.mu.Lock()
	s := c.get(auctionID)
	s.streak++
	action := Evaluate(c.cfg, s.streak, s.interval)
	if action.Kind == ActionBackoff {
		s.interval = action.NewInterval
	}
	c.mu.Unlock()

	switch action.Kind {
	case ActionBackoff:
		logger.Log.Warn().Str("auction", auctionID).Int("streak", s.streak).
			Dur("new_interval", action.NewInterval).Msg("security: backing off")
	case ActionStop:
		logger.Log.Error().Str("auction", auctionID).Int("streak", s.streak).
			Msg("security: stopping collector, error storm")
		if c.alerts != nil {
			_ = c.alerts.Critical(context.Background(), "security",
				"auction "+auctionID+" stopped: error storm")
		}
	}
	return action
}

// RecordSuccess resets auctionID's streak and restores the initial poll
// interval.
func (c *Controller) RecordSuccess(auctionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.get(auctionID)
	s.streak = 0
	s.interval = c.cfg.InitialInterval
}

// Streak returns the current error streak for auctionID (for tests/metrics).
func (c *Controller) Streak(auctionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(auctionID).streak
}

// Reset clears all per-auction state (used on auction restart).
func (c *Controller) Reset(auctionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, auctionID)
}
