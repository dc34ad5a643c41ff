package replay

import (
	"context"
	"sync"
	"time"

	"github.com/vigiasubastas/monitor/internal/collector"
	"github.com/vigiasubastas/monitor/internal/domain"
	"github.com/vigiasubastas/monitor/internal/events"
	"github.com/vigiasubastas/monitor/pkg/logger"
)

// Collector drives a recorded Scenario deterministically (spec §4.2,
// "Replay variant"). Tick n applies whichever timeline entry has the
// largest index ≤ n; a tick that lands inside a gap between two entries
// reprocesses nothing and only contributes a HEARTBEAT, which is what
// makes two runs over the same scenario produce identical UPDATE/
// HTTP_ERROR streams regardless of real wall-clock pacing (spec §8,
// "Determinism of replay").
type Collector struct {
	scenario *Scenario
	emit     collector.Emit

	cfgMu sync.Mutex
	cfg   collector.Config

	mu        sync.Mutex
	running   bool
	auctionID string
	stopCh    chan struct{}
	doneCh    chan struct{}
	captureCh chan struct{}
}

// New builds a ReplayCollector over scenario, pushing events onto emit.
func New(scenario *Scenario, emit collector.Emit, cfg collector.Config) *Collector {
	return &Collector{scenario: scenario, emit: emit, cfg: cfg}
}

// Start emits SNAPSHOT once, then launches the tick loop (spec §4.2).
// Idempotent once running; after Stop it may be started again.
func (c *Collector) Start(ctx context.Context, auctionID string, urls []string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.auctionID = auctionID
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.captureCh = make(chan struct{}, 1)
	c.mu.Unlock()

	if err := c.emit.Push(ctx, events.Event{
		Type:         events.TypeSnapshot,
		AuctionID:    auctionID,
		Timestamp:    time.Now(),
		Observations: c.initialObservations(),
	}); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	go c.run(ctx, auctionID)
	return nil
}

// Stop signals the tick loop to exit and blocks until it has drained
// (spec §4.2).
func (c *Collector) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	close(stopCh)
	<-doneCh
	return nil
}

// SetPollInterval changes the tick period, clamped to the configured
// floor/ceiling, effective at the next tick (spec §4.2).
func (c *Collector) SetPollInterval(d time.Duration) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg.PollInterval = c.cfg.Clamp(d)
}

// CaptureCurrent forces an immediate tick outside the regular cadence
// (spec §4.2). A no-op if no capture is currently pending to coalesce
// into and the loop is not running.
func (c *Collector) CaptureCurrent() {
	c.mu.Lock()
	ch := c.captureCh
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Collector) currentInterval() time.Duration {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	if c.cfg.PollInterval > 0 {
		return c.cfg.PollInterval
	}
	return time.Duration(c.scenario.Config.TickDurationSeconds * float64(time.Second))
}

// initialObservations builds the SNAPSHOT payload: one zero-valued
// observation per distinct id_renglon appearing anywhere in the timeline,
// using the first description seen for it.
func (c *Collector) initialObservations() []domain.LineItemObservation {
	seen := make(map[string]bool)
	var out []domain.LineItemObservation
	for _, e := range c.scenario.Timeline {
		for _, r := range e.Renglones {
			if seen[r.IDRenglon] {
				continue
			}
			seen[r.IDRenglon] = true
			out = append(out, domain.LineItemObservation{
				IDRenglon:   r.IDRenglon,
				Description: r.Descripcion,
				HTTPStatus:  200,
			})
		}
	}
	return out
}

// run is the tick loop: select on stop/capture/timer, apply at most one
// new timeline entry per real tick, always emit exactly one HEARTBEAT.
func (c *Collector) run(ctx context.Context, auctionID string) {
	defer close(c.doneCh)

	lastStates := make(map[string]*domain.LineItemState)
	lastEntryIdx := -1
	var tickN int64
	start := time.Now()

	for {
		timer := time.NewTimer(c.currentInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.stopCh:
			timer.Stop()
			return
		case <-c.captureCh:
			timer.Stop()
		case <-timer.C:
		}

		tickN++
		entryIdx := selectEntryIndex(c.scenario.Timeline, int(tickN))
		ended := false

		if entryIdx >= 0 && entryIdx != lastEntryIdx {
			lastEntryIdx = entryIdx
			entry := c.scenario.Timeline[entryIdx]

			if entry.Status != 200 {
				if err := c.emit.Push(ctx, events.Event{
					Type:         events.TypeHTTPError,
					AuctionID:    auctionID,
					Timestamp:    time.Now(),
					HTTPStatus:   entry.Status,
					ErrorMessage: entry.ErrorMessage,
				}); err != nil {
					return
				}
			} else {
				c.applyRenglones(ctx, auctionID, entry, lastStates)
			}

			ended = entry.Event == EventEndAuction
		}

		if err := c.emit.Push(ctx, events.Event{
			Type:      events.TypeHeartbeat,
			AuctionID: auctionID,
			Timestamp: time.Now(),
			Tick:      tickN,
			Elapsed:   time.Since(start),
		}); err != nil {
			return
		}

		if ended {
			c.emit.Push(ctx, events.Event{Type: events.TypeEnd, AuctionID: auctionID, Timestamp: time.Now()})
			return
		}

		if max := c.scenario.Config.MaxTicks; max > 0 && int(tickN) >= max {
			return
		}
	}
}

func (c *Collector) applyRenglones(ctx context.Context, auctionID string, entry TimelineEntry, lastStates map[string]*domain.LineItemState) {
	for _, r := range entry.Renglones {
		parsed, err := collector.ParseEnvelope(r.IDRenglon, r.ResponseJSON)
		if err != nil {
			logger.Log.Warn().Err(err).Str("auction", auctionID).Str("renglon", r.IDRenglon).
				Msg("replay: parse failure, line item state not updated this tick")
			c.emit.Push(ctx, events.Event{
				Type:      events.TypeLog,
				AuctionID: auctionID,
				IDRenglon: r.IDRenglon,
				Timestamp: time.Now(),
				Level:     domain.LevelWarn,
				Text:      "parse failure: " + err.Error(),
			})
			continue
		}

		best, bestText := collector.BestOffer(parsed.Offers)
		obs := domain.LineItemObservation{
			IDRenglon:     r.IDRenglon,
			Description:   r.Descripcion,
			Offers:        parsed.Offers,
			BestOffer:     best,
			BestOfferText: bestText,
			MinToBeat:     parsed.MinToBeat,
			MinToBeatText: parsed.MinToBeatText,
			Budget:        parsed.Budget,
			BudgetText:    parsed.BudgetText,
			PortalStatus:  entry.Message,
			Finalized:     entry.Event == EventEndAuction,
			HTTPStatus:    entry.Status,
		}

		prev := lastStates[r.IDRenglon]
		if obs.Changed(prev) {
			if err := c.emit.Push(ctx, events.Event{
				Type:        events.TypeUpdate,
				AuctionID:   auctionID,
				IDRenglon:   r.IDRenglon,
				Timestamp:   time.Now(),
				Observation: obs,
			}); err != nil {
				return
			}
		}
		lastStates[r.IDRenglon] = observationToState(auctionID, r.IDRenglon, obs)
	}
}

func observationToState(auctionID, idRenglon string, obs domain.LineItemObservation) *domain.LineItemState {
	return &domain.LineItemState{
		AuctionID:     auctionID,
		IDRenglon:     idRenglon,
		BestOffer:     obs.BestOffer,
		BestOfferText: obs.BestOfferText,
		MinToBeat:     obs.MinToBeat,
		MinToBeatText: obs.MinToBeatText,
		Budget:        obs.Budget,
		BudgetText:    obs.BudgetText,
		PortalStatus:  obs.PortalStatus,
		Finalized:     obs.Finalized,
		UpdatedAt:     time.Now(),
	}
}

// selectEntryIndex returns the index of the timeline entry with the
// largest Tick ≤ n, or -1 if n precedes every entry (spec §4.2).
func selectEntryIndex(timeline []TimelineEntry, n int) int {
	idx := -1
	for i, e := range timeline {
		if e.Tick <= n {
			idx = i
		} else {
			break
		}
	}
	return idx
}
