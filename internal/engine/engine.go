// Package engine implements the Engine component (spec §4.3): it consumes
// Collector output from the raw-event queue, persists it to the Store,
// derives the business metrics, decides alert classes, runs the
// Security/Backoff controller, and emits processed events for the UI.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vigiasubastas/monitor/internal/cache"
	"github.com/vigiasubastas/monitor/internal/currency"
	"github.com/vigiasubastas/monitor/internal/domain"
	"github.com/vigiasubastas/monitor/internal/events"
	"github.com/vigiasubastas/monitor/internal/metrics"
	"github.com/vigiasubastas/monitor/internal/security"
	"github.com/vigiasubastas/monitor/internal/stored"
	"github.com/vigiasubastas/monitor/pkg/alerting"
	"github.com/vigiasubastas/monitor/pkg/logger"
	"github.com/vigiasubastas/monitor/pkg/sentry"
)

// Config configures the Engine's ambient behavior beyond SecurityPolicy
// thresholds (those live in security.Config).
type Config struct {
	// HideBelowThreshold is the user flag feeding the alert decision's hide
	// rule (spec §4.3).
	HideBelowThreshold bool
	// SoundRefractory is the per-line-item debounce window (spec §4.3:
	// "debounced... by a short refractory window to prevent storms").
	SoundRefractory time.Duration
	// LogBucketWidth is the HEARTBEAT aggregation window (spec §4.3, "Log
	// aggregation"; default one minute).
	LogBucketWidth time.Duration
	// HTTPErrorCollapseWindow bounds how long identical HTTP_ERRORs are
	// collapsed into a single LOG with a count (spec §4.3).
	HTTPErrorCollapseWindow time.Duration
}

// DefaultConfig returns the spec's example defaults.
func DefaultConfig() Config {
	return Config{
		HideBelowThreshold:      false,
		SoundRefractory:         10 * time.Second,
		LogBucketWidth:          time.Minute,
		HTTPErrorCollapseWindow: time.Minute,
	}
}

// Engine is the sole writer of Auction.state, LineItemState, EventLog, and
// the derived fields of LineItemCosts (spec §3, "Ownership").
type Engine struct {
	store     stored.Store
	raw       *events.RawQueue
	processed *events.ProcessedQueue
	control   *events.ControlQueue

	security   *security.Controller
	converter  *currency.Converter
	heartbeats cache.Counter
	sound      *cache.Debouncer
	metrics    *metrics.Metrics
	ops        *alerting.Manager

	cfg Config

	leaderCache map[string]bool // idRenglon -> was-leader, bounded by the auction's line-item set

	lastHTTPErrKey   string
	lastHTTPErrCount int
	lastHTTPErrAt    time.Time

	currentHeartbeatBucket time.Time
	currentHeartbeatCount  int64

	// erroredSinceHeartbeat tracks, per auction, whether an HTTP_ERROR has
	// been recorded since the last HEARTBEAT. A Collector always emits
	// HTTP_ERROR (if any) strictly before the tick's HEARTBEAT, so this
	// flag correlates the two without needing a shared tick id.
	erroredSinceHeartbeat map[string]bool
}

// New builds an Engine. alerts and m may be nil to disable ops escalation
// and metrics respectively (tests commonly pass nil for both).
func New(store stored.Store, raw *events.RawQueue, processed *events.ProcessedQueue, control *events.ControlQueue,
	secCfg security.Config, conv *currency.Converter, heartbeats cache.Counter, m *metrics.Metrics, alerts *alerting.Manager, cfg Config) *Engine {
	return &Engine{
		store:                 store,
		raw:                   raw,
		processed:             processed,
		control:               control,
		security:              security.NewController(secCfg, alerts),
		converter:             conv,
		heartbeats:            heartbeats,
		sound:                 cache.NewDebouncer(cfg.SoundRefractory),
		metrics:               m,
		ops:                   alerts,
		cfg:                   cfg,
		leaderCache:           make(map[string]bool),
		erroredSinceHeartbeat: make(map[string]bool),
	}
}

// Run is the main loop (spec §4.3): single-consumer, pull one event,
// dispatch on type, persist, emit. No event is acknowledged until its
// Store write commits. Returns when ctx is canceled or an END event has
// been fully processed.
func (e *Engine) Run(ctx context.Context) error {
	for {
		ev, err := e.raw.Pop(ctx)
		if err != nil {
			return err
		}

		if err := e.dispatch(ctx, ev); err != nil {
			if errors.Is(err, errFatalInvariant) {
				sentry.CaptureException(err)
				logger.Log.Error().Err(err).Msg("engine: fatal invariant violation, terminating")
				return err
			}
			logger.Log.Error().Err(err).Str("type", string(ev.Type)).Msg("engine: event processing failed")
		}

		if ev.Type == events.TypeEnd {
			return nil
		}
	}
}

var errFatalInvariant = errors.New("engine: programming invariant violation")

func (e *Engine) dispatch(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.TypeSnapshot:
		return e.handleSnapshot(ctx, ev)
	case events.TypeUpdate:
		return e.handleUpdate(ctx, ev)
	case events.TypeHeartbeat:
		return e.handleHeartbeat(ctx, ev)
	case events.TypeHTTPError:
		return e.handleHTTPError(ctx, ev)
	case events.TypeEnd:
		return e.handleEnd(ctx, ev)
	case events.TypeLog:
		return e.handleLog(ctx, ev)
	case events.TypeStart, events.TypeStop, events.TypeAlert, events.TypeSecurity:
		// Forward-only types the Engine itself does not originate from raw
		// events in this direction; pass through unchanged.
		return e.forward(ctx, ev)
	default:
		return fmt.Errorf("%w: unknown event type %q", errFatalInvariant, ev.Type)
	}
}

func (e *Engine) forward(ctx context.Context, ev events.Event) error {
	return e.processed.Push(ctx, ev)
}

func (e *Engine) handleSnapshot(ctx context.Context, ev events.Event) error {
	for _, obs := range ev.Observations {
		li := domain.LineItem{AuctionID: ev.AuctionID, IDRenglon: obs.IDRenglon, Description: obs.Description, Quantity: 1, ItemsPerRenglon: 1}
		if err := e.storeWriteWithRetry(ctx, func() error { return e.store.UpsertLineItem(ctx, li) }); err != nil {
			return e.escalateStoreFailure(ctx, ev.AuctionID, err)
		}
	}
	if err := e.storeWriteWithRetry(ctx, func() error {
		return e.store.UpsertAuction(ctx, domain.Auction{IDCot: ev.AuctionID, State: domain.AuctionRunning, StartedAt: time.Now(), LastOKAt: time.Now()})
	}); err != nil {
		return e.escalateStoreFailure(ctx, ev.AuctionID, err)
	}
	if e.metrics != nil {
		e.metrics.AuctionsActive.Inc()
	}
	return e.processed.Push(ctx, ev)
}

func (e *Engine) handleEnd(ctx context.Context, ev events.Event) error {
	if err := e.storeWriteWithRetry(ctx, func() error { return e.store.SetAuctionState(ctx, ev.AuctionID, domain.AuctionEnded) }); err != nil {
		return e.escalateStoreFailure(ctx, ev.AuctionID, err)
	}
	if e.metrics != nil {
		e.metrics.AuctionsActive.Dec()
	}
	return e.processed.Push(ctx, ev)
}

func (e *Engine) handleLog(ctx context.Context, ev events.Event) error {
	if err := e.storeWriteWithRetry(ctx, func() error {
		return e.store.AppendEventLog(ctx, domain.EventLog{
			Level: ev.Level, Type: string(events.TypeLog), AuctionID: ev.AuctionID, IDRenglon: ev.IDRenglon,
			Message: ev.Text, CreatedAt: time.Now(),
		})
	}); err != nil {
		return e.escalateStoreFailure(ctx, ev.AuctionID, err)
	}
	return e.processed.Push(ctx, ev)
}

// handleUpdate implements spec §4.3's per-UPDATE pipeline: derive metrics,
// persist the observation and the resolved cost pair, decide the alert,
// then emit (alert decisions are computed strictly after persistence,
// spec §5).
func (e *Engine) handleUpdate(ctx context.Context, ev events.Event) error {
	obs := ev.Observation

	auction, err := e.store.GetAuction(ctx, ev.AuctionID)
	if err != nil && !errors.Is(err, stored.ErrNotFound) {
		return e.escalateStoreFailure(ctx, ev.AuctionID, err)
	}

	prevState, err := e.store.GetLineItemState(ctx, ev.AuctionID, obs.IDRenglon)
	hadPrev := err == nil
	if err != nil && !errors.Is(err, stored.ErrNotFound) {
		return e.escalateStoreFailure(ctx, ev.AuctionID, err)
	}

	li, err := e.lineItemOrDefault(ctx, ev.AuctionID, obs)
	if err != nil {
		return e.escalateStoreFailure(ctx, ev.AuctionID, err)
	}

	costs, hadCosts, err := e.costsOrDefault(ctx, ev.AuctionID, obs.IDRenglon)
	if err != nil {
		return e.escalateStoreFailure(ctx, ev.AuctionID, err)
	}

	eq, normalizedItems, wasInvalid := domain.EquivalentQuantity(li.Quantity, li.ItemsPerRenglon)
	if wasInvalid {
		logger.Log.Warn().Str("auction", ev.AuctionID).Str("renglon", obs.IDRenglon).
			Msg("engine: items_per_renglon <= 0, treated as 1")
		li.ItemsPerRenglon = normalizedItems
	}

	if e.converter != nil && costs.FXRate == nil {
		// GetRate is USD per ARS (ARS base); fx is ARS per USD.
		if rate, ok := e.converter.GetRate("USD"); ok && rate != 0 {
			fx := 1 / rate
			costs.FXRate = &fx
		}
	}
	costs.MinMargin = li.MinMargin

	derived := DeriveMetrics(costs, eq, obs.BestOffer, obs.MinToBeat, obs.Budget)
	costs.UnitCostARS = derived.CostUnitARS
	costs.TotalCostARS = derived.CostTotalARS
	costs.UnitCostUSD = derived.CostUnitUSD
	costs.TotalCostUSD = derived.CostTotalUSD

	newState := domain.LineItemState{
		AuctionID: ev.AuctionID, IDRenglon: obs.IDRenglon,
		BestOffer: obs.BestOffer, BestOfferText: obs.BestOfferText,
		MinToBeat: obs.MinToBeat, MinToBeatText: obs.MinToBeatText,
		Budget: obs.Budget, BudgetText: obs.BudgetText,
		PortalStatus: obs.PortalStatus, Finalized: obs.Finalized, UpdatedAt: time.Now(),
	}

	if err := e.storeWriteWithRetry(ctx, func() error { return e.store.UpsertLineItemState(ctx, newState) }); err != nil {
		return e.escalateStoreFailure(ctx, ev.AuctionID, err)
	}
	if err := e.storeWriteWithRetry(ctx, func() error { return e.store.UpsertLineItemCosts(ctx, costs) }); err != nil {
		return e.escalateStoreFailure(ctx, ev.AuctionID, err)
	}
	if err := e.storeWriteWithRetry(ctx, func() error { return e.store.SetAuctionState(ctx, ev.AuctionID, domain.AuctionRunning) }); err != nil {
		return e.escalateStoreFailure(ctx, ev.AuctionID, err)
	}

	// Alert decision is computed strictly after persistence (spec §5).
	wasLeader := e.leaderCache[obs.IDRenglon]
	isLeader := false
	if leader, ok := obs.Offers.Leader(); ok && auction.ProviderID != "" {
		isLeader = leader.IDProveedor == auction.ProviderID
	}
	e.leaderCache[obs.IDRenglon] = isLeader

	bestWentDown := false
	if hadPrev && prevState.BestOffer != nil && obs.BestOffer != nil {
		bestWentDown = *obs.BestOffer < *prevState.BestOffer
	}

	bestOfferChanged := true
	if hadPrev {
		switch {
		case prevState.BestOffer == nil && obs.BestOffer == nil:
			bestOfferChanged = false
		case prevState.BestOffer != nil && obs.BestOffer != nil:
			bestOfferChanged = *obs.BestOffer != *prevState.BestOffer
		default:
			bestOfferChanged = true
		}
	}

	decision := DecideAlert(AlertInput{
		Tracked:            hadCosts,
		WasLeader:          wasLeader,
		IsLeader:           isLeader,
		BestOfferChanged:   bestOfferChanged,
		BestOfferWentDown:  bestWentDown,
		RentaParaMejorar:   derived.RentaParaMejorar,
		MinMargin:          li.MinMargin,
		HideBelowThreshold: e.cfg.HideBelowThreshold,
	})

	if err := e.storeWriteWithRetry(ctx, func() error {
		return e.store.AppendEventLog(ctx, domain.EventLog{
			Level: domain.LevelInfo, Type: string(events.TypeAlert), AuctionID: ev.AuctionID, IDRenglon: obs.IDRenglon,
			Message: decision.Message, CreatedAt: time.Now(),
		})
	}); err != nil {
		return e.escalateStoreFailure(ctx, ev.AuctionID, err)
	}

	if e.metrics != nil {
		e.metrics.RecordAlert(ev.AuctionID, string(decision.Style), derived.RentaParaMejorar)
	}

	sound := decision.Sound
	if sound != "" && !e.sound.Allow(obs.IDRenglon, time.Now()) {
		sound = ""
	}

	if err := e.processed.Push(ctx, ev); err != nil {
		return err
	}
	return e.processed.Push(ctx, events.Event{
		Type: events.TypeAlert, AuctionID: ev.AuctionID, IDRenglon: obs.IDRenglon, Timestamp: time.Now(),
		AlertStyle: decision.Style, SoundTag: sound, Hide: decision.Hide, Message: decision.Message,
	})
}

func (e *Engine) lineItemOrDefault(ctx context.Context, auctionID string, obs domain.LineItemObservation) (domain.LineItem, error) {
	items, err := e.store.ListLineItems(ctx, auctionID)
	if err != nil {
		return domain.LineItem{}, err
	}
	for _, li := range items {
		if li.IDRenglon == obs.IDRenglon {
			return li, nil
		}
	}
	li := domain.LineItem{AuctionID: auctionID, IDRenglon: obs.IDRenglon, Description: obs.Description, Quantity: 1, ItemsPerRenglon: 1}
	return li, e.store.UpsertLineItem(ctx, li)
}

func (e *Engine) costsOrDefault(ctx context.Context, auctionID, idRenglon string) (domain.LineItemCosts, bool, error) {
	costs, err := e.store.GetLineItemCosts(ctx, auctionID, idRenglon)
	if err == nil {
		hasAny := costs.UnitCostARS != nil || costs.TotalCostARS != nil
		return costs, hasAny, nil
	}
	if errors.Is(err, stored.ErrNotFound) {
		return domain.LineItemCosts{AuctionID: auctionID, IDRenglon: idRenglon}, false, nil
	}
	return domain.LineItemCosts{}, false, err
}

// handleHeartbeat implements log aggregation (spec §4.3): HEARTBEATs are
// not propagated one-for-one but grouped into per-minute summaries.
func (e *Engine) handleHeartbeat(ctx context.Context, ev events.Event) error {
	if e.metrics != nil {
		e.metrics.TicksTotal.WithLabelValues(ev.AuctionID).Inc()
	}

	if !e.erroredSinceHeartbeat[ev.AuctionID] {
		e.security.RecordSuccess(ev.AuctionID)
	}
	delete(e.erroredSinceHeartbeat, ev.AuctionID)

	bucket := cache.BucketKey(time.Now(), e.cfg.LogBucketWidth)
	if e.currentHeartbeatBucket.IsZero() {
		e.currentHeartbeatBucket = bucket
	}
	if bucket.After(e.currentHeartbeatBucket) {
		if err := e.flushHeartbeatBucket(ctx, ev.AuctionID); err != nil {
			return err
		}
		e.currentHeartbeatBucket = bucket
	}
	e.currentHeartbeatCount++
	if e.heartbeats != nil {
		if _, err := e.heartbeats.Incr(ctx, "heartbeat:"+ev.AuctionID, bucket); err != nil {
			logger.Log.Warn().Err(err).Msg("engine: heartbeat aggregation counter failed")
		}
	}
	return nil
}

func (e *Engine) flushHeartbeatBucket(ctx context.Context, auctionID string) error {
	if e.currentHeartbeatCount == 0 {
		return nil
	}
	count := e.currentHeartbeatCount
	e.currentHeartbeatCount = 0
	text := fmt.Sprintf("%d ticks in the last %s", count, e.cfg.LogBucketWidth)
	if err := e.storeWriteWithRetry(ctx, func() error {
		return e.store.AppendEventLog(ctx, domain.EventLog{Level: domain.LevelDebug, Type: string(events.TypeHeartbeat), AuctionID: auctionID, Message: text, CreatedAt: time.Now()})
	}); err != nil {
		return e.escalateStoreFailure(ctx, auctionID, err)
	}
	return e.processed.Push(ctx, events.Event{Type: events.TypeLog, AuctionID: auctionID, Timestamp: time.Now(), Level: domain.LevelDebug, Text: text})
}

// handleHTTPError implements the Security/Backoff controller wiring (spec
// §4.3, §4.4) and repeated-error collapsing (spec §4.3, "Log
// aggregation"). Session-expired errors (spec §7) never reach
// SecurityPolicy: they are a Collector-local, non-recoverable condition
// distinct from an error storm (spec S6).
func (e *Engine) handleHTTPError(ctx context.Context, ev events.Event) error {
	if e.metrics != nil {
		e.metrics.RecordHTTPError(ev.AuctionID, statusLabel(ev.HTTPStatus))
	}
	if !ev.SessionExpired {
		e.erroredSinceHeartbeat[ev.AuctionID] = true
	}

	// Collapsing only dedups the audit LOG entry (spec §4.3, "Log
	// aggregation"); the security streak below is evaluated on every
	// HTTP_ERROR regardless, collapsed or not.
	key := fmt.Sprintf("%d:%s:%v", ev.HTTPStatus, ev.ErrorMessage, ev.SessionExpired)
	now := time.Now()
	if key == e.lastHTTPErrKey && now.Sub(e.lastHTTPErrAt) < e.cfg.HTTPErrorCollapseWindow {
		e.lastHTTPErrCount++
	} else {
		if err := e.flushCollapsedHTTPError(ctx, ev.AuctionID); err != nil {
			return err
		}
		e.lastHTTPErrKey = key
		e.lastHTTPErrCount = 1
		e.lastHTTPErrAt = now

		if err := e.storeWriteWithRetry(ctx, func() error {
			return e.store.AppendEventLog(ctx, domain.EventLog{
				Level: domain.LevelWarn, Type: string(events.TypeHTTPError), AuctionID: ev.AuctionID,
				Message: fmt.Sprintf("http %d: %s", ev.HTTPStatus, ev.ErrorMessage), CreatedAt: now,
			})
		}); err != nil {
			return e.escalateStoreFailure(ctx, ev.AuctionID, err)
		}
	}

	if ev.SessionExpired {
		// Non-recoverable without user recapture; the auction stays
		// RUNNING and SecurityPolicy is not consulted (spec S6).
		return e.processed.Push(ctx, ev)
	}

	action := e.security.RecordError(ev.AuctionID)
	if e.metrics != nil {
		e.metrics.RecordSecurityAction(ev.AuctionID, string(action.Kind), action.NewInterval.Seconds())
	}

	switch action.Kind {
	case security.ActionBackoff:
		e.control.Push(events.ControlCommand{Kind: events.ControlSetPollSeconds, PollSeconds: action.NewInterval.Seconds()})
		if err := e.processed.Push(ctx, events.Event{
			Type: events.TypeSecurity, AuctionID: ev.AuctionID, Timestamp: now,
			SecurityAction: events.SecurityBackoff, NewPollInterval: action.NewInterval,
		}); err != nil {
			return err
		}
	case security.ActionStop:
		if err := e.storeWriteWithRetry(ctx, func() error { return e.store.SetAuctionState(ctx, ev.AuctionID, domain.AuctionError) }); err != nil {
			return e.escalateStoreFailure(ctx, ev.AuctionID, err)
		}
		e.control.Push(events.ControlCommand{Kind: events.ControlStop, Reason: action.Reason})
		if err := e.processed.Push(ctx, events.Event{
			Type: events.TypeSecurity, AuctionID: ev.AuctionID, Timestamp: now,
			SecurityAction: events.SecurityStop, Reason: action.Reason,
		}); err != nil {
			return err
		}
	}

	return e.processed.Push(ctx, ev)
}

func (e *Engine) flushCollapsedHTTPError(ctx context.Context, auctionID string) error {
	if e.lastHTTPErrCount <= 1 {
		return nil
	}
	text := fmt.Sprintf("%s (x%d within %s)", e.lastHTTPErrKey, e.lastHTTPErrCount, e.cfg.HTTPErrorCollapseWindow)
	return e.processed.Push(ctx, events.Event{Type: events.TypeLog, AuctionID: auctionID, Timestamp: time.Now(), Level: domain.LevelWarn, Text: text})
}

func statusLabel(status int) string {
	if status == 0 {
		return "timeout"
	}
	return fmt.Sprintf("%d", status)
}

// storeWriteWithRetry implements spec §7's Store-failure policy: retry
// once, then let the caller escalate to STOP.
func (e *Engine) storeWriteWithRetry(ctx context.Context, write func() error) error {
	err := write()
	if err == nil {
		return nil
	}
	logger.Log.Warn().Err(err).Msg("engine: store write failed, retrying once")
	return write()
}

// escalateStoreFailure implements spec §7: "Logged as ERROR, the offending
// event is not acknowledged; the Engine retries once, then escalates to
// STOP with reason='store failure'."
func (e *Engine) escalateStoreFailure(ctx context.Context, auctionID string, cause error) error {
	logger.Log.Error().Err(cause).Str("auction", auctionID).Msg("engine: store failure, stopping")
	sentry.CaptureException(cause)
	if e.ops != nil {
		_ = e.ops.Critical(ctx, "store", fmt.Sprintf("auction %s: store failure: %v", auctionID, cause))
	}
	_ = e.store.SetAuctionState(ctx, auctionID, domain.AuctionError)
	e.control.Push(events.ControlCommand{Kind: events.ControlStop, Reason: "store failure"})
	_ = e.processed.Push(ctx, events.Event{
		Type: events.TypeSecurity, AuctionID: auctionID, Timestamp: time.Now(),
		SecurityAction: events.SecurityStop, Reason: "store failure",
	})
	return fmt.Errorf("engine: store failure for auction %s: %w", auctionID, cause)
}
