package engine

import (
	"context"
	"testing"
	"time"

	"github.com/vigiasubastas/monitor/internal/currency"
	"github.com/vigiasubastas/monitor/internal/domain"
	"github.com/vigiasubastas/monitor/internal/events"
	"github.com/vigiasubastas/monitor/internal/security"
	"github.com/vigiasubastas/monitor/internal/stored"
)

func newTestEngine() (*Engine, *events.ProcessedQueue, *events.ControlQueue, stored.Store) {
	store := stored.NewMemoryStore()
	raw := events.NewRawQueue(32)
	processed := events.NewProcessedQueue(32)
	control := events.NewControlQueue()
	conv := currency.NewConverter(currency.DefaultConfig(), nil)
	e := New(store, raw, processed, control, security.DefaultConfig(), conv, nil, nil, nil, DefaultConfig())
	return e, processed, control, store
}

func popProcessed(t *testing.T, processed *events.ProcessedQueue) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := processed.Pop(ctx)
	if err != nil {
		t.Fatalf("expected a processed event, got error: %v", err)
	}
	return ev
}

func TestEngine_SnapshotCreatesAuctionAndLineItems(t *testing.T) {
	e, processed, _, store := newTestEngine()
	ctx := context.Background()

	ev := events.Event{
		Type:      events.TypeSnapshot,
		AuctionID: "A1",
		Timestamp: time.Now(),
		Observations: []domain.LineItemObservation{
			{IDRenglon: "1", Description: "widget"},
			{IDRenglon: "2", Description: "gadget"},
		},
	}
	if err := e.dispatch(ctx, ev); err != nil {
		t.Fatalf("dispatch returned error: %v", err)
	}

	auction, err := store.GetAuction(ctx, "A1")
	if err != nil {
		t.Fatalf("GetAuction error: %v", err)
	}
	if auction.State != domain.AuctionRunning {
		t.Errorf("expected auction RUNNING, got %s", auction.State)
	}

	items, err := store.ListLineItems(ctx, "A1")
	if err != nil {
		t.Fatalf("ListLineItems error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 line items, got %d", len(items))
	}

	out := popProcessed(t, processed)
	if out.Type != events.TypeSnapshot {
		t.Errorf("expected SNAPSHOT forwarded, got %s", out.Type)
	}
}

func TestEngine_UpdateDerivesWinnerAlert(t *testing.T) {
	e, processed, _, store := newTestEngine()
	ctx := context.Background()

	if err := store.UpsertAuction(ctx, domain.Auction{IDCot: "A1", State: domain.AuctionRunning, ProviderID: "200"}); err != nil {
		t.Fatalf("UpsertAuction error: %v", err)
	}
	if err := store.UpsertLineItem(ctx, domain.LineItem{AuctionID: "A1", IDRenglon: "1", Quantity: 1, ItemsPerRenglon: 1, MinMargin: 0.2}); err != nil {
		t.Fatalf("UpsertLineItem error: %v", err)
	}
	unitCost := 100.0
	if err := store.UpsertLineItemCosts(ctx, domain.LineItemCosts{AuctionID: "A1", IDRenglon: "1", UnitCostARS: &unitCost, MinMargin: 0.2}); err != nil {
		t.Fatalf("UpsertLineItemCosts error: %v", err)
	}

	best := 90.0
	minToBeat := 150.0
	budget := 1000.0
	ev := events.Event{
		Type:      events.TypeUpdate,
		AuctionID: "A1",
		Timestamp: time.Now(),
		Observation: domain.LineItemObservation{
			IDRenglon: "1", BestOffer: &best, MinToBeat: &minToBeat, Budget: &budget,
			Offers: domain.OfferBook{{IDProveedor: "200", IsLeader: true, Monto: best}},
		},
	}
	if err := e.dispatch(ctx, ev); err != nil {
		t.Fatalf("dispatch returned error: %v", err)
	}

	costs, err := store.GetLineItemCosts(ctx, "A1", "1")
	if err != nil {
		t.Fatalf("GetLineItemCosts error: %v", err)
	}
	if costs.TotalCostARS == nil || *costs.TotalCostARS != 100 {
		t.Errorf("expected resolved total cost 100, got %v", costs.TotalCostARS)
	}

	forwarded := popProcessed(t, processed)
	if forwarded.Type != events.TypeUpdate {
		t.Fatalf("expected UPDATE forwarded first, got %s", forwarded.Type)
	}

	alert := popProcessed(t, processed)
	if alert.Type != events.TypeAlert {
		t.Fatalf("expected ALERT event second, got %s", alert.Type)
	}
	if alert.AlertStyle != events.StyleWinner {
		t.Errorf("expected WINNER style (leader matches provider), got %s", alert.AlertStyle)
	}
}

func TestEngine_HeartbeatResetsSecurityStreakOnSuccess(t *testing.T) {
	e, _, _, store := newTestEngine()
	ctx := context.Background()
	if err := store.UpsertAuction(ctx, domain.Auction{IDCot: "A1", State: domain.AuctionRunning}); err != nil {
		t.Fatalf("UpsertAuction error: %v", err)
	}

	if err := e.dispatch(ctx, events.Event{Type: events.TypeHTTPError, AuctionID: "A1", Timestamp: time.Now(), HTTPStatus: 500, ErrorMessage: "boom"}); err != nil {
		t.Fatalf("dispatch HTTP_ERROR returned error: %v", err)
	}
	if got := e.security.Streak("A1"); got != 1 {
		t.Fatalf("expected streak 1 after one error, got %d", got)
	}

	// The heartbeat that closes out the same tick as the error must not
	// reset the streak: the tick itself failed.
	if err := e.dispatch(ctx, events.Event{Type: events.TypeHeartbeat, AuctionID: "A1", Timestamp: time.Now(), Tick: 1}); err != nil {
		t.Fatalf("dispatch HEARTBEAT returned error: %v", err)
	}
	if got := e.security.Streak("A1"); got != 1 {
		t.Errorf("expected streak unchanged by the same-tick heartbeat, got %d", got)
	}

	// A later, clean tick's heartbeat (no preceding error) resets it.
	if err := e.dispatch(ctx, events.Event{Type: events.TypeHeartbeat, AuctionID: "A1", Timestamp: time.Now(), Tick: 2}); err != nil {
		t.Fatalf("dispatch HEARTBEAT returned error: %v", err)
	}
	if got := e.security.Streak("A1"); got != 0 {
		t.Errorf("expected streak reset to 0 after a subsequent clean tick, got %d", got)
	}
}

func TestEngine_HTTPErrorBackoffPushesControlCommand(t *testing.T) {
	e, processed, control, store := newTestEngine()
	ctx := context.Background()
	if err := store.UpsertAuction(ctx, domain.Auction{IDCot: "A1", State: domain.AuctionRunning}); err != nil {
		t.Fatalf("UpsertAuction error: %v", err)
	}

	for i := 0; i < security.DefaultConfig().BackoffAt; i++ {
		ev := events.Event{Type: events.TypeHTTPError, AuctionID: "A1", Timestamp: time.Now(), HTTPStatus: 500, ErrorMessage: "boom"}
		if err := e.dispatch(ctx, ev); err != nil {
			t.Fatalf("dispatch returned error: %v", err)
		}
		popProcessed(t, processed) // drain the LOG-level HTTP_ERROR forward
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	cmd, ok := control.Pop(cmdCtx)
	if !ok {
		t.Fatalf("expected a control command after crossing the backoff threshold")
	}
	if cmd.Kind != events.ControlSetPollSeconds {
		t.Errorf("expected ControlSetPollSeconds, got %s", cmd.Kind)
	}
}

func TestEngine_HTTPErrorStopEscalatesAuctionState(t *testing.T) {
	e, processed, control, store := newTestEngine()
	ctx := context.Background()
	if err := store.UpsertAuction(ctx, domain.Auction{IDCot: "A1", State: domain.AuctionRunning}); err != nil {
		t.Fatalf("UpsertAuction error: %v", err)
	}

	for i := 0; i < security.DefaultConfig().StopAt; i++ {
		ev := events.Event{Type: events.TypeHTTPError, AuctionID: "A1", Timestamp: time.Now(), HTTPStatus: 500, ErrorMessage: "boom"}
		if err := e.dispatch(ctx, ev); err != nil {
			t.Fatalf("dispatch returned error: %v", err)
		}
		popProcessed(t, processed)
	}

	auction, err := store.GetAuction(ctx, "A1")
	if err != nil {
		t.Fatalf("GetAuction error: %v", err)
	}
	if auction.State != domain.AuctionError {
		t.Errorf("expected auction state ERROR after error storm, got %s", auction.State)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	cmd, ok := control.Pop(cmdCtx)
	if !ok {
		t.Fatalf("expected a stop control command after crossing the stop threshold")
	}
	if cmd.Kind != events.ControlStop {
		t.Errorf("expected ControlStop, got %s", cmd.Kind)
	}
}

func TestEngine_SessionExpiredNeverConsultsSecurity(t *testing.T) {
	e, processed, _, store := newTestEngine()
	ctx := context.Background()
	if err := store.UpsertAuction(ctx, domain.Auction{IDCot: "A1", State: domain.AuctionRunning}); err != nil {
		t.Fatalf("UpsertAuction error: %v", err)
	}

	for i := 0; i < security.DefaultConfig().StopAt+5; i++ {
		ev := events.Event{Type: events.TypeHTTPError, AuctionID: "A1", Timestamp: time.Now(), HTTPStatus: 401, ErrorMessage: "unauthorized", SessionExpired: true}
		if err := e.dispatch(ctx, ev); err != nil {
			t.Fatalf("dispatch returned error: %v", err)
		}
		popProcessed(t, processed)
	}

	if got := e.security.Streak("A1"); got != 0 {
		t.Errorf("expected SecurityPolicy never consulted for session-expired errors, streak = %d", got)
	}
	auction, err := store.GetAuction(ctx, "A1")
	if err != nil {
		t.Fatalf("GetAuction error: %v", err)
	}
	if auction.State != domain.AuctionRunning {
		t.Errorf("expected auction to stay RUNNING on session-expired errors, got %s", auction.State)
	}
}

func TestEngine_EndMarksAuctionEnded(t *testing.T) {
	e, processed, _, store := newTestEngine()
	ctx := context.Background()
	if err := store.UpsertAuction(ctx, domain.Auction{IDCot: "A1", State: domain.AuctionRunning}); err != nil {
		t.Fatalf("UpsertAuction error: %v", err)
	}

	if err := e.dispatch(ctx, events.Event{Type: events.TypeEnd, AuctionID: "A1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("dispatch returned error: %v", err)
	}

	auction, err := store.GetAuction(ctx, "A1")
	if err != nil {
		t.Fatalf("GetAuction error: %v", err)
	}
	if auction.State != domain.AuctionEnded {
		t.Errorf("expected auction ENDED, got %s", auction.State)
	}
	out := popProcessed(t, processed)
	if out.Type != events.TypeEnd {
		t.Errorf("expected END forwarded, got %s", out.Type)
	}
}
