package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vigiasubastas/monitor/internal/collector"
	"github.com/vigiasubastas/monitor/internal/events"
)

// recordingEmit is a collector.Emit that appends every pushed event, safe
// for concurrent use by a running tick loop and a watching test goroutine.
type recordingEmit struct {
	mu   sync.Mutex
	evts []events.Event
}

func (r *recordingEmit) Push(ctx context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evts = append(r.evts, e)
	return nil
}

func (r *recordingEmit) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evts...)
}

func offerEnvelope(best float64, budget, minToBeat string) []byte {
	d := fmt.Sprintf(`[{"id_oferta_subasta":1,"id_renglon":"1","id_proveedor":"200","monto":%g,"proveedor":"Acme","mejor_oferta":"Vigente","hora":"10:00:00","monto_a_mostrar":"%g"}]@@%s@@%s@@`, best, best, budget, minToBeat)
	b, _ := json.Marshal(collector.PortalResponse{D: d})
	return b
}

func buildTimeline() []TimelineEntry {
	return []TimelineEntry{
		{Tick: 1, Status: 200, Renglones: []RenglonEntry{{IDRenglon: "1", Descripcion: "widget", ResponseJSON: offerEnvelope(1000, "2000000", "900")}}},
		{Tick: 3, Status: 200, Renglones: []RenglonEntry{{IDRenglon: "1", Descripcion: "widget", ResponseJSON: offerEnvelope(900, "2000000", "800")}}},
		{Tick: 5, Status: 500, ErrorMessage: "portal 500"},
		{Tick: 7, Status: 502, ErrorMessage: "portal 502"},
		{Tick: 10, Status: 200, Renglones: []RenglonEntry{{IDRenglon: "1", Descripcion: "widget", ResponseJSON: offerEnvelope(800, "2000000", "700")}}},
		{Tick: 14, Status: 200, Renglones: []RenglonEntry{{IDRenglon: "1", Descripcion: "widget", ResponseJSON: offerEnvelope(700, "2000000", "600")}}},
		{Tick: 18, Status: 200, Event: EventEndAuction, Renglones: []RenglonEntry{{IDRenglon: "1", Descripcion: "widget", ResponseJSON: offerEnvelope(600, "2000000", "500")}}},
	}
}

func newTestScenario() *Scenario {
	return &Scenario{
		ScenarioName: "s1",
		Subasta:      SubastaRef{IDCot: "AUC-1", URL: "http://portal.example/AUC-1"},
		Config:       ScenarioConfig{TickDurationSeconds: 0.002, MaxTicks: 20},
		Timeline:     buildTimeline(),
	}
}

func TestCollector_S1_DecreasingOffersAndErrorCount(t *testing.T) {
	scn := newTestScenario()
	emit := &recordingEmit{}
	cfg := collector.DefaultConfig()
	cfg.PollInterval = 2 * time.Millisecond

	c := New(scn, emit, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Start(ctx, scn.Subasta.IDCot, []string{scn.Subasta.URL}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	deadline := time.After(1500 * time.Millisecond)
	for {
		found := false
		for _, e := range emit.snapshot() {
			if e.Type == events.TypeEnd {
				found = true
				break
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for END event")
		case <-time.After(5 * time.Millisecond):
		}
	}
	_ = c.Stop()

	evts := emit.snapshot()

	var updates []events.Event
	var httpErrors int
	var heartbeats int
	sawSnapshot := false
	sawEnd := false
	for _, e := range evts {
		switch e.Type {
		case events.TypeSnapshot:
			sawSnapshot = true
		case events.TypeUpdate:
			updates = append(updates, e)
		case events.TypeHTTPError:
			httpErrors++
		case events.TypeHeartbeat:
			heartbeats++
		case events.TypeEnd:
			sawEnd = true
		}
	}

	if !sawSnapshot {
		t.Errorf("expected a SNAPSHOT event")
	}
	if !sawEnd {
		t.Errorf("expected an END event")
	}
	if httpErrors != 2 {
		t.Errorf("expected exactly 2 HTTP_ERROR events, got %d", httpErrors)
	}
	if heartbeats == 0 {
		t.Errorf("expected at least one HEARTBEAT event")
	}
	if len(updates) == 0 {
		t.Fatalf("expected at least one UPDATE event")
	}

	var last *float64
	for _, u := range updates {
		best := u.Observation.BestOffer
		if best == nil {
			t.Fatalf("UPDATE event missing BestOffer")
		}
		if last != nil && *best >= *last {
			t.Errorf("expected strictly decreasing best offer, got %v after %v", *best, *last)
		}
		last = best
	}
	if *last != 600 {
		t.Errorf("expected final best offer 600, got %v", *last)
	}
}

// TestCollector_S2_MultiLineOnlyChangedItemEmitsUpdate covers spec S2:
// three independent line items where a given tick only changes one of them
// must emit exactly one UPDATE, not three.
func TestCollector_S2_MultiLineOnlyChangedItemEmitsUpdate(t *testing.T) {
	scn := &Scenario{
		ScenarioName: "s2",
		Subasta:      SubastaRef{IDCot: "AUC-2", URL: "http://portal.example/AUC-2"},
		Config:       ScenarioConfig{TickDurationSeconds: 0.002, MaxTicks: 5},
		Timeline: []TimelineEntry{
			{Tick: 1, Status: 200, Renglones: []RenglonEntry{
				{IDRenglon: "836160", Descripcion: "a", ResponseJSON: offerEnvelope(1000, "2000000", "900")},
				{IDRenglon: "836161", Descripcion: "b", ResponseJSON: offerEnvelope(2000, "3000000", "1900")},
				{IDRenglon: "836162", Descripcion: "c", ResponseJSON: offerEnvelope(3000, "4000000", "2900")},
			}},
			// tick 2 changes only 836160
			{Tick: 2, Status: 200, Renglones: []RenglonEntry{
				{IDRenglon: "836160", Descripcion: "a", ResponseJSON: offerEnvelope(900, "2000000", "800")},
				{IDRenglon: "836161", Descripcion: "b", ResponseJSON: offerEnvelope(2000, "3000000", "1900")},
				{IDRenglon: "836162", Descripcion: "c", ResponseJSON: offerEnvelope(3000, "4000000", "2900")},
			}},
			// tick 4 changes only 836162
			{Tick: 4, Status: 200, Renglones: []RenglonEntry{
				{IDRenglon: "836160", Descripcion: "a", ResponseJSON: offerEnvelope(900, "2000000", "800")},
				{IDRenglon: "836161", Descripcion: "b", ResponseJSON: offerEnvelope(2000, "3000000", "1900")},
				{IDRenglon: "836162", Descripcion: "c", ResponseJSON: offerEnvelope(2500, "4000000", "2400")},
			}},
			// tick 5 ends the auction without line data, so the end marker's
			// finalized flag does not add an UPDATE to any line item
			{Tick: 5, Status: 200, Event: EventEndAuction},
		},
	}

	emit := &recordingEmit{}
	cfg := collector.DefaultConfig()
	cfg.PollInterval = 2 * time.Millisecond
	c := New(scn, emit, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx, scn.Subasta.IDCot, []string{scn.Subasta.URL}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	deadline := time.After(1500 * time.Millisecond)
	for {
		sawEnd := false
		for _, e := range emit.snapshot() {
			if e.Type == events.TypeEnd {
				sawEnd = true
			}
		}
		if sawEnd {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for END event")
		case <-time.After(5 * time.Millisecond):
		}
	}
	_ = c.Stop()

	updatesByRenglon := map[string]int{}
	for _, e := range emit.snapshot() {
		if e.Type == events.TypeUpdate {
			updatesByRenglon[e.IDRenglon]++
		}
	}

	// Tick 1 (first observation for every item) plus the one further
	// change each of 836160 and 836162 independently picked up.
	if updatesByRenglon["836160"] != 2 {
		t.Errorf("836160: expected 2 UPDATEs (initial + tick-2 change), got %d", updatesByRenglon["836160"])
	}
	if updatesByRenglon["836161"] != 1 {
		t.Errorf("836161: expected 1 UPDATE (initial only, never changed again), got %d", updatesByRenglon["836161"])
	}
	if updatesByRenglon["836162"] != 2 {
		t.Errorf("836162: expected 2 UPDATEs (initial + tick-4 change), got %d", updatesByRenglon["836162"])
	}
}

func TestScenario_ValidateRejectsNonMonotonicTicks(t *testing.T) {
	scn := newTestScenario()
	scn.Timeline[1].Tick = 1 // duplicate of entry 0
	if err := scn.Validate(); err == nil {
		t.Fatalf("expected validation error for non-ascending ticks")
	}
}

func TestScenario_ValidateRejectsDisallowedStatus(t *testing.T) {
	scn := newTestScenario()
	scn.Timeline[0].Status = 418
	if err := scn.Validate(); err == nil {
		t.Fatalf("expected validation error for disallowed status code")
	}
}

func TestScenario_ValidateRejectsMalformedEnvelope(t *testing.T) {
	scn := newTestScenario()
	scn.Timeline[0].Renglones[0].ResponseJSON = []byte(`{"d":"onlyonesegment"}`)
	if err := scn.Validate(); err == nil {
		t.Fatalf("expected validation error for malformed @@ segmentation")
	}
}

func TestCollector_CaptureCurrentForcesImmediateTick(t *testing.T) {
	scn := newTestScenario()
	scn.Config.TickDurationSeconds = 5 // would never fire naturally within the test window
	scn.Config.MaxTicks = 1
	emit := &recordingEmit{}
	cfg := collector.DefaultConfig()
	cfg.PollInterval = 5 * time.Second

	c := New(scn, emit, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Start(ctx, scn.Subasta.IDCot, []string{scn.Subasta.URL}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	c.CaptureCurrent()

	deadline := time.After(1 * time.Second)
	for {
		hasHeartbeat := false
		for _, e := range emit.snapshot() {
			if e.Type == events.TypeHeartbeat {
				hasHeartbeat = true
			}
		}
		if hasHeartbeat {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("CaptureCurrent did not force an immediate tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
	_ = c.Stop()
}
