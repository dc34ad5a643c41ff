// Package domain holds the core entities monitored by the system: auctions,
// their line items, observed state, user-supplied costs, and the event log.
package domain

import "time"

// AuctionState is the lifecycle state of an Auction.
type AuctionState string

const (
	AuctionRunning AuctionState = "RUNNING"
	AuctionPaused  AuctionState = "PAUSED"
	AuctionEnded   AuctionState = "ENDED"
	AuctionError   AuctionState = "ERROR"
)

// Auction is one portal bidding session ("cotización"), identified by a
// portal-assigned opaque id_cot. id_cot is never numeric for matching
// purposes; leading zeros are significant and it must be kept as a string.
type Auction struct {
	IDCot        string
	URL          string
	State        AuctionState
	StartedAt    time.Time
	EndedAt      *time.Time
	LastOKAt     time.Time
	LastHTTPCode int
	ErrorStreak  int
	ProviderID   string
}

// LineItem is one purchasable row ("renglón") inside an Auction.
type LineItem struct {
	AuctionID       string
	IDRenglon       string
	Description     string
	Quantity        float64
	ItemsPerRenglon int
	MinMargin       float64 // fraction, 0.30 ≡ 30%
}

// LineItemState is the latest observed state of a LineItem. At most one
// exists per LineItem. Numerics are nil when never observed.
type LineItemState struct {
	AuctionID     string
	IDRenglon     string
	BestOffer     *float64
	BestOfferText string
	MinToBeat     *float64
	MinToBeatText string
	Budget        *float64
	BudgetText    string
	PortalStatus  string
	Finalized     bool
	UpdatedAt     time.Time
}

// LineItemCosts is the user-supplied cost record for a LineItem. UnitCostARS,
// TotalCostARS, UnitCostUSD and TotalCostUSD form the bidirectional pair
// described by the Engine's cost-resolution rule.
type LineItemCosts struct {
	AuctionID     string
	IDRenglon     string
	UnitOfMeasure string
	Brand         string
	Notes         string
	FXRate        *float64
	UnitCostARS   *float64
	TotalCostARS  *float64
	UnitCostUSD   *float64
	TotalCostUSD  *float64
	MinMargin     float64
}

// Offer is one entry in a LineItem's OfferBook.
type Offer struct {
	IDOferta      int64
	IDRenglon     string
	IDProveedor   string
	ProviderLabel string
	Monto         float64
	DisplayText   string
	Hora          string
	IsLeader      bool
}

// OfferBook is the ordered list of offers the Collector emits for a line
// item in a single observation.
type OfferBook []Offer

// Leader returns the current-leader offer: the one whose label carries the
// leader marker, or, if none does, the first by Monto ascending with ties
// broken by earlier Hora.
func (b OfferBook) Leader() (Offer, bool) {
	for _, o := range b {
		if o.IsLeader {
			return o, true
		}
	}
	if len(b) == 0 {
		return Offer{}, false
	}
	best := b[0]
	for _, o := range b[1:] {
		if o.Monto < best.Monto || (o.Monto == best.Monto && o.Hora < best.Hora) {
			best = o
		}
	}
	return best, true
}

// EventLogLevel is the severity of an EventLog entry.
type EventLogLevel string

const (
	LevelDebug EventLogLevel = "DEBUG"
	LevelInfo  EventLogLevel = "INFO"
	LevelWarn  EventLogLevel = "WARN"
	LevelError EventLogLevel = "ERROR"
)

// EventLog is one append-only audit entry.
type EventLog struct {
	ID        int64
	Level     EventLogLevel
	Type      string
	AuctionID string
	IDRenglon string
	Message   string
	CreatedAt time.Time
}

// LineItemObservation is the typed record a Collector emits once per tick
// per active line item (spec §9: "parse once into a typed record at the
// Collector boundary").
type LineItemObservation struct {
	IDRenglon     string
	Description   string
	Offers        OfferBook
	BestOffer     *float64
	BestOfferText string
	MinToBeat     *float64
	MinToBeatText string
	Budget        *float64
	BudgetText    string
	PortalStatus  string
	Finalized     bool
	HTTPStatus    int
}

// Changed reports whether o differs from prev in any field the Collector's
// tick semantics dedup on (spec §4.2).
func (o LineItemObservation) Changed(prev *LineItemState) bool {
	if prev == nil {
		return true
	}
	if !floatEq(o.BestOffer, prev.BestOffer) {
		return true
	}
	if !floatEq(o.MinToBeat, prev.MinToBeat) {
		return true
	}
	if !floatEq(o.Budget, prev.Budget) {
		return true
	}
	if o.PortalStatus != prev.PortalStatus {
		return true
	}
	if o.Finalized != prev.Finalized {
		return true
	}
	return false
}

func floatEq(a, b *float64) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}
