// Package stored provides the durable relational store for auctions, line
// items, their latest observed state, user-maintained cost data, and the
// audit event log (spec §6, "Store schema").
package stored

import (
	"context"
	"errors"

	"github.com/vigiasubastas/monitor/internal/domain"
)

// Errors returned by Store implementations.
var (
	ErrNotFound = errors.New("stored: not found")
	ErrClosed   = errors.New("stored: store is closed")
)

// Store is the narrow typed interface the Engine uses to persist and read
// back state. Every call is transactional: the Engine never reads its own
// uncommitted writes through it (spec §6).
type Store interface {
	UpsertAuction(ctx context.Context, a domain.Auction) error
	GetAuction(ctx context.Context, idCot string) (domain.Auction, error)
	SetAuctionState(ctx context.Context, idCot string, state domain.AuctionState) error

	UpsertLineItem(ctx context.Context, li domain.LineItem) error
	ListLineItems(ctx context.Context, idCot string) ([]domain.LineItem, error)

	UpsertLineItemState(ctx context.Context, st domain.LineItemState) error
	GetLineItemState(ctx context.Context, idCot, idRenglon string) (domain.LineItemState, error)

	UpsertLineItemCosts(ctx context.Context, c domain.LineItemCosts) error
	GetLineItemCosts(ctx context.Context, idCot, idRenglon string) (domain.LineItemCosts, error)

	AppendEventLog(ctx context.Context, e domain.EventLog) error
	ListEventLog(ctx context.Context, idCot string, limit int) ([]domain.EventLog, error)

	GetUIConfig(ctx context.Context, key string) (string, error)
	SetUIConfig(ctx context.Context, key, value string) error

	// Close releases resources (connections, file handles).
	Close() error
}
