package stored

import (
	"context"
	"sync"

	"github.com/vigiasubastas/monitor/internal/domain"
)

// MemoryStore is an in-process Store backed by maps, guarded by a single
// mutex. It is used by replay runs and tests where a database is overkill.
type MemoryStore struct {
	mu sync.RWMutex

	auctions   map[string]domain.Auction
	lineItems  map[string]map[string]domain.LineItem
	states     map[string]map[string]domain.LineItemState
	costs      map[string]map[string]domain.LineItemCosts
	eventLog   map[string][]domain.EventLog
	uiConfig   map[string]string
	nextLogID  int64
	closed     bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions:  make(map[string]domain.Auction),
		lineItems: make(map[string]map[string]domain.LineItem),
		states:    make(map[string]map[string]domain.LineItemState),
		costs:     make(map[string]map[string]domain.LineItemCosts),
		eventLog:  make(map[string][]domain.EventLog),
		uiConfig:  make(map[string]string),
	}
}

func (s *MemoryStore) UpsertAuction(ctx context.Context, a domain.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.auctions[a.IDCot] = a
	return nil
}

func (s *MemoryStore) GetAuction(ctx context.Context, idCot string) (domain.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.Auction{}, ErrClosed
	}
	a, ok := s.auctions[idCot]
	if !ok {
		return domain.Auction{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) SetAuctionState(ctx context.Context, idCot string, state domain.AuctionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	a, ok := s.auctions[idCot]
	if !ok {
		return ErrNotFound
	}
	a.State = state
	s.auctions[idCot] = a
	return nil
}

func (s *MemoryStore) UpsertLineItem(ctx context.Context, li domain.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.lineItems[li.AuctionID] == nil {
		s.lineItems[li.AuctionID] = make(map[string]domain.LineItem)
	}
	s.lineItems[li.AuctionID][li.IDRenglon] = li
	return nil
}

func (s *MemoryStore) ListLineItems(ctx context.Context, idCot string) ([]domain.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []domain.LineItem
	for _, li := range s.lineItems[idCot] {
		out = append(out, li)
	}
	return out, nil
}

func (s *MemoryStore) UpsertLineItemState(ctx context.Context, st domain.LineItemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.states[st.AuctionID] == nil {
		s.states[st.AuctionID] = make(map[string]domain.LineItemState)
	}
	s.states[st.AuctionID][st.IDRenglon] = st
	return nil
}

func (s *MemoryStore) GetLineItemState(ctx context.Context, idCot, idRenglon string) (domain.LineItemState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.LineItemState{}, ErrClosed
	}
	m, ok := s.states[idCot]
	if !ok {
		return domain.LineItemState{}, ErrNotFound
	}
	st, ok := m[idRenglon]
	if !ok {
		return domain.LineItemState{}, ErrNotFound
	}
	return st, nil
}

func (s *MemoryStore) UpsertLineItemCosts(ctx context.Context, c domain.LineItemCosts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.costs[c.AuctionID] == nil {
		s.costs[c.AuctionID] = make(map[string]domain.LineItemCosts)
	}
	s.costs[c.AuctionID][c.IDRenglon] = c
	return nil
}

func (s *MemoryStore) GetLineItemCosts(ctx context.Context, idCot, idRenglon string) (domain.LineItemCosts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.LineItemCosts{}, ErrClosed
	}
	m, ok := s.costs[idCot]
	if !ok {
		return domain.LineItemCosts{}, ErrNotFound
	}
	c, ok := m[idRenglon]
	if !ok {
		return domain.LineItemCosts{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) AppendEventLog(ctx context.Context, e domain.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.nextLogID++
	e.ID = s.nextLogID
	s.eventLog[e.AuctionID] = append(s.eventLog[e.AuctionID], e)
	return nil
}

func (s *MemoryStore) ListEventLog(ctx context.Context, idCot string, limit int) ([]domain.EventLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	entries := s.eventLog[idCot]
	if limit <= 0 || limit >= len(entries) {
		out := make([]domain.EventLog, len(entries))
		for i := range entries {
			out[i] = entries[len(entries)-1-i]
		}
		return out, nil
	}
	out := make([]domain.EventLog, limit)
	for i := 0; i < limit; i++ {
		out[i] = entries[len(entries)-1-i]
	}
	return out, nil
}

func (s *MemoryStore) GetUIConfig(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrClosed
	}
	v, ok := s.uiConfig[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetUIConfig(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.uiConfig[key] = value
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
