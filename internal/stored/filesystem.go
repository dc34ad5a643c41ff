package stored

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/vigiasubastas/monitor/internal/domain"
)

// FilesystemStore persists all tables together in one JSON snapshot file
// (snapshot.json) under a base directory. It is meant for single-operator deployments that want
// durability without running Postgres. All operations hold the in-memory
// snapshot in a MemoryStore and flush it to disk after every mutation.
type FilesystemStore struct {
	mu  sync.Mutex
	dir string
	mem *MemoryStore
}

type filesystemSnapshot struct {
	Auctions  map[string]domain.Auction                  `json:"auctions"`
	LineItems map[string]map[string]domain.LineItem      `json:"line_items"`
	States    map[string]map[string]domain.LineItemState `json:"states"`
	Costs     map[string]map[string]domain.LineItemCosts `json:"costs"`
	EventLog  map[string][]domain.EventLog               `json:"event_log"`
	UIConfig  map[string]string                          `json:"ui_config"`
	NextLogID int64                                       `json:"next_log_id"`
}

// NewFilesystemStore opens (or creates) a filesystem store rooted at dir.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fs := &FilesystemStore{dir: dir, mem: NewMemoryStore()}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FilesystemStore) snapshotPath() string {
	return filepath.Join(fs.dir, "snapshot.json")
}

func (fs *FilesystemStore) load() error {
	data, err := os.ReadFile(fs.snapshotPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap filesystemSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	fs.mem.mu.Lock()
	defer fs.mem.mu.Unlock()
	if snap.Auctions != nil {
		fs.mem.auctions = snap.Auctions
	}
	if snap.LineItems != nil {
		fs.mem.lineItems = snap.LineItems
	}
	if snap.States != nil {
		fs.mem.states = snap.States
	}
	if snap.Costs != nil {
		fs.mem.costs = snap.Costs
	}
	if snap.EventLog != nil {
		fs.mem.eventLog = snap.EventLog
	}
	if snap.UIConfig != nil {
		fs.mem.uiConfig = snap.UIConfig
	}
	fs.mem.nextLogID = snap.NextLogID
	return nil
}

// flush writes the current in-memory snapshot to disk. Caller must hold fs.mu.
func (fs *FilesystemStore) flush() error {
	fs.mem.mu.RLock()
	snap := filesystemSnapshot{
		Auctions:  fs.mem.auctions,
		LineItems: fs.mem.lineItems,
		States:    fs.mem.states,
		Costs:     fs.mem.costs,
		EventLog:  fs.mem.eventLog,
		UIConfig:  fs.mem.uiConfig,
		NextLogID: fs.mem.nextLogID,
	}
	fs.mem.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := fs.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, fs.snapshotPath())
}

func (fs *FilesystemStore) UpsertAuction(ctx context.Context, a domain.Auction) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.mem.UpsertAuction(ctx, a); err != nil {
		return err
	}
	return fs.flush()
}

func (fs *FilesystemStore) GetAuction(ctx context.Context, idCot string) (domain.Auction, error) {
	return fs.mem.GetAuction(ctx, idCot)
}

func (fs *FilesystemStore) SetAuctionState(ctx context.Context, idCot string, state domain.AuctionState) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.mem.SetAuctionState(ctx, idCot, state); err != nil {
		return err
	}
	return fs.flush()
}

func (fs *FilesystemStore) UpsertLineItem(ctx context.Context, li domain.LineItem) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.mem.UpsertLineItem(ctx, li); err != nil {
		return err
	}
	return fs.flush()
}

func (fs *FilesystemStore) ListLineItems(ctx context.Context, idCot string) ([]domain.LineItem, error) {
	return fs.mem.ListLineItems(ctx, idCot)
}

func (fs *FilesystemStore) UpsertLineItemState(ctx context.Context, st domain.LineItemState) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.mem.UpsertLineItemState(ctx, st); err != nil {
		return err
	}
	return fs.flush()
}

func (fs *FilesystemStore) GetLineItemState(ctx context.Context, idCot, idRenglon string) (domain.LineItemState, error) {
	return fs.mem.GetLineItemState(ctx, idCot, idRenglon)
}

func (fs *FilesystemStore) UpsertLineItemCosts(ctx context.Context, c domain.LineItemCosts) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.mem.UpsertLineItemCosts(ctx, c); err != nil {
		return err
	}
	return fs.flush()
}

func (fs *FilesystemStore) GetLineItemCosts(ctx context.Context, idCot, idRenglon string) (domain.LineItemCosts, error) {
	return fs.mem.GetLineItemCosts(ctx, idCot, idRenglon)
}

func (fs *FilesystemStore) AppendEventLog(ctx context.Context, e domain.EventLog) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.mem.AppendEventLog(ctx, e); err != nil {
		return err
	}
	return fs.flush()
}

func (fs *FilesystemStore) ListEventLog(ctx context.Context, idCot string, limit int) ([]domain.EventLog, error) {
	return fs.mem.ListEventLog(ctx, idCot, limit)
}

func (fs *FilesystemStore) GetUIConfig(ctx context.Context, key string) (string, error) {
	return fs.mem.GetUIConfig(ctx, key)
}

func (fs *FilesystemStore) SetUIConfig(ctx context.Context, key, value string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.mem.SetUIConfig(ctx, key, value); err != nil {
		return err
	}
	return fs.flush()
}

func (fs *FilesystemStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mem.Close()
}
