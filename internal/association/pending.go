package association

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Pending remembers an association that was submitted but not yet visible
// on the indexer, so a restarted client resumes polling instead of signing
// again.
type Pending struct {
	Account     string    `json:"address"`
	SubmittedAt time.Time `json:"timestamp"`
	TxHash      string    `json:"txHash"`
}

type PendingStore interface {
	// Load returns nil, nil when nothing is pending.
	Load(ctx context.Context) (*Pending, error)
	Save(ctx context.Context, p Pending) error
	Clear(ctx context.Context) error
}

// MemoryPendingStore is mostly for testing.
type MemoryPendingStore struct {
	mu      sync.Mutex
	pending *Pending
}

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{}
}

func (m *MemoryPendingStore) Load(context.Context) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return nil, nil
	}
	p := *m.pending
	return &p, nil
}

func (m *MemoryPendingStore) Save(_ context.Context, p Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = &p
	return nil
}

func (m *MemoryPendingStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	return nil
}

// FilePendingStore keeps the pending entry in a JSON file next to the
// client's other local state.
type FilePendingStore struct {
	path string
	mu   sync.Mutex
}

func NewFilePendingStore(path string) *FilePendingStore {
	return &FilePendingStore{path: path}
}

func (f *FilePendingStore) Load(context.Context) (*Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return nil, nil
	}
	var p Pending
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (f *FilePendingStore) Save(_ context.Context, p Pending) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FilePendingStore) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
