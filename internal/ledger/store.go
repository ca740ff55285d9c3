// Package ledger persists payment claims and payment records. A transaction
// hash is accepted at most once, enforced by the storage layer.
package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrDuplicate     = errors.New("transaction hash already claimed")
	ErrNotFound      = errors.New("payment record not found")
	// ErrNotReleasable means the claim may still be in flight or already paid.
	ErrNotReleasable = errors.New("claim is not in a releasable state")
)

type Status string

const (
	StatusConfirmed      Status = "confirmed"
	StatusVerified       Status = "verified"
	StatusFraudSuspected Status = "fraud_suspected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusConfirmed, StatusVerified, StatusFraudSuspected:
		return true
	}
	return false
}

// ReservationState tracks a claim from acceptance to a persisted record.
type ReservationState string

const (
	ReservationReserved           ReservationState = "reserved"
	ReservationPersisted          ReservationState = "persisted"
	ReservationDisbursementFailed ReservationState = "disbursement_failed"
)

// Record is one paid top-up. It exists only after the reward transfer
// succeeded.
type Record struct {
	ID                    string          `json:"id"`
	UserID                string          `json:"userId"`
	WalletAddress         string          `json:"walletAddress"`
	TransactionHash       string          `json:"transactionHash"`
	RewardTransactionHash string          `json:"rewardTransactionHash,omitempty"`
	AmountUSDC            decimal.Decimal `json:"amountUsdc"`
	Credits               int64           `json:"credits"`
	Status                Status          `json:"status"`
	CreatedAt             time.Time       `json:"createdAt"`
	VerifiedAt            *time.Time      `json:"verifiedAt,omitempty"`
}

func (s ReservationState) Valid() bool {
	switch s {
	case ReservationReserved, ReservationPersisted, ReservationDisbursementFailed:
		return true
	}
	return false
}

type Reservation struct {
	TransactionHash string           `json:"transactionHash"`
	UserID          string           `json:"userId"`
	State           ReservationState `json:"state"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// Store abstracts payment persistence.
type Store interface {
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, txHash string) (*Record, error)
	// Reserve claims a hash before any side effect; ErrDuplicate if taken.
	Reserve(ctx context.Context, txHash, userID string) error
	MarkReservation(ctx context.Context, txHash string, state ReservationState) error
	// ListReservations returns claims in state, oldest first.
	ListReservations(ctx context.Context, state ReservationState, limit int) ([]Reservation, error)
	// Release frees a disbursement_failed claim so the payment can be
	// submitted again. Other states give ErrNotReleasable.
	Release(ctx context.Context, txHash string) error
	Insert(ctx context.Context, rec Record) error
	UpdateStatus(ctx context.Context, txHash string, status Status, verifiedAt *time.Time) error
	// ListByStatus returns records created before createdBefore (zero means
	// any time), oldest first.
	ListByStatus(ctx context.Context, status Status, createdBefore time.Time, limit int) ([]Record, error)
	SumCredits(ctx context.Context, userID string) (int64, error)
}

// NormalizeHash is the canonical storage key for a transaction hash.
func NormalizeHash(txHash string) string {
	return strings.ToLower(strings.TrimSpace(txHash))
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu           sync.RWMutex
	records      map[string]Record
	reservations map[string]Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:      make(map[string]Record),
		reservations: make(map[string]Reservation),
	}
}

func (m *MemoryStore) Get(_ context.Context, txHash string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[NormalizeHash(txHash)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Reserve(_ context.Context, txHash, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NormalizeHash(txHash)
	if _, ok := m.reservations[key]; ok {
		return ErrDuplicate
	}
	if _, ok := m.records[key]; ok {
		return ErrDuplicate
	}
	m.reservations[key] = Reservation{TransactionHash: key, UserID: userID, State: ReservationReserved, CreatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) MarkReservation(_ context.Context, txHash string, state ReservationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NormalizeHash(txHash)
	res, ok := m.reservations[key]
	if !ok {
		return ErrNotFound
	}
	res.State = state
	m.reservations[key] = res
	return nil
}

func (m *MemoryStore) ListReservations(_ context.Context, state ReservationState, limit int) ([]Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Reservation
	for _, res := range m.reservations {
		if res.State == state {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Release(_ context.Context, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NormalizeHash(txHash)
	res, ok := m.reservations[key]
	if !ok {
		return ErrNotFound
	}
	if res.State != ReservationDisbursementFailed {
		return ErrNotReleasable
	}
	if _, ok := m.records[key]; ok {
		return ErrNotReleasable
	}
	delete(m.reservations, key)
	return nil
}

// Reservation is exposed for tests.
func (m *MemoryStore) Reservation(txHash string) (Reservation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.reservations[NormalizeHash(txHash)]
	return res, ok
}

func (m *MemoryStore) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NormalizeHash(rec.TransactionHash)
	if _, ok := m.records[key]; ok {
		return ErrDuplicate
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.TransactionHash = key
	m.records[key] = rec
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, txHash string, status Status, verifiedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NormalizeHash(txHash)
	rec, ok := m.records[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.VerifiedAt = verifiedAt
	m.records[key] = rec
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, createdBefore time.Time, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records {
		if rec.Status != status {
			continue
		}
		if !createdBefore.IsZero() && !rec.CreatedAt.Before(createdBefore) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SumCredits(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, rec := range m.records {
		if rec.UserID == userID {
			total += rec.Credits
		}
	}
	return total, nil
}
