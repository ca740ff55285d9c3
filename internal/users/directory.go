// Package users resolves dashboard users by wallet address.
package users

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrMissingWallet = errors.New("no user wallet provided")
)

type User struct {
	ID          string    `json:"id"`
	Wallet      string    `json:"wallet"`
	Email       string    `json:"email,omitempty"`
	UnrealToken string    `json:"-"`
	IsActive    bool      `json:"isActive"`
	IsAdmin     bool      `json:"isAdmin"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Directory is the user store the payment pipeline reads. Wallet lookups
// ignore case.
type Directory interface {
	GetUserByWallet(ctx context.Context, wallet string) (*User, error)
	GetOrCreateUser(ctx context.Context, email, wallet string) (*User, bool, error)
	UpdateUserUnrealToken(ctx context.Context, wallet, token string) error
	DeleteUnrealTokenByWallet(ctx context.Context, wallet string) error
}

func normalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

// MemoryDirectory is mostly for testing.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryDirectory(seed ...User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]User)}
	for _, u := range seed {
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		d.users[normalizeWallet(u.Wallet)] = u
	}
	return d
}

func (d *MemoryDirectory) GetUserByWallet(_ context.Context, wallet string) (*User, error) {
	if strings.TrimSpace(wallet) == "" {
		return nil, ErrMissingWallet
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[normalizeWallet(wallet)]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (d *MemoryDirectory) GetOrCreateUser(_ context.Context, email, wallet string) (*User, bool, error) {
	if strings.TrimSpace(wallet) == "" {
		return nil, false, ErrMissingWallet
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := normalizeWallet(wallet)
	for _, u := range d.users {
		if email != "" && strings.EqualFold(u.Email, email) {
			return &u, false, nil
		}
	}
	if u, ok := d.users[key]; ok {
		return &u, false, nil
	}
	u := User{ID: uuid.NewString(), Wallet: wallet, Email: email, IsActive: true, CreatedAt: time.Now().UTC()}
	d.users[key] = u
	return &u, true, nil
}

func (d *MemoryDirectory) UpdateUserUnrealToken(_ context.Context, wallet, token string) error {
	return d.setToken(wallet, token)
}

func (d *MemoryDirectory) DeleteUnrealTokenByWallet(_ context.Context, wallet string) error {
	return d.setToken(wallet, "")
}

func (d *MemoryDirectory) setToken(wallet, token string) error {
	if strings.TrimSpace(wallet) == "" {
		return ErrMissingWallet
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := normalizeWallet(wallet)
	u, ok := d.users[key]
	if !ok {
		return ErrNotFound
	}
	u.UnrealToken = token
	d.users[key] = u
	return nil
}
