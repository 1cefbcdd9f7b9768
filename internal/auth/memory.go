package auth

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/xtrntr/escrow/internal/models"
)

// MemoryUserStore is a UserStore for the memory and pebble backends
type MemoryUserStore struct {
	mu      sync.RWMutex
	nextID  int
	byName  map[string]*models.User
	wallets map[solana.PublicKey]struct{}
}

// NewMemoryUserStore creates an empty store
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		nextID:  1,
		byName:  make(map[string]*models.User),
		wallets: make(map[solana.PublicKey]struct{}),
	}
}

func (m *MemoryUserStore) CreateUser(ctx context.Context, username, passwordHash string, wallet solana.PublicKey) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[username]; ok {
		return nil, models.ErrUserExists
	}
	if _, ok := m.wallets[wallet]; ok {
		return nil, models.ErrUserExists
	}
	u := &models.User{
		ID:           m.nextID,
		Username:     username,
		PasswordHash: passwordHash,
		Wallet:       wallet,
		CreatedAt:    time.Now().UTC(),
	}
	m.nextID++
	m.byName[username] = u
	m.wallets[wallet] = struct{}{}

	out := *u
	return &out, nil
}

func (m *MemoryUserStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.byName[username]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	out := *u
	return &out, nil
}
