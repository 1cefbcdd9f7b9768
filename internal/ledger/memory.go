package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// MemoryStore keeps accounts in a map
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[solana.PublicKey]*Account
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[solana.PublicKey]*Account)}
}

// Get returns a copy of the stored account
func (s *MemoryStore) Get(ctx context.Context, address solana.PublicKey) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[address]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a.Clone(), nil
}

// ListByOwner returns copies of all accounts owned by owner, ordered by address
func (s *MemoryStore) ListByOwner(ctx context.Context, owner solana.PublicKey) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Account
	for _, a := range s.accounts {
		if a.Owner.Equals(owner) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out, nil
}

// Commit validates every expected version before applying anything
func (s *MemoryStore) Commit(ctx context.Context, changes []Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range changes {
		if err := CheckVersion(c, s.accounts[c.Address]); err != nil {
			return err
		}
	}
	for _, c := range changes {
		switch c.Kind {
		case ChangePut:
			s.accounts[c.Address] = c.Account.Clone()
		case ChangeDelete:
			delete(s.accounts, c.Address)
		}
	}
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
