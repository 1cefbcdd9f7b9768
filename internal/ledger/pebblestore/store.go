// Package pebblestore persists ledger accounts in a pebble database with an
// LRU of decoded accounts in front of it.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/gagliardetto/solana-go"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xtrntr/escrow/internal/ledger"
)

const defaultCacheSize = 4096

var (
	ErrDBClosed = errors.New("database is closed")

	accountPrefix = []byte("acct/")
	// first key past every accountPrefix key ('/'+1 == '0')
	accountUpper = []byte("acct0")
)

// Store implements ledger.Store on pebble
type Store struct {
	// mu serializes commits so version checks and the batch are atomic.
	// Cache fills on a miss happen under mu too, so a read that raced a
	// commit never lands in the cache after the newer version.
	mu    sync.Mutex
	db    *pebble.DB
	cache *lru.Cache[solana.PublicKey, *ledger.Account]
}

// Open opens or creates the database at path
func Open(path string, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	cache, err := lru.New[solana.PublicKey, *ledger.Account](cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create account cache: %w", err)
	}
	return &Store{db: db, cache: cache}, nil
}

func accountKey(address solana.PublicKey) []byte {
	return append(append([]byte(nil), accountPrefix...), address[:]...)
}

// Get reads an account, serving from cache when possible
func (s *Store) Get(ctx context.Context, address solana.PublicKey) (*ledger.Account, error) {
	if s.db == nil {
		return nil, ErrDBClosed
	}
	if a, ok := s.cache.Get(address); ok {
		return a.Clone(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrDBClosed
	}
	if a, ok := s.cache.Get(address); ok {
		return a.Clone(), nil
	}
	a, err := s.read(address)
	if err != nil {
		return nil, err
	}
	s.cache.Add(address, a.Clone())
	return a, nil
}

func (s *Store) read(address solana.PublicKey) (*ledger.Account, error) {
	val, closer, err := s.db.Get(accountKey(address))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, err
	}
	defer closer.Close()

	// val is only valid until closer is called
	return ledger.DecodeAccount(address, append([]byte(nil), val...))
}

// ListByOwner scans every account and keeps those owned by owner
func (s *Store) ListByOwner(ctx context.Context, owner solana.PublicKey) ([]*ledger.Account, error) {
	if s.db == nil {
		return nil, ErrDBClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: accountPrefix,
		UpperBound: accountUpper,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []*ledger.Account
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		address := solana.PublicKeyFromBytes(iter.Key()[len(accountPrefix):])
		a, err := ledger.DecodeAccount(address, append([]byte(nil), iter.Value()...))
		if err != nil {
			return nil, err
		}
		if a.Owner.Equals(owner) {
			out = append(out, a)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out, nil
}

// Commit checks versions against disk and writes all changes in one synced batch
func (s *Store) Commit(ctx context.Context, changes []ledger.Change) error {
	if s.db == nil {
		return ErrDBClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrDBClosed
	}

	for _, c := range changes {
		stored, err := s.read(c.Address)
		if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
			return err
		}
		if err := ledger.CheckVersion(c, stored); err != nil {
			return err
		}
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, c := range changes {
		switch c.Kind {
		case ledger.ChangePut:
			val, err := ledger.EncodeAccount(c.Account)
			if err != nil {
				return err
			}
			if err := batch.Set(accountKey(c.Address), val, nil); err != nil {
				return err
			}
		case ledger.ChangeDelete:
			if err := batch.Delete(accountKey(c.Address), nil); err != nil {
				return err
			}
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	for _, c := range changes {
		switch c.Kind {
		case ledger.ChangePut:
			s.cache.Add(c.Address, c.Account.Clone())
		case ledger.ChangeDelete:
			s.cache.Remove(c.Address)
		}
	}
	return nil
}

// Close flushes and closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.cache.Purge()
	return err
}

var _ ledger.Store = (*Store)(nil)
