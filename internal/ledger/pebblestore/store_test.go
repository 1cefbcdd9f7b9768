package pebblestore

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/escrow/internal/ledger"
)

func newKey() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

func put(a *ledger.Account, expected uint64) ledger.Change {
	return ledger.Change{Kind: ledger.ChangePut, Address: a.Address, ExpectedVersion: expected, Account: a}
}

func TestStore_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger")

	s, err := Open(path, 0)
	require.NoError(t, err)

	owner := newKey()
	a := &ledger.Account{Address: newKey(), Owner: owner, Lamports: 10, Data: []byte{1, 2, 3}, Version: 1}
	b := &ledger.Account{Address: newKey(), Owner: owner, Lamports: 20, Data: []byte{4}, Version: 1}
	c := &ledger.Account{Address: newKey(), Owner: newKey(), Lamports: 30, Data: []byte{5}, Version: 1}
	require.NoError(t, s.Commit(ctx, []ledger.Change{put(a, 0), put(b, 0), put(c, 0)}))
	require.NoError(t, s.Close())

	_, err = s.Get(ctx, a.Address)
	assert.True(t, errors.Is(err, ErrDBClosed))

	s, err = Open(path, 2)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, a.Address)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	owned, err := s.ListByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, owned, 2)
	for _, acc := range owned {
		assert.Equal(t, owner, acc.Owner)
	}
	assert.True(t, owned[0].Address.String() < owned[1].Address.String())
}

func TestStore_CommitConflict(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "ledger"), 0)
	require.NoError(t, err)
	defer s.Close()

	a := &ledger.Account{Address: newKey(), Lamports: 1, Version: 1}
	require.NoError(t, s.Commit(ctx, []ledger.Change{put(a, 0)}))

	// warm the cache so a stale version is still caught against disk
	_, err = s.Get(ctx, a.Address)
	require.NoError(t, err)

	fresh := &ledger.Account{Address: newKey(), Lamports: 2, Version: 1}
	stale := &ledger.Account{Address: a.Address, Lamports: 99, Version: 1}
	err = s.Commit(ctx, []ledger.Change{put(fresh, 0), put(stale, 0)})
	assert.True(t, errors.Is(err, ledger.ErrConflict))

	got, err := s.Get(ctx, a.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Lamports)
	_, err = s.Get(ctx, fresh.Address)
	assert.True(t, errors.Is(err, ledger.ErrAccountNotFound))

	require.NoError(t, s.Commit(ctx, []ledger.Change{
		{Kind: ledger.ChangeDelete, Address: a.Address, ExpectedVersion: 1},
	}))
	_, err = s.Get(ctx, a.Address)
	assert.True(t, errors.Is(err, ledger.ErrAccountNotFound))
}

func TestStore_CacheFollowsCommits(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "ledger"), 0)
	require.NoError(t, err)
	defer s.Close()

	const commits = 200
	address := newKey()
	done := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		for v := uint64(1); v <= commits; v++ {
			a := &ledger.Account{Address: address, Lamports: v, Version: v}
			if err := s.Commit(ctx, []ledger.Change{put(a, v-1)}); err != nil {
				return err
			}
		}
		return nil
	})
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for {
				select {
				case <-done:
					return nil
				default:
				}
				// force the miss path so reads race the commits
				s.cache.Remove(address)
				if _, err := s.Get(ctx, address); err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
					return err
				}
			}
		})
	}
	require.NoError(t, g.Wait())

	cached, ok := s.cache.Peek(address)
	if ok {
		assert.Equal(t, uint64(commits), cached.Version)
	}
	got, err := s.Get(ctx, address)
	require.NoError(t, err)
	assert.Equal(t, uint64(commits), got.Version)
	assert.Equal(t, uint64(commits), got.Lamports)
}

func TestStore_Ledger(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "ledger"), 0)
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)
	l := ledger.New(ledger.Config{Store: s, Logger: log})
	defer l.Close()

	wallet := newKey()
	require.NoError(t, l.Airdrop(ctx, wallet, 7))
	require.NoError(t, l.Airdrop(ctx, wallet, 7))

	a, err := l.Account(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(14), a.Lamports)
	assert.Equal(t, uint64(2), a.Version)

	wallets, err := l.AccountsByOwner(ctx, solana.SystemProgramID)
	require.NoError(t, err)
	assert.Len(t, wallets, 1)
}
