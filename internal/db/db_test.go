package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/xtrntr/escrow/internal/ledger"
	"github.com/xtrntr/escrow/internal/models"
)

var testDB *DB

func TestMain(m *testing.M) {
	dsn := os.Getenv("ESCROW_TEST_POSTGRES_DSN")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "ESCROW_TEST_POSTGRES_DSN not set, skipping postgres tests")
		os.Exit(0)
	}

	var err error
	testDB, err = NewDB(context.Background(), dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(context.Background())
	os.Exit(code)
}

func truncate(t *testing.T) {
	t.Helper()
	_, err := testDB.Pool.Exec(context.Background(), "TRUNCATE TABLE users, accounts, settlements RESTART IDENTITY")
	if err != nil {
		t.Fatalf("Failed to clean up database: %v", err)
	}
}

func newKey() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

func TestDB_CreateUser(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	wallet := newKey()

	user, err := testDB.CreateUser(ctx, "alice", "hash", wallet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.ID != 1 || user.Username != "alice" || !user.Wallet.Equals(wallet) {
		t.Errorf("unexpected user: %+v", user)
	}

	tests := []struct {
		name     string
		username string
		wallet   solana.PublicKey
	}{
		{name: "DuplicateUsername", username: "alice", wallet: newKey()},
		{name: "DuplicateWallet", username: "bob", wallet: wallet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testDB.CreateUser(ctx, tt.username, "hash", tt.wallet)
			if !errors.Is(err, models.ErrUserExists) {
				t.Errorf("expected ErrUserExists, got %v", err)
			}
		})
	}

	got, err := testDB.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Wallet.Equals(wallet) || got.PasswordHash != "hash" {
		t.Errorf("unexpected user: %+v", got)
	}

	if _, err := testDB.GetUserByUsername(ctx, "nobody"); !errors.Is(err, models.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestDB_Settlements(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	alice, bob, carol := newKey(), newKey(), newKey()

	older := &models.Settlement{
		ID:           uuid.NewString(),
		Offer:        newKey(),
		OfferID:      ^uint64(0),
		Maker:        alice,
		Taker:        bob,
		TokenMintA:   newKey(),
		TokenMintB:   newKey(),
		TokenAAmount: 1_000_000,
		TokenBAmount: ^uint64(0) - 1,
		SettledAt:    time.Now().Add(-time.Minute).UTC().Truncate(time.Microsecond),
	}
	newer := *older
	newer.ID = uuid.NewString()
	newer.Maker, newer.Taker = carol, alice
	newer.SettledAt = time.Now().UTC().Truncate(time.Microsecond)

	for _, s := range []*models.Settlement{older, &newer} {
		if err := testDB.RecordSettlement(ctx, s); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	tests := []struct {
		name  string
		party solana.PublicKey
		ids   []string
	}{
		{name: "MakerAndTaker", party: alice, ids: []string{newer.ID, older.ID}},
		{name: "TakerOnly", party: bob, ids: []string{older.ID}},
		{name: "Stranger", party: newKey(), ids: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := testDB.ListSettlements(ctx, tt.party)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.ids) {
				t.Fatalf("expected %d settlements, got %d", len(tt.ids), len(got))
			}
			for i, id := range tt.ids {
				if got[i].ID != id {
					t.Errorf("settlement %d: expected %s, got %s", i, id, got[i].ID)
				}
			}
		})
	}

	got, err := testDB.ListSettlements(ctx, bob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0].OfferID != older.OfferID || got[0].TokenBAmount != older.TokenBAmount || !got[0].TokenMintA.Equals(older.TokenMintA) {
		t.Errorf("settlement did not survive the round trip: %+v", got[0])
	}
}

func TestAccountStore_Commit(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	store := testDB.Accounts()
	owner := newKey()
	addr := newKey()

	put := ledger.Change{
		Kind:    ledger.ChangePut,
		Address: addr,
		Account: &ledger.Account{Address: addr, Owner: owner, Lamports: 10, Data: []byte{1, 2, 3}, Version: 1},
	}
	if err := store.Commit(ctx, []ledger.Change{put}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.Get(ctx, addr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Lamports != 10 || got.Version != 1 || !got.Owner.Equals(owner) || string(got.Data) != "\x01\x02\x03" {
		t.Errorf("unexpected account: %+v", got)
	}

	// Stale version: the whole commit is refused
	other := newKey()
	stale := []ledger.Change{
		{Kind: ledger.ChangePut, Address: other, Account: &ledger.Account{Address: other, Owner: owner, Version: 1}},
		{Kind: ledger.ChangeDelete, Address: addr, ExpectedVersion: 0},
	}
	if err := store.Commit(ctx, stale); !errors.Is(err, ledger.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if _, err := store.Get(ctx, other); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Errorf("expected nothing written, got %v", err)
	}

	owned, err := store.ListByOwner(ctx, owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(owned) != 1 || !owned[0].Address.Equals(addr) {
		t.Errorf("unexpected owned accounts: %+v", owned)
	}

	del := ledger.Change{Kind: ledger.ChangeDelete, Address: addr, ExpectedVersion: 1}
	if err := store.Commit(ctx, []ledger.Change{del}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Get(ctx, addr); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAccountStore_Concurrent(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	store := testDB.Accounts()
	addr := newKey()

	var wg sync.WaitGroup
	n := 10
	wg.Add(n)
	successCount := 0
	mu := sync.Mutex{}

	// Every writer read "absent"; only one insert may win
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			change := ledger.Change{
				Kind:    ledger.ChangePut,
				Address: addr,
				Account: &ledger.Account{Address: addr, Owner: solana.SystemProgramID, Lamports: uint64(i), Version: 1},
			}
			if err := store.Commit(ctx, []ledger.Change{change}); err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if successCount != 1 {
		t.Errorf("expected exactly 1 successful commit, got %d", successCount)
	}
}

func TestAccountStore_Ledger(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	l := ledger.New(ledger.Config{Store: testDB.Accounts()})
	wallet := newKey()

	if err := l.Airdrop(ctx, wallet, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Airdrop(ctx, wallet, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, err := l.Account(ctx, wallet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Lamports != 1000 || a.Version != 2 {
		t.Errorf("unexpected account: %+v", a)
	}
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()

	// already applied by NewDB in TestMain, a second run is a no-op
	if err := Migrate(os.Getenv("ESCROW_TEST_POSTGRES_DSN")); err != nil {
		t.Fatalf("Migrate() again: %v", err)
	}

	for _, table := range []string{"users", "accounts", "settlements"} {
		var exists bool
		err := testDB.Pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&exists)
		if err != nil {
			t.Fatalf("Failed to look up %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s missing after migration", table)
		}
	}
}
