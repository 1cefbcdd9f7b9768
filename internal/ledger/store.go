package ledger

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// ChangeKind says what a Change does to its address on commit
type ChangeKind int

const (
	// ChangeCheck only asserts the address still has the version that was read
	ChangeCheck ChangeKind = iota
	// ChangePut inserts or overwrites the account
	ChangePut
	// ChangeDelete removes the account
	ChangeDelete
)

// Change is one entry of a commit. ExpectedVersion is the version observed
// when the transaction read the address (0 when it did not exist).
type Change struct {
	Kind            ChangeKind
	Address         solana.PublicKey
	ExpectedVersion uint64
	Account         *Account
}

// Store persists ledger accounts. Commit must apply all changes or none and
// fail with ErrConflict when any ExpectedVersion is stale.
type Store interface {
	Get(ctx context.Context, address solana.PublicKey) (*Account, error)
	ListByOwner(ctx context.Context, owner solana.PublicKey) ([]*Account, error)
	Commit(ctx context.Context, changes []Change) error
	Close() error
}

// CheckVersion compares what a change expects with the stored account (nil
// when absent). Stores call it under their own lock or transaction.
func CheckVersion(c Change, stored *Account) error {
	var have uint64
	if stored != nil {
		have = stored.Version
	}
	if have != c.ExpectedVersion {
		return ErrConflict
	}
	return nil
}
