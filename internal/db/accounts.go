package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xtrntr/escrow/internal/ledger"
)

// AccountStore keeps ledger accounts in the accounts table
type AccountStore struct {
	db *DB
}

var _ ledger.Store = (*AccountStore)(nil)

// Accounts returns the ledger store backed by db
func (db *DB) Accounts() *AccountStore {
	return &AccountStore{db: db}
}

// Get retrieves one account
func (s *AccountStore) Get(ctx context.Context, address solana.PublicKey) (*ledger.Account, error) {
	var body []byte
	err := s.db.Pool.QueryRow(ctx, "SELECT body FROM accounts WHERE address = $1", address[:]).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, address)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return ledger.DecodeAccount(address, body)
}

// ListByOwner retrieves every account owned by owner, ordered by address
func (s *AccountStore) ListByOwner(ctx context.Context, owner solana.PublicKey) ([]*ledger.Account, error) {
	rows, err := s.db.Pool.Query(ctx,
		"SELECT address, body FROM accounts WHERE owner = $1 ORDER BY address",
		owner[:])
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*ledger.Account
	for rows.Next() {
		var address, body []byte
		if err := rows.Scan(&address, &body); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a, err := ledger.DecodeAccount(solana.PublicKeyFromBytes(address), body)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

// Commit applies changes in one serializable database transaction. Every
// touched row is locked before its version is compared; a serialization
// failure is reported as ledger.ErrConflict.
func (s *AccountStore) Commit(ctx context.Context, changes []ledger.Change) error {
	err := s.commit(ctx, changes)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == serializationFailure {
		return fmt.Errorf("%w: %s", ledger.ErrConflict, pgErr.Message)
	}
	return err
}

func (s *AccountStore) commit(ctx context.Context, changes []ledger.Change) error {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range changes {
		var version int64
		var stored *ledger.Account
		err := tx.QueryRow(ctx,
			"SELECT version FROM accounts WHERE address = $1 FOR UPDATE",
			c.Address[:]).Scan(&version)
		switch {
		case err == nil:
			stored = &ledger.Account{Version: uint64(version)}
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return fmt.Errorf("failed to lock account %s: %w", c.Address, err)
		}
		if err := ledger.CheckVersion(c, stored); err != nil {
			return err
		}
	}

	for _, c := range changes {
		switch c.Kind {
		case ledger.ChangePut:
			body, err := ledger.EncodeAccount(c.Account)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO accounts (address, owner, version, body) VALUES ($1, $2, $3, $4)
				ON CONFLICT (address) DO UPDATE SET owner = EXCLUDED.owner, version = EXCLUDED.version, body = EXCLUDED.body`,
				c.Address[:], c.Account.Owner[:], int64(c.Account.Version), body)
			if err != nil {
				return fmt.Errorf("failed to write account %s: %w", c.Address, err)
			}
		case ledger.ChangeDelete:
			if _, err := tx.Exec(ctx, "DELETE FROM accounts WHERE address = $1", c.Address[:]); err != nil {
				return fmt.Errorf("failed to delete account %s: %w", c.Address, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close is a no-op; the pool belongs to DB
func (s *AccountStore) Close() error {
	return nil
}
