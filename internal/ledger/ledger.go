package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
)

const defaultMaxCommitRetries = 3

// Config wires a Ledger
type Config struct {
	Store Store
	Rent  Rent
	// MaxCommitRetries bounds how often a transaction is re-run after a
	// version conflict
	MaxCommitRetries int
	Logger           *logrus.Logger
	// OnCommitRetry, when set, is called before each re-run
	OnCommitRetry func()
}

// Ledger executes transactions against a Store one at a time
type Ledger struct {
	mu         sync.Mutex
	store      Store
	rent       Rent
	maxRetries int
	log        *logrus.Entry
	onRetry    func()

	programsMu sync.Mutex
	programs   map[solana.PublicKey]struct{}
}

// New creates a ledger over cfg.Store
func New(cfg Config) *Ledger {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Rent == (Rent{}) {
		cfg.Rent = DefaultRent()
	}
	if cfg.MaxCommitRetries <= 0 {
		cfg.MaxCommitRetries = defaultMaxCommitRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Ledger{
		store:      cfg.Store,
		rent:       cfg.Rent,
		maxRetries: cfg.MaxCommitRetries,
		log:        cfg.Logger.WithField("component", "ledger"),
		onRetry:    cfg.OnCommitRetry,
		programs: map[solana.PublicKey]struct{}{
			solana.SystemProgramID: {},
		},
	}
}

// RegisterProgram returns the only capability for program id
func (l *Ledger) RegisterProgram(id solana.PublicKey) (*ProgramAuthority, error) {
	l.programsMu.Lock()
	defer l.programsMu.Unlock()

	if _, ok := l.programs[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrProgramRegistered, id)
	}
	l.programs[id] = struct{}{}
	return &ProgramAuthority{id: id}, nil
}

// Rent returns the rent parameters
func (l *Ledger) Rent() Rent {
	return l.rent
}

// Execute runs fn as one all-or-nothing transaction over metas. If fn fails
// nothing is committed and its error is returned as is. Only the accounts in
// metas can be touched.
func (l *Ledger) Execute(ctx context.Context, metas []*solana.AccountMeta, fn func(*Txn) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		txn := newTxn(ctx, l.store, l.rent, metas)
		if err := fn(txn); err != nil {
			return err
		}

		changes := txn.changes()
		err := l.store.Commit(ctx, changes)
		if errors.Is(err, ErrConflict) && attempt < l.maxRetries {
			l.log.WithField("attempt", attempt+1).Warn("commit conflict, re-running transaction")
			if l.onRetry != nil {
				l.onRetry()
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}

		l.log.WithField("changes", len(changes)).Debug("transaction committed")
		return nil
	}
}

// Account reads committed state outside any transaction
func (l *Ledger) Account(ctx context.Context, address solana.PublicKey) (*Account, error) {
	return l.store.Get(ctx, address)
}

// AccountsByOwner lists committed accounts owned by a program
func (l *Ledger) AccountsByOwner(ctx context.Context, owner solana.PublicKey) ([]*Account, error) {
	return l.store.ListByOwner(ctx, owner)
}

// Airdrop credits lamports to address out of thin air
func (l *Ledger) Airdrop(ctx context.Context, address solana.PublicKey, lamports uint64) error {
	metas := []*solana.AccountMeta{solana.NewAccountMeta(address, true, false)}
	return l.Execute(ctx, metas, func(t *Txn) error {
		return t.Credit(address, lamports)
	})
}

// Close closes the underlying store
func (l *Ledger) Close() error {
	return l.store.Close()
}
