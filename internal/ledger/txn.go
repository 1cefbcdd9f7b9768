package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"
)

type action int

const (
	// actionCache means the address was read but not modified
	actionCache action = iota
	actionInsert
	actionModify
	actionErase
)

type tracked struct {
	action action
	// version read from the store, 0 if the address was absent
	version uint64
	current *Account
}

// table holds the staged state shared by a Txn and its signer views
type table struct {
	ctx   context.Context
	base  Store
	rent  Rent
	metas map[solana.PublicKey]*solana.AccountMeta
	items map[solana.PublicKey]*tracked
}

// Txn stages reads and writes of one transaction. Nothing reaches the store
// until Ledger.Execute commits it; a failed transaction leaves no trace.
type Txn struct {
	*table
	signers map[solana.PublicKey]bool
}

func newTxn(ctx context.Context, base Store, rent Rent, metas []*solana.AccountMeta) *Txn {
	t := &Txn{
		table: &table{
			ctx:   ctx,
			base:  base,
			rent:  rent,
			metas: make(map[solana.PublicKey]*solana.AccountMeta, len(metas)),
			items: make(map[solana.PublicKey]*tracked),
		},
		signers: make(map[solana.PublicKey]bool),
	}
	for _, m := range metas {
		if m == nil {
			continue
		}
		// Duplicate metas merge their privileges
		if prev, ok := t.metas[m.PublicKey]; ok {
			prev.IsSigner = prev.IsSigner || m.IsSigner
			prev.IsWritable = prev.IsWritable || m.IsWritable
		} else {
			t.metas[m.PublicKey] = &solana.AccountMeta{
				PublicKey:  m.PublicKey,
				IsSigner:   m.IsSigner,
				IsWritable: m.IsWritable,
			}
		}
		if m.IsSigner {
			t.signers[m.PublicKey] = true
		}
	}
	return t
}

// Context returns the context the transaction runs under
func (t *Txn) Context() context.Context {
	return t.ctx
}

// Rent returns the rent parameters in force
func (t *Txn) Rent() Rent {
	return t.rent
}

// IsSigner reports whether address signed the transaction, directly or as
// a program-derived address signed for by its program
func (t *Txn) IsSigner(address solana.PublicKey) bool {
	return t.signers[address]
}

// IsWritable reports whether address was declared writable
func (t *Txn) IsWritable(address solana.PublicKey) bool {
	m, ok := t.metas[address]
	return ok && m.IsWritable
}

func (t *Txn) withSigner(address solana.PublicKey) *Txn {
	signers := make(map[solana.PublicKey]bool, len(t.signers)+1)
	for k, v := range t.signers {
		signers[k] = v
	}
	signers[address] = true
	return &Txn{table: t.table, signers: signers}
}

func (t *Txn) load(address solana.PublicKey) (*tracked, error) {
	if _, ok := t.metas[address]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUndeclaredAccount, address)
	}
	if tr, ok := t.items[address]; ok {
		return tr, nil
	}
	if err := t.ctx.Err(); err != nil {
		return nil, err
	}

	stored, err := t.base.Get(t.ctx, address)
	switch {
	case err == nil:
		t.items[address] = &tracked{action: actionCache, version: stored.Version, current: stored}
	case errors.Is(err, ErrAccountNotFound):
		t.items[address] = &tracked{action: actionCache}
	default:
		return nil, fmt.Errorf("failed to read account %s: %w", address, err)
	}
	return t.items[address], nil
}

// Get returns a copy of the account as staged so far
func (t *Txn) Get(address solana.PublicKey) (*Account, error) {
	tr, err := t.load(address)
	if err != nil {
		return nil, err
	}
	if tr.current == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return tr.current.Clone(), nil
}

// Exists reports whether the address currently holds an account
func (t *Txn) Exists(address solana.PublicKey) (bool, error) {
	tr, err := t.load(address)
	if err != nil {
		return false, err
	}
	return tr.current != nil, nil
}

// Unallocated reports whether address holds no account, or only a
// system-owned balance with no data that CreateAccount can take over
func (t *Txn) Unallocated(address solana.PublicKey) (bool, error) {
	tr, err := t.load(address)
	if err != nil {
		return false, err
	}
	a := tr.current
	return a == nil || (a.Owner.Equals(solana.SystemProgramID) && len(a.Data) == 0), nil
}

// write stages a as the new state of its address on behalf of caller.
// Only the owning program may change data or debit lamports; anyone may
// credit a writable account.
func (t *Txn) write(caller solana.PublicKey, a *Account) error {
	if !t.IsWritable(a.Address) {
		return fmt.Errorf("%w: %s", ErrReadonlyAccount, a.Address)
	}
	tr, err := t.load(a.Address)
	if err != nil {
		return err
	}

	if prev := tr.current; prev != nil {
		// the system program may assign a bare wallet to a new owner
		assigns := caller.Equals(solana.SystemProgramID) &&
			prev.Owner.Equals(solana.SystemProgramID) && len(prev.Data) == 0
		if !prev.Owner.Equals(a.Owner) && !assigns {
			return fmt.Errorf("%w: owner of %s cannot change", ErrInvalidOwner, a.Address)
		}
		changesData := !bytes.Equal(prev.Data, a.Data)
		debits := a.Lamports < prev.Lamports
		if (changesData || debits) && !caller.Equals(prev.Owner) {
			return fmt.Errorf("%w: %s is owned by %s", ErrInvalidOwner, a.Address, prev.Owner)
		}
		if tr.action == actionCache {
			tr.action = actionModify
		}
	} else if !caller.Equals(solana.SystemProgramID) {
		// Accounts come into being only through the system program
		return fmt.Errorf("%w: %s", ErrAccountNotFound, a.Address)
	} else if tr.action == actionErase {
		tr.action = actionModify
	} else {
		tr.action = actionInsert
	}

	tr.current = a.Clone()
	return nil
}

// erase stages deletion of address on behalf of its owning program
func (t *Txn) erase(caller, address solana.PublicKey) error {
	if !t.IsWritable(address) {
		return fmt.Errorf("%w: %s", ErrReadonlyAccount, address)
	}
	tr, err := t.load(address)
	if err != nil {
		return err
	}
	if tr.current == nil {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if !caller.Equals(tr.current.Owner) {
		return fmt.Errorf("%w: %s is owned by %s", ErrInvalidOwner, address, tr.current.Owner)
	}

	if tr.action == actionInsert {
		// Created and deleted in the same transaction: only absence is asserted
		tr.action = actionCache
	} else {
		tr.action = actionErase
	}
	tr.current = nil
	return nil
}

// changes turns the staged table into a deterministic commit set
func (t *Txn) changes() []Change {
	out := make([]Change, 0, len(t.items))
	for addr, tr := range t.items {
		c := Change{Address: addr, ExpectedVersion: tr.version}
		switch tr.action {
		case actionCache:
			c.Kind = ChangeCheck
		case actionInsert, actionModify:
			c.Kind = ChangePut
			c.Account = tr.current.Clone()
			c.Account.Address = addr
			c.Account.Version = tr.version + 1
		case actionErase:
			c.Kind = ChangeDelete
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}
