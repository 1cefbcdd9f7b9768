package ledger

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// CreateAccount allocates space bytes at address, funded up to the
// rent-exempt minimum by payer and assigned to owner. Both payer and the
// new address must sign. A bare wallet balance already sitting at address
// is kept and counts toward the deposit.
func (t *Txn) CreateAccount(payer, address solana.PublicKey, space int, owner solana.PublicKey) error {
	if !t.IsSigner(payer) {
		return fmt.Errorf("%w: payer %s", ErrMissingSignature, payer)
	}
	if !t.IsSigner(address) {
		return fmt.Errorf("%w: new account %s", ErrMissingSignature, address)
	}
	if payer.Equals(address) {
		return fmt.Errorf("%w: %s cannot fund its own allocation", ErrAccountExists, address)
	}

	free, err := t.Unallocated(address)
	if err != nil {
		return err
	}
	if !free {
		return fmt.Errorf("%w: %s", ErrAccountExists, address)
	}

	var held uint64
	if prev, err := t.Get(address); err == nil {
		held = prev.Lamports
	} else if !errors.Is(err, ErrAccountNotFound) {
		return err
	}

	deposit := t.rent.MinimumBalance(space)
	if held < deposit {
		if err := t.debitSystem(payer, deposit-held); err != nil {
			return err
		}
	} else {
		deposit = held
	}

	return t.write(solana.SystemProgramID, &Account{
		Address:  address,
		Owner:    owner,
		Lamports: deposit,
		Data:     make([]byte, space),
	})
}

// TransferLamports moves lamports from a system-owned signer to any
// writable address, creating a wallet account there if none exists
func (t *Txn) TransferLamports(from, to solana.PublicKey, amount uint64) error {
	if !t.IsSigner(from) {
		return fmt.Errorf("%w: %s", ErrMissingSignature, from)
	}
	if err := t.debitSystem(from, amount); err != nil {
		return err
	}
	return t.Credit(to, amount)
}

// Credit adds lamports to address, creating a wallet account if needed.
// Crediting never needs the recipient's consent.
func (t *Txn) Credit(address solana.PublicKey, amount uint64) error {
	exists, err := t.Exists(address)
	if err != nil {
		return err
	}
	if !exists {
		return t.write(solana.SystemProgramID, &Account{
			Address:  address,
			Owner:    solana.SystemProgramID,
			Lamports: amount,
		})
	}

	a, err := t.Get(address)
	if err != nil {
		return err
	}
	if a.Lamports+amount < a.Lamports {
		return fmt.Errorf("lamport overflow crediting %s", address)
	}
	a.Lamports += amount
	return t.write(solana.SystemProgramID, a)
}

func (t *Txn) debitSystem(address solana.PublicKey, amount uint64) error {
	a, err := t.Get(address)
	if errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("%w: %s has no balance", ErrInsufficientLamports, address)
	}
	if err != nil {
		return err
	}
	if !a.Owner.Equals(solana.SystemProgramID) {
		return fmt.Errorf("%w: %s is not a wallet", ErrInvalidOwner, address)
	}
	if a.Lamports < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientLamports, address, a.Lamports, amount)
	}
	a.Lamports -= amount
	return t.write(solana.SystemProgramID, a)
}
