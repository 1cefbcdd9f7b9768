// Package ledger is the host environment the escrow runs in: addressed
// accounts owned by programs, all-or-nothing transactions over a declared
// account set, and the system program that allocates and funds accounts.
package ledger

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountExists        = errors.New("account already exists")
	ErrConflict             = errors.New("concurrent modification")
	ErrUndeclaredAccount    = errors.New("account not declared by transaction")
	ErrReadonlyAccount      = errors.New("account is not writable in transaction")
	ErrMissingSignature     = errors.New("missing required signature")
	ErrInsufficientLamports = errors.New("insufficient lamports")
	ErrInvalidOwner         = errors.New("account not owned by program")
	ErrProgramRegistered    = errors.New("program already registered")
	ErrInvalidSeeds         = errors.New("seeds do not derive the signing address")
)

// Account is one addressed entry of ledger state
type Account struct {
	Address  solana.PublicKey `bin:"-"`
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
	// Version is bumped on every committed write; zero means never stored
	Version uint64
}

// Clone returns a deep copy
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Data = append([]byte(nil), a.Data...)
	return &c
}

// EncodeAccount serializes an account for byte-oriented stores.
// The address is the storage key and is not part of the value.
func EncodeAccount(a *Account) ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(a); err != nil {
		return nil, fmt.Errorf("failed to encode account %s: %w", a.Address, err)
	}
	return buf.Bytes(), nil
}

// DecodeAccount parses a value written by EncodeAccount
func DecodeAccount(address solana.PublicKey, data []byte) (*Account, error) {
	a := &Account{}
	if err := bin.NewBorshDecoder(data).Decode(a); err != nil {
		return nil, fmt.Errorf("failed to decode account %s: %w", address, err)
	}
	a.Address = address
	return a, nil
}
