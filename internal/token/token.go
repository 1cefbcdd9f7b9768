// Package token is the fungible-token program the escrow invokes: mints,
// token accounts, associated-account derivation and checked transfers.
package token

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

const (
	// MintSize is the encoded length of a Mint
	MintSize = 42
	// AccountSize is the encoded length of an Account
	AccountSize = 73
)

var (
	ErrInsufficientFunds = errors.New("insufficient token balance")
	ErrMintMismatch      = errors.New("token account mint mismatch")
	ErrOwnerMismatch     = errors.New("token account owner mismatch")
	ErrDecimalsMismatch  = errors.New("decimals mismatch")
	ErrNonZeroBalance    = errors.New("token account balance is not zero")
	ErrNotMint           = errors.New("account is not a mint")
	ErrNotTokenAccount   = errors.New("account is not a token account")
	ErrMissingAuthority  = errors.New("mint authority did not sign")
	ErrSupplyOverflow    = errors.New("supply overflow")
	ErrUnknownProgram    = errors.New("unknown token program")
)

// AccountState of a token account
type AccountState uint8

const (
	StateUninitialized AccountState = iota
	StateInitialized
)

// Mint describes one fungible asset
type Mint struct {
	MintAuthority solana.PublicKey
	Supply        uint64
	Decimals      uint8
	IsInitialized bool
}

// Account holds a balance of one mint for one owner
type Account struct {
	Mint   solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
	State  AccountState
}

// ProgramIDFromName maps a configured program name to its id
func ProgramIDFromName(name string) (solana.PublicKey, error) {
	switch name {
	case "token":
		return solana.TokenProgramID, nil
	case "token-2022", "token2022":
		return solana.Token2022ProgramID, nil
	default:
		return solana.PublicKey{}, fmt.Errorf("%w: %q", ErrUnknownProgram, name)
	}
}

// FindAssociatedAddress derives the canonical token account of owner for
// mint under tokenProgram
func FindAssociatedAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{owner[:], tokenProgram[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMint parses mint account data
func DecodeMint(data []byte) (*Mint, error) {
	if len(data) != MintSize {
		return nil, ErrNotMint
	}
	m := &Mint{}
	if err := bin.NewBorshDecoder(data).Decode(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotMint, err)
	}
	if !m.IsInitialized {
		return nil, ErrNotMint
	}
	return m, nil
}

// DecodeAccount parses token account data
func DecodeAccount(data []byte) (*Account, error) {
	if len(data) != AccountSize {
		return nil, ErrNotTokenAccount
	}
	a := &Account{}
	if err := bin.NewBorshDecoder(data).Decode(a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotTokenAccount, err)
	}
	if a.State != StateInitialized {
		return nil, ErrNotTokenAccount
	}
	return a, nil
}

// UIAmount renders a raw amount in whole units
func UIAmount(amount uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals))
}
