package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/xtrntr/escrow/internal/ledger"
)

// Program executes token instructions inside ledger transactions. It also
// acts as the associated-token program, so a ledger hosts one of them.
type Program struct {
	authority *ledger.ProgramAuthority
	ata       *ledger.ProgramAuthority
	ledger    *ledger.Ledger
}

// New registers the token program id and the associated-token program on l
func New(l *ledger.Ledger, programID solana.PublicKey) (*Program, error) {
	authority, err := l.RegisterProgram(programID)
	if err != nil {
		return nil, fmt.Errorf("failed to register token program: %w", err)
	}
	ata, err := l.RegisterProgram(solana.SPLAssociatedTokenAccountProgramID)
	if err != nil {
		return nil, fmt.Errorf("failed to register associated token program: %w", err)
	}
	return &Program{authority: authority, ata: ata, ledger: l}, nil
}

// ID returns the token program id
func (p *Program) ID() solana.PublicKey {
	return p.authority.ID()
}

// AssociatedAddress derives owner's canonical account for mint
func (p *Program) AssociatedAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := FindAssociatedAddress(owner, mint, p.ID())
	return addr, err
}

// Mint reads a mint inside t
func (p *Program) Mint(t *ledger.Txn, address solana.PublicKey) (*Mint, error) {
	a, err := p.authority.Owned(t, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotMint, address, err)
	}
	return DecodeMint(a.Data)
}

// Account reads a token account inside t
func (p *Program) Account(t *ledger.Txn, address solana.PublicKey) (*Account, error) {
	a, err := p.authority.Owned(t, address)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNotTokenAccount, address, err)
	}
	return DecodeAccount(a.Data)
}

// Decode interprets committed account state as a token account when this
// program owns it. ok is false for anything else.
func (p *Program) Decode(a *ledger.Account) (acct *Account, ok bool) {
	if a == nil || !a.Owner.Equals(p.ID()) {
		return nil, false
	}
	acct, err := DecodeAccount(a.Data)
	return acct, err == nil
}

// LookupMint reads a committed mint outside any transaction
func (p *Program) LookupMint(ctx context.Context, address solana.PublicKey) (*Mint, error) {
	a, err := p.ledger.Account(ctx, address)
	if err != nil {
		return nil, err
	}
	if !a.Owner.Equals(p.ID()) {
		return nil, ErrNotMint
	}
	return DecodeMint(a.Data)
}

func (p *Program) put(t *ledger.Txn, address solana.PublicKey, v interface{}) error {
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", address, err)
	}
	return p.authority.WriteData(t, address, data)
}

// InitializeMint creates mint as a new asset; the mint address must sign
func (p *Program) InitializeMint(t *ledger.Txn, payer, mint, authority solana.PublicKey, decimals uint8) error {
	if err := t.CreateAccount(payer, mint, MintSize, p.ID()); err != nil {
		return fmt.Errorf("failed to allocate mint %s: %w", mint, err)
	}
	return p.put(t, mint, &Mint{
		MintAuthority: authority,
		Decimals:      decimals,
		IsInitialized: true,
	})
}

// CreateAssociatedAccount creates owner's associated account for mint,
// paid for by payer. Fails with ledger.ErrAccountExists if it is there.
func (p *Program) CreateAssociatedAccount(t *ledger.Txn, payer, owner, mint solana.PublicKey) (solana.PublicKey, error) {
	if _, err := p.Mint(t, mint); err != nil {
		return solana.PublicKey{}, err
	}

	addr, bump, err := FindAssociatedAddress(owner, mint, p.ID())
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated account: %w", err)
	}
	programID := p.ID()
	signed, _, err := p.ata.Sign(t, owner[:], programID[:], mint[:], []byte{bump})
	if err != nil {
		return solana.PublicKey{}, err
	}
	if err := signed.CreateAccount(payer, addr, AccountSize, p.ID()); err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to allocate token account %s: %w", addr, err)
	}

	err = p.put(t, addr, &Account{
		Mint:  mint,
		Owner: owner,
		State: StateInitialized,
	})
	return addr, err
}

// CreateAssociatedAccountIdempotent is CreateAssociatedAccount that accepts
// an existing account as long as it belongs to owner and mint
func (p *Program) CreateAssociatedAccountIdempotent(t *ledger.Txn, payer, owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, err := p.AssociatedAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated account: %w", err)
	}
	free, err := t.Unallocated(addr)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if free {
		return p.CreateAssociatedAccount(t, payer, owner, mint)
	}

	acct, err := p.Account(t, addr)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if !acct.Mint.Equals(mint) {
		return solana.PublicKey{}, fmt.Errorf("%w: %s", ErrMintMismatch, addr)
	}
	if !acct.Owner.Equals(owner) {
		return solana.PublicKey{}, fmt.Errorf("%w: %s", ErrOwnerMismatch, addr)
	}
	return addr, nil
}

// MintTo issues amount new units of mint into dest
func (p *Program) MintTo(t *ledger.Txn, mint, dest, authority solana.PublicKey, amount uint64) error {
	m, err := p.Mint(t, mint)
	if err != nil {
		return err
	}
	if !m.MintAuthority.Equals(authority) || !t.IsSigner(authority) {
		return fmt.Errorf("%w: %s", ErrMissingAuthority, mint)
	}
	acct, err := p.Account(t, dest)
	if err != nil {
		return err
	}
	if !acct.Mint.Equals(mint) {
		return fmt.Errorf("%w: %s", ErrMintMismatch, dest)
	}
	if m.Supply+amount < m.Supply {
		return ErrSupplyOverflow
	}

	m.Supply += amount
	acct.Amount += amount
	if err := p.put(t, mint, m); err != nil {
		return err
	}
	return p.put(t, dest, acct)
}

// TransferChecked moves amount of mint from one token account to another.
// authority must own from and sign; decimals must match the mint.
func (p *Program) TransferChecked(t *ledger.Txn, from, mint, to, authority solana.PublicKey, amount uint64, decimals uint8) error {
	m, err := p.Mint(t, mint)
	if err != nil {
		return err
	}
	if m.Decimals != decimals {
		return fmt.Errorf("%w: mint %s has %d, got %d", ErrDecimalsMismatch, mint, m.Decimals, decimals)
	}

	src, err := p.Account(t, from)
	if err != nil {
		return err
	}
	dst, err := p.Account(t, to)
	if err != nil {
		return err
	}
	if !src.Mint.Equals(mint) {
		return fmt.Errorf("%w: source %s", ErrMintMismatch, from)
	}
	if !dst.Mint.Equals(mint) {
		return fmt.Errorf("%w: destination %s", ErrMintMismatch, to)
	}
	if !src.Owner.Equals(authority) {
		return fmt.Errorf("%w: %s is not owned by %s", ErrOwnerMismatch, from, authority)
	}
	if !t.IsSigner(authority) {
		return fmt.Errorf("%w: %s", ledger.ErrMissingSignature, authority)
	}
	if src.Amount < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, from, src.Amount, amount)
	}
	if from.Equals(to) {
		return nil
	}

	src.Amount -= amount
	dst.Amount += amount
	if err := p.put(t, from, src); err != nil {
		return err
	}
	return p.put(t, to, dst)
}

// CloseAccount deletes an empty token account, sending its deposit to destination
func (p *Program) CloseAccount(t *ledger.Txn, account, destination, authority solana.PublicKey) error {
	acct, err := p.Account(t, account)
	if err != nil {
		return err
	}
	if !acct.Owner.Equals(authority) {
		return fmt.Errorf("%w: %s is not owned by %s", ErrOwnerMismatch, account, authority)
	}
	if !t.IsSigner(authority) {
		return fmt.Errorf("%w: %s", ledger.ErrMissingSignature, authority)
	}
	if acct.Amount != 0 {
		return fmt.Errorf("%w: %s holds %d", ErrNonZeroBalance, account, acct.Amount)
	}
	return p.authority.CloseAccount(t, account, destination)
}
