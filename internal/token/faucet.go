package token

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/xtrntr/escrow/internal/ledger"
)

// CreateMint runs a transaction that initializes mint with decimals.
// authority pays for the account and becomes the mint authority; both must
// be able to sign.
func (p *Program) CreateMint(ctx context.Context, authority, mint solana.PublicKey, decimals uint8) error {
	metas := []*solana.AccountMeta{
		solana.NewAccountMeta(authority, true, true),
		solana.NewAccountMeta(mint, true, true),
		solana.NewAccountMeta(p.ID(), false, false),
	}
	return p.ledger.Execute(ctx, metas, func(t *ledger.Txn) error {
		return p.InitializeMint(t, authority, mint, authority, decimals)
	})
}

// Issue runs a transaction that mints amount into owner's associated
// account for mint, creating the account at authority's expense
func (p *Program) Issue(ctx context.Context, authority, owner, mint solana.PublicKey, amount uint64) (solana.PublicKey, error) {
	ata, err := p.AssociatedAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, err
	}
	metas := []*solana.AccountMeta{
		solana.NewAccountMeta(authority, true, true),
		solana.NewAccountMeta(owner, false, false),
		solana.NewAccountMeta(mint, true, false),
		solana.NewAccountMeta(ata, true, false),
		solana.NewAccountMeta(p.ID(), false, false),
		solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
	}
	err = p.ledger.Execute(ctx, metas, func(t *ledger.Txn) error {
		if _, err := p.CreateAssociatedAccountIdempotent(t, authority, owner, mint); err != nil {
			return err
		}
		if amount == 0 {
			return nil
		}
		return p.MintTo(t, mint, ata, authority, amount)
	})
	return ata, err
}
