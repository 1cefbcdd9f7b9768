package escrow

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/escrow/internal/ledger"
	"github.com/xtrntr/escrow/internal/token"
)

const (
	walletLamports = 1_000_000_000
	startingTokens = 1_000_000_000
)

// fixture is a ledger with two mints, alice holding A and bob holding B
type fixture struct {
	ctx         context.Context
	ledger      *ledger.Ledger
	tokens      *token.Program
	engine      *Engine
	settlements *MemorySettlementLog
	metrics     *Metrics

	authority solana.PublicKey
	mintA     solana.PublicKey
	mintB     solana.PublicKey
	alice     solana.PublicKey
	bob       solana.PublicKey
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newKey() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := quietLogger()
	l := ledger.New(ledger.Config{Logger: log})
	tokens, err := token.New(l, solana.Token2022ProgramID)
	require.NoError(t, err)

	settlements := NewMemorySettlementLog()
	metrics := NewMetrics(prometheus.NewRegistry())
	engine, err := NewEngine(Config{
		Ledger:      l,
		Tokens:      tokens,
		Settlements: settlements,
		Metrics:     metrics,
		Logger:      log,
	})
	require.NoError(t, err)

	f := &fixture{
		ctx:         context.Background(),
		ledger:      l,
		tokens:      tokens,
		engine:      engine,
		settlements: settlements,
		metrics:     metrics,
		authority:   newKey(),
		alice:       newKey(),
		bob:         newKey(),
	}
	for _, w := range []solana.PublicKey{f.authority, f.alice, f.bob} {
		require.NoError(t, l.Airdrop(f.ctx, w, walletLamports))
	}
	f.mintA = f.createMint(t, 6)
	f.mintB = f.createMint(t, 6)
	f.fund(t, f.alice, f.mintA, startingTokens)
	f.fund(t, f.bob, f.mintB, startingTokens)
	return f
}

func (f *fixture) createMint(t *testing.T, decimals uint8) solana.PublicKey {
	t.Helper()
	mint := newKey()
	require.NoError(t, f.tokens.CreateMint(f.ctx, f.authority, mint, decimals))
	return mint
}

// fund mints amount into owner's associated account for mint
func (f *fixture) fund(t *testing.T, owner, mint solana.PublicKey, amount uint64) solana.PublicKey {
	t.Helper()
	ata, err := f.tokens.Issue(f.ctx, f.authority, owner, mint, amount)
	require.NoError(t, err)
	return ata
}

func (f *fixture) ata(t *testing.T, owner, mint solana.PublicKey) solana.PublicKey {
	t.Helper()
	addr, err := f.tokens.AssociatedAddress(owner, mint)
	require.NoError(t, err)
	return addr
}

// balance reads a committed token balance; absent accounts hold zero
func (f *fixture) balance(t *testing.T, address solana.PublicKey) uint64 {
	t.Helper()
	a, err := f.ledger.Account(f.ctx, address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return 0
	}
	require.NoError(t, err)
	acct, ok := f.tokens.Decode(a)
	require.True(t, ok, "%s is not a token account", address)
	return acct.Amount
}

func (f *fixture) lamports(t *testing.T, address solana.PublicKey) uint64 {
	t.Helper()
	a, err := f.ledger.Account(f.ctx, address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return 0
	}
	require.NoError(t, err)
	return a.Lamports
}

func (f *fixture) exists(t *testing.T, address solana.PublicKey) bool {
	t.Helper()
	_, err := f.ledger.Account(f.ctx, address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func (f *fixture) makeRequest(t *testing.T, maker, mintA, mintB solana.PublicKey, id, offered, wanted uint64) MakeOfferRequest {
	t.Helper()
	accounts, err := f.engine.MakeOfferAccounts(maker, mintA, mintB, id)
	require.NoError(t, err)
	return MakeOfferRequest{
		ID:                  id,
		TokenAOfferedAmount: offered,
		TokenBWantedAmount:  wanted,
		Accounts:            accounts,
		Signers:             []solana.PublicKey{maker},
	}
}

// makeOffer opens an offer by alice for A against B
func (f *fixture) makeOffer(t *testing.T, id, offered, wanted uint64) *OpenOffer {
	t.Helper()
	open, err := f.engine.MakeOffer(f.ctx, f.makeRequest(t, f.alice, f.mintA, f.mintB, id, offered, wanted))
	require.NoError(t, err)
	return open
}

func (f *fixture) takeRequest(t *testing.T, taker solana.PublicKey, open *OpenOffer) TakeOfferRequest {
	t.Helper()
	accounts, err := f.engine.TakeOfferAccounts(taker, open.Address, open.Maker, open.TokenMintA, open.TokenMintB)
	require.NoError(t, err)
	return TakeOfferRequest{
		Accounts: accounts,
		Signers:  []solana.PublicKey{taker},
	}
}

// snapshot captures every balance a take can touch
type snapshot struct {
	aliceA, aliceB, bobA, bobB, vault uint64
	aliceLamports, bobLamports        uint64
}

func (f *fixture) snapshot(t *testing.T, open *OpenOffer) snapshot {
	t.Helper()
	return snapshot{
		aliceA:        f.balance(t, f.ata(t, f.alice, f.mintA)),
		aliceB:        f.balance(t, f.ata(t, f.alice, f.mintB)),
		bobA:          f.balance(t, f.ata(t, f.bob, f.mintA)),
		bobB:          f.balance(t, f.ata(t, f.bob, f.mintB)),
		vault:         f.balance(t, open.Vault),
		aliceLamports: f.lamports(t, f.alice),
		bobLamports:   f.lamports(t, f.bob),
	}
}
