// Package escrow implements a two-party token swap held in custody on the
// ledger. A maker locks token A in a vault owned by an offer address and
// states how much token B it wants; any taker who pays that amount receives
// the whole vault in the same transaction.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/escrow/internal/ledger"
	"github.com/xtrntr/escrow/internal/models"
	"github.com/xtrntr/escrow/internal/token"
)

// DefaultProgramID is the escrow program id used when none is configured
var DefaultProgramID = solana.MustPublicKeyFromBase58("CJuyrPLFyLe73HxcFcXef6cpeBCwPwbdRVCki5eYwdtW")

const (
	opMakeOffer = "make_offer"
	opTakeOffer = "take_offer"
)

// Config wires an Engine
type Config struct {
	Ledger    *ledger.Ledger
	Tokens    *token.Program
	ProgramID solana.PublicKey
	// Settlements is optional; completed swaps are appended after commit
	Settlements SettlementLog
	Metrics     *Metrics
	Logger      *logrus.Logger
}

// Engine opens and settles offers
type Engine struct {
	ledger      *ledger.Ledger
	tokens      *token.Program
	program     *ledger.ProgramAuthority
	offers      *registry
	settlements SettlementLog
	metrics     *Metrics
	log         *logrus.Entry
}

// NewEngine registers the escrow program on cfg.Ledger
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil || cfg.Tokens == nil {
		return nil, errors.New("escrow engine needs a ledger and a token program")
	}
	if cfg.ProgramID.IsZero() {
		cfg.ProgramID = DefaultProgramID
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	program, err := cfg.Ledger.RegisterProgram(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("failed to register escrow program: %w", err)
	}
	return &Engine{
		ledger:      cfg.Ledger,
		tokens:      cfg.Tokens,
		program:     program,
		offers:      &registry{program: program},
		settlements: cfg.Settlements,
		metrics:     cfg.Metrics,
		log:         cfg.Logger.WithField("component", "escrow"),
	}, nil
}

// ProgramID returns the escrow program id
func (e *Engine) ProgramID() solana.PublicKey {
	return e.program.ID()
}

// MakeOfferAccounts are the accounts a MakeOffer transaction touches
type MakeOfferAccounts struct {
	Maker              solana.PublicKey
	TokenMintA         solana.PublicKey
	TokenMintB         solana.PublicKey
	MakerTokenAccountA solana.PublicKey
	Vault              solana.PublicKey
	Offer              solana.PublicKey
	TokenProgram       solana.PublicKey
}

func (a *MakeOfferAccounts) metas(signers []solana.PublicKey) []*solana.AccountMeta {
	return []*solana.AccountMeta{
		solana.NewAccountMeta(a.Maker, true, hasSigner(signers, a.Maker)),
		solana.NewAccountMeta(a.TokenMintA, false, false),
		solana.NewAccountMeta(a.TokenMintB, false, false),
		solana.NewAccountMeta(a.MakerTokenAccountA, true, false),
		solana.NewAccountMeta(a.Offer, true, false),
		solana.NewAccountMeta(a.Vault, true, false),
		solana.NewAccountMeta(a.TokenProgram, false, false),
		solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
}

// MakeOfferRequest opens offer ID of the maker: lock TokenAOfferedAmount of
// mint A, ask TokenBWantedAmount of mint B
type MakeOfferRequest struct {
	ID                  uint64
	TokenAOfferedAmount uint64
	TokenBWantedAmount  uint64
	Accounts            MakeOfferAccounts
	// Signers are the addresses that authorized the request
	Signers []solana.PublicKey
}

// TakeOfferAccounts are the accounts a TakeOffer transaction touches
type TakeOfferAccounts struct {
	Taker              solana.PublicKey
	Maker              solana.PublicKey
	TokenMintA         solana.PublicKey
	TokenMintB         solana.PublicKey
	TakerTokenAccountA solana.PublicKey
	TakerTokenAccountB solana.PublicKey
	MakerTokenAccountB solana.PublicKey
	Vault              solana.PublicKey
	Offer              solana.PublicKey
	TokenProgram       solana.PublicKey
}

func (a *TakeOfferAccounts) metas(signers []solana.PublicKey) []*solana.AccountMeta {
	return []*solana.AccountMeta{
		solana.NewAccountMeta(a.Taker, true, hasSigner(signers, a.Taker)),
		solana.NewAccountMeta(a.Maker, true, hasSigner(signers, a.Maker)),
		solana.NewAccountMeta(a.TokenMintA, false, false),
		solana.NewAccountMeta(a.TokenMintB, false, false),
		solana.NewAccountMeta(a.TakerTokenAccountA, true, false),
		solana.NewAccountMeta(a.TakerTokenAccountB, true, false),
		solana.NewAccountMeta(a.MakerTokenAccountB, true, false),
		solana.NewAccountMeta(a.Offer, true, false),
		solana.NewAccountMeta(a.Vault, true, false),
		solana.NewAccountMeta(a.TokenProgram, false, false),
		solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
}

// TakeOfferRequest settles the offer at Accounts.Offer
type TakeOfferRequest struct {
	Accounts TakeOfferAccounts
	Signers  []solana.PublicKey
}

func hasSigner(signers []solana.PublicKey, address solana.PublicKey) bool {
	for _, s := range signers {
		if s.Equals(address) {
			return true
		}
	}
	return false
}

// MakeOfferAccounts derives the canonical account set for a maker's offer id.
// The source account is the maker's associated account for mint A.
func (e *Engine) MakeOfferAccounts(maker, mintA, mintB solana.PublicKey, id uint64) (MakeOfferAccounts, error) {
	offer, _, err := DeriveOfferAddress(e.ProgramID(), maker, id)
	if err != nil {
		return MakeOfferAccounts{}, fmt.Errorf("failed to derive offer address: %w", err)
	}
	vault, err := DeriveVaultAddress(offer, mintA, e.tokens.ID())
	if err != nil {
		return MakeOfferAccounts{}, fmt.Errorf("failed to derive vault address: %w", err)
	}
	source, err := e.tokens.AssociatedAddress(maker, mintA)
	if err != nil {
		return MakeOfferAccounts{}, fmt.Errorf("failed to derive maker account: %w", err)
	}
	return MakeOfferAccounts{
		Maker:              maker,
		TokenMintA:         mintA,
		TokenMintB:         mintB,
		MakerTokenAccountA: source,
		Vault:              vault,
		Offer:              offer,
		TokenProgram:       e.tokens.ID(),
	}, nil
}

// TakeOfferAccounts derives the account set a taker needs for the offer at
// address, given what the taker believes the offer to be. All token
// accounts are associated accounts.
func (e *Engine) TakeOfferAccounts(taker, offer, maker, mintA, mintB solana.PublicKey) (TakeOfferAccounts, error) {
	vault, err := DeriveVaultAddress(offer, mintA, e.tokens.ID())
	if err != nil {
		return TakeOfferAccounts{}, fmt.Errorf("failed to derive vault address: %w", err)
	}
	takerA, err := e.tokens.AssociatedAddress(taker, mintA)
	if err != nil {
		return TakeOfferAccounts{}, err
	}
	takerB, err := e.tokens.AssociatedAddress(taker, mintB)
	if err != nil {
		return TakeOfferAccounts{}, err
	}
	makerB, err := e.tokens.AssociatedAddress(maker, mintB)
	if err != nil {
		return TakeOfferAccounts{}, err
	}
	return TakeOfferAccounts{
		Taker:              taker,
		Maker:              maker,
		TokenMintA:         mintA,
		TokenMintB:         mintB,
		TakerTokenAccountA: takerA,
		TakerTokenAccountB: takerB,
		MakerTokenAccountB: makerB,
		Vault:              vault,
		Offer:              offer,
		TokenProgram:       e.tokens.ID(),
	}, nil
}

// OpenOffer is an offer as seen from outside: the record, where it lives,
// and what its vault holds
type OpenOffer struct {
	Address             solana.PublicKey `json:"address"`
	Vault               solana.PublicKey `json:"vault"`
	TokenAOfferedAmount uint64           `json:"token_a_offered_amount,string"`
	Offer
}

// MakeOffer opens an offer and moves the offered token A into its vault.
// Either everything happens or nothing does.
func (e *Engine) MakeOffer(ctx context.Context, req MakeOfferRequest) (*OpenOffer, error) {
	open, err := e.makeOffer(ctx, req)
	e.metrics.observe(opMakeOffer, err)

	log := e.log.WithFields(logrus.Fields{
		"maker": req.Accounts.Maker,
		"id":    req.ID,
	})
	if err != nil {
		log.WithError(err).Warn("offer rejected")
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"offer":   open.Address,
		"offered": open.TokenAOfferedAmount,
		"wanted":  open.TokenBWantedAmount,
	}).Info("offer opened")
	return open, nil
}

func (e *Engine) makeOffer(ctx context.Context, req MakeOfferRequest) (*OpenOffer, error) {
	a := req.Accounts
	if !hasSigner(req.Signers, a.Maker) {
		return nil, newError(CodeUnauthorized, "maker %s did not sign", a.Maker)
	}
	if req.TokenAOfferedAmount == 0 {
		return nil, newError(CodeInvalidAmount, "token A offered amount must be greater than zero")
	}
	if req.TokenBWantedAmount == 0 {
		return nil, newError(CodeInvalidAmount, "token B wanted amount must be greater than zero")
	}
	if !a.TokenProgram.Equals(e.tokens.ID()) {
		return nil, newError(CodeInvalidAccount, "unsupported token program %s", a.TokenProgram)
	}
	if a.TokenMintA.Equals(a.TokenMintB) {
		return nil, newError(CodeInvalidAccount, "offered and wanted mints are both %s", a.TokenMintA)
	}

	offerAddr, bump, err := DeriveOfferAddress(e.ProgramID(), a.Maker, req.ID)
	if err != nil {
		return nil, classify(err)
	}
	if !offerAddr.Equals(a.Offer) {
		return nil, newError(CodeInvalidAccount, "offer account %s is not derived from maker %s and id %d", a.Offer, a.Maker, req.ID)
	}
	vault, err := DeriveVaultAddress(offerAddr, a.TokenMintA, e.tokens.ID())
	if err != nil {
		return nil, classify(err)
	}
	if !vault.Equals(a.Vault) {
		return nil, newError(CodeInvalidAccount, "vault %s is not the associated account of offer %s", a.Vault, offerAddr)
	}

	offer := &Offer{
		ID:                 req.ID,
		Maker:              a.Maker,
		TokenMintA:         a.TokenMintA,
		TokenMintB:         a.TokenMintB,
		TokenBWantedAmount: req.TokenBWantedAmount,
		Bump:               bump,
	}

	err = e.ledger.Execute(ctx, a.metas(req.Signers), func(t *ledger.Txn) error {
		mintA, err := e.tokens.Mint(t, a.TokenMintA)
		if err != nil {
			return classify(err)
		}
		if _, err := e.tokens.Mint(t, a.TokenMintB); err != nil {
			return classify(err)
		}

		source, err := e.tokens.Account(t, a.MakerTokenAccountA)
		if err != nil {
			return classify(err)
		}
		if !source.Mint.Equals(a.TokenMintA) {
			return newError(CodeInvalidAccount, "maker account %s holds %s, not %s", a.MakerTokenAccountA, source.Mint, a.TokenMintA)
		}
		if !source.Owner.Equals(a.Maker) {
			return newError(CodeInvalidAccount, "maker account %s is owned by %s", a.MakerTokenAccountA, source.Owner)
		}

		if err := e.offers.create(t, a.Offer, offer); err != nil {
			return err
		}
		if err := e.openVault(t, a); err != nil {
			return err
		}
		return classify(e.tokens.TransferChecked(t, a.MakerTokenAccountA, a.TokenMintA, a.Vault, a.Maker, req.TokenAOfferedAmount, mintA.Decimals))
	})
	if err != nil {
		return nil, classify(err)
	}

	return &OpenOffer{
		Address:             offerAddr,
		Vault:               vault,
		TokenAOfferedAmount: req.TokenAOfferedAmount,
		Offer:               *offer,
	}, nil
}

// openVault creates the vault, paid for by the maker. A vault left empty at
// the derived address is reused; one that holds tokens is not. Lamports
// sent to the address ahead of time become part of the deposit.
func (e *Engine) openVault(t *ledger.Txn, a MakeOfferAccounts) error {
	free, err := t.Unallocated(a.Vault)
	if err != nil {
		return classify(err)
	}
	if free {
		_, err := e.tokens.CreateAssociatedAccount(t, a.Maker, a.Offer, a.TokenMintA)
		return classify(err)
	}

	vault, err := e.tokens.Account(t, a.Vault)
	if err != nil {
		return newError(CodeAlreadyExists, "vault address %s is taken: %v", a.Vault, err)
	}
	if !vault.Mint.Equals(a.TokenMintA) || !vault.Owner.Equals(a.Offer) {
		return newError(CodeAlreadyExists, "vault address %s holds a foreign account", a.Vault)
	}
	if vault.Amount != 0 {
		return newError(CodeAlreadyExists, "vault %s already holds %d", a.Vault, vault.Amount)
	}
	return nil
}

// TakeOffer pays the maker the wanted token B, hands the taker the whole
// vault, and deletes the vault and the offer. Rent deposits go back to the
// maker. Either everything happens or nothing does.
func (e *Engine) TakeOffer(ctx context.Context, req TakeOfferRequest) (*models.Settlement, error) {
	s, err := e.takeOffer(ctx, req)
	e.metrics.observe(opTakeOffer, err)

	log := e.log.WithFields(logrus.Fields{
		"offer": req.Accounts.Offer,
		"taker": req.Accounts.Taker,
	})
	if err != nil {
		log.WithError(err).Warn("take rejected")
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"maker":    s.Maker,
		"received": s.TokenAAmount,
		"paid":     s.TokenBAmount,
	}).Info("offer settled")

	if e.settlements != nil {
		if err := e.settlements.RecordSettlement(ctx, s); err != nil {
			log.WithError(err).Error("failed to record settlement")
		}
	}
	return s, nil
}

func (e *Engine) takeOffer(ctx context.Context, req TakeOfferRequest) (*models.Settlement, error) {
	a := req.Accounts
	if !hasSigner(req.Signers, a.Taker) {
		return nil, newError(CodeUnauthorized, "taker %s did not sign", a.Taker)
	}
	if !a.TokenProgram.Equals(e.tokens.ID()) {
		return nil, newError(CodeInvalidAccount, "unsupported token program %s", a.TokenProgram)
	}

	var settled models.Settlement
	err := e.ledger.Execute(ctx, a.metas(req.Signers), func(t *ledger.Txn) error {
		offer, err := e.offers.load(t, a.Offer)
		if err != nil {
			return err
		}
		if err := e.checkTakeAccounts(offer, a); err != nil {
			return err
		}

		mintA, err := e.tokens.Mint(t, offer.TokenMintA)
		if err != nil {
			return classify(err)
		}
		mintB, err := e.tokens.Mint(t, offer.TokenMintB)
		if err != nil {
			return classify(err)
		}
		vault, err := e.tokens.Account(t, a.Vault)
		if err != nil {
			return newError(CodeAccountMismatch, "vault %s of offer %s is unusable: %v", a.Vault, a.Offer, err)
		}

		if err := e.receivingAccount(t, a.TakerTokenAccountA, a.Taker, a.Taker, offer.TokenMintA); err != nil {
			return err
		}
		if err := e.receivingAccount(t, a.MakerTokenAccountB, a.Taker, offer.Maker, offer.TokenMintB); err != nil {
			return err
		}
		payer, err := e.tokens.Account(t, a.TakerTokenAccountB)
		if err != nil {
			return classify(err)
		}
		if !payer.Mint.Equals(offer.TokenMintB) || !payer.Owner.Equals(a.Taker) {
			return newError(CodeAccountMismatch, "taker account %s is not a %s account of %s", a.TakerTokenAccountB, offer.TokenMintB, a.Taker)
		}

		// Pay the maker first; the vault only moves once the payment is staged
		err = e.tokens.TransferChecked(t, a.TakerTokenAccountB, offer.TokenMintB, a.MakerTokenAccountB, a.Taker, offer.TokenBWantedAmount, mintB.Decimals)
		if err != nil {
			return classify(err)
		}

		signed, _, err := e.program.Sign(t, offer.signerSeeds()...)
		if err != nil {
			return classify(err)
		}
		err = e.tokens.TransferChecked(signed, a.Vault, offer.TokenMintA, a.TakerTokenAccountA, a.Offer, vault.Amount, mintA.Decimals)
		if err != nil {
			return classify(err)
		}
		if err := e.tokens.CloseAccount(signed, a.Vault, offer.Maker, a.Offer); err != nil {
			return classify(err)
		}
		if err := e.offers.close(t, a.Offer, offer); err != nil {
			return err
		}

		settled = models.Settlement{
			Offer:        a.Offer,
			OfferID:      offer.ID,
			Maker:        offer.Maker,
			Taker:        a.Taker,
			TokenMintA:   offer.TokenMintA,
			TokenMintB:   offer.TokenMintB,
			TokenAAmount: vault.Amount,
			TokenBAmount: offer.TokenBWantedAmount,
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	settled.ID = uuid.NewString()
	settled.SettledAt = time.Now().UTC()
	return &settled, nil
}

// checkTakeAccounts binds the caller's accounts to the stored record
func (e *Engine) checkTakeAccounts(offer *Offer, a TakeOfferAccounts) error {
	derived, err := offer.Address(e.ProgramID())
	if err != nil || !derived.Equals(a.Offer) {
		return newError(CodeAccountMismatch, "offer %s does not derive from its record", a.Offer)
	}
	if !offer.Maker.Equals(a.Maker) {
		return newError(CodeAccountMismatch, "offer %s was made by %s, not %s", a.Offer, offer.Maker, a.Maker)
	}
	if !offer.TokenMintA.Equals(a.TokenMintA) {
		return newError(CodeAccountMismatch, "offer %s locks %s, not %s", a.Offer, offer.TokenMintA, a.TokenMintA)
	}
	if !offer.TokenMintB.Equals(a.TokenMintB) {
		return newError(CodeAccountMismatch, "offer %s wants %s, not %s", a.Offer, offer.TokenMintB, a.TokenMintB)
	}
	vault, err := DeriveVaultAddress(a.Offer, offer.TokenMintA, e.tokens.ID())
	if err != nil || !vault.Equals(a.Vault) {
		return newError(CodeAccountMismatch, "vault %s does not belong to offer %s", a.Vault, a.Offer)
	}
	return nil
}

// receivingAccount makes sure address can receive mint for owner. An unallocated
// account is created by payer, which only works at owner's associated address.
func (e *Engine) receivingAccount(t *ledger.Txn, address, payer, owner, mint solana.PublicKey) error {
	free, err := t.Unallocated(address)
	if err != nil {
		return classify(err)
	}
	if free {
		canonical, err := e.tokens.AssociatedAddress(owner, mint)
		if err != nil {
			return classify(err)
		}
		if !canonical.Equals(address) {
			return newError(CodeAccountMismatch, "%s is not the %s account of %s", address, mint, owner)
		}
		_, err = e.tokens.CreateAssociatedAccountIdempotent(t, payer, owner, mint)
		return classify(err)
	}

	acct, err := e.tokens.Account(t, address)
	if err != nil {
		return newError(CodeAccountMismatch, "%s is not a token account: %v", address, err)
	}
	if !acct.Mint.Equals(mint) || !acct.Owner.Equals(owner) {
		return newError(CodeAccountMismatch, "%s is not the %s account of %s", address, mint, owner)
	}
	return nil
}

// GetOffer reads the open offer at address
func (e *Engine) GetOffer(ctx context.Context, address solana.PublicKey) (*OpenOffer, error) {
	a, err := e.ledger.Account(ctx, address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, newError(CodeOfferNotFound, "no offer at %s", address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read offer %s: %w", address, err)
	}
	if !a.Owner.Equals(e.ProgramID()) {
		return nil, newError(CodeOfferNotFound, "%s is not an offer account", address)
	}
	offer, err := DecodeOffer(a.Data)
	if err != nil {
		return nil, newError(CodeOfferNotFound, "%s: %v", address, err)
	}
	return e.view(ctx, address, offer)
}

// ListOffers returns every open offer, ordered by maker then id
func (e *Engine) ListOffers(ctx context.Context) ([]*OpenOffer, error) {
	accounts, err := e.ledger.AccountsByOwner(ctx, e.ProgramID())
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}

	out := make([]*OpenOffer, 0, len(accounts))
	for _, a := range accounts {
		offer, err := DecodeOffer(a.Data)
		if err != nil {
			continue
		}
		open, err := e.view(ctx, a.Address, offer)
		if err != nil {
			return nil, err
		}
		out = append(out, open)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Maker.Equals(out[j].Maker) {
			return out[i].Maker.String() < out[j].Maker.String()
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (e *Engine) view(ctx context.Context, address solana.PublicKey, offer *Offer) (*OpenOffer, error) {
	vault, err := DeriveVaultAddress(address, offer.TokenMintA, e.tokens.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to derive vault of %s: %w", address, err)
	}
	open := &OpenOffer{Address: address, Vault: vault, Offer: *offer}

	a, err := e.ledger.Account(ctx, vault)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, fmt.Errorf("failed to read vault %s: %w", vault, err)
	}
	if acct, ok := e.tokens.Decode(a); ok {
		open.TokenAOfferedAmount = acct.Amount
	}
	return open, nil
}
