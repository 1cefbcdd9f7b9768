package escrow

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/xtrntr/escrow/internal/ledger"
	"github.com/xtrntr/escrow/internal/token"
)

// OfferSeed prefixes every offer address derivation
const OfferSeed = "offer"

// OfferSize is the encoded length of an offer record, discriminator included
const OfferSize = 8 + 8 + 32 + 32 + 32 + 8 + 1

// OfferDiscriminator tags offer records, sha256("account:Offer")[:8]
var OfferDiscriminator = discriminator("Offer")

func discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// Offer is one pending swap. It never changes after creation; settlement
// deletes it.
type Offer struct {
	ID                 uint64           `json:"id,string"`
	Maker              solana.PublicKey `json:"maker"`
	TokenMintA         solana.PublicKey `json:"token_mint_a"`
	TokenMintB         solana.PublicKey `json:"token_mint_b"`
	TokenBWantedAmount uint64           `json:"token_b_wanted_amount,string"`
	Bump               uint8            `json:"bump"`
}

// DeriveOfferAddress locates the offer of maker with id under programID
func DeriveOfferAddress(programID, maker solana.PublicKey, id uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(offerSeeds(maker, id), programID)
}

// DeriveVaultAddress locates the custody account of an offer: the
// associated account of the offer address for mint A
func DeriveVaultAddress(offer, tokenMintA, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := token.FindAssociatedAddress(offer, tokenMintA, tokenProgram)
	return addr, err
}

func offerSeeds(maker solana.PublicKey, id uint64, bump ...byte) [][]byte {
	idBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(idBytes, id)
	seeds := [][]byte{[]byte(OfferSeed), maker[:], idBytes}
	if len(bump) > 0 {
		seeds = append(seeds, bump)
	}
	return seeds
}

// signerSeeds are the seeds the program signs with for this offer's address
func (o *Offer) signerSeeds() [][]byte {
	return offerSeeds(o.Maker, o.ID, o.Bump)
}

// Address recomputes the offer address from the stored bump without a search
func (o *Offer) Address(programID solana.PublicKey) (solana.PublicKey, error) {
	return solana.CreateProgramAddress(o.signerSeeds(), programID)
}

// EncodeOffer lays out an offer as discriminator + borsh fields
func EncodeOffer(o *Offer) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(OfferDiscriminator[:])
	if err := bin.NewBorshEncoder(&buf).Encode(o); err != nil {
		return nil, fmt.Errorf("failed to encode offer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeOffer parses an offer record
func DecodeOffer(data []byte) (*Offer, error) {
	if len(data) != OfferSize || !bytes.Equal(data[:8], OfferDiscriminator[:]) {
		return nil, errors.New("not an offer record")
	}
	o := &Offer{}
	if err := bin.NewBorshDecoder(data[8:]).Decode(o); err != nil {
		return nil, fmt.Errorf("failed to decode offer: %w", err)
	}
	return o, nil
}

// registry owns offer records on the ledger
type registry struct {
	program *ledger.ProgramAuthority
}

// create allocates the record at address, paid for by the maker. The
// address must be the one derived from (maker, id) with bump.
func (r *registry) create(t *ledger.Txn, address solana.PublicKey, o *Offer) error {
	if o.TokenBWantedAmount == 0 {
		return newError(CodeInvalidAmount, "token B wanted amount must be greater than zero")
	}

	free, err := t.Unallocated(address)
	if err != nil {
		return classify(err)
	}
	if !free {
		return newError(CodeAlreadyExists, "offer %d of %s is already open at %s", o.ID, o.Maker, address)
	}

	signed, derived, err := r.program.Sign(t, o.signerSeeds()...)
	if err != nil {
		return classify(err)
	}
	if !derived.Equals(address) {
		return newError(CodeInvalidAccount, "offer address %s does not derive from maker and id", address)
	}

	if err := signed.CreateAccount(o.Maker, address, OfferSize, r.program.ID()); err != nil {
		return classify(err)
	}
	data, err := EncodeOffer(o)
	if err != nil {
		return err
	}
	return classify(r.program.WriteData(t, address, data))
}

// load reads the record at address; anything that is not a live offer owned
// by the program is OfferNotFound
func (r *registry) load(t *ledger.Txn, address solana.PublicKey) (*Offer, error) {
	a, err := t.Get(address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, newError(CodeOfferNotFound, "no offer at %s", address)
	}
	if err != nil {
		return nil, classify(err)
	}
	if !a.Owner.Equals(r.program.ID()) {
		return nil, newError(CodeOfferNotFound, "%s is not an offer account", address)
	}
	o, err := DecodeOffer(a.Data)
	if err != nil {
		return nil, newError(CodeOfferNotFound, "%s: %v", address, err)
	}
	return o, nil
}

// close deletes the record and refunds its deposit to the maker
func (r *registry) close(t *ledger.Txn, address solana.PublicKey, o *Offer) error {
	return classify(r.program.CloseAccount(t, address, o.Maker))
}
