package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ProgramAuthority is the capability to act as one program: write the data
// of accounts it owns, close them, and sign for its program-derived
// addresses. Ledger.RegisterProgram hands out exactly one per program id.
type ProgramAuthority struct {
	id solana.PublicKey
}

// ID returns the program id
func (p *ProgramAuthority) ID() solana.PublicKey {
	return p.id
}

// Owned reads address and fails with ErrInvalidOwner unless the program owns it
func (p *ProgramAuthority) Owned(t *Txn, address solana.PublicKey) (*Account, error) {
	a, err := t.Get(address)
	if err != nil {
		return nil, err
	}
	if !a.Owner.Equals(p.id) {
		return nil, fmt.Errorf("%w: %s is owned by %s", ErrInvalidOwner, address, a.Owner)
	}
	return a, nil
}

// WriteData replaces the data of an account owned by the program
func (p *ProgramAuthority) WriteData(t *Txn, address solana.PublicKey, data []byte) error {
	a, err := p.Owned(t, address)
	if err != nil {
		return err
	}
	a.Data = append([]byte(nil), data...)
	return t.write(p.id, a)
}

// CloseAccount moves every lamport of an owned account to destination and
// deletes it
func (p *ProgramAuthority) CloseAccount(t *Txn, address, destination solana.PublicKey) error {
	if address.Equals(destination) {
		return fmt.Errorf("cannot close %s into itself", address)
	}
	a, err := p.Owned(t, address)
	if err != nil {
		return err
	}
	if err := t.erase(p.id, address); err != nil {
		return err
	}
	return t.Credit(destination, a.Lamports)
}

// Sign returns a view of t in which the address derived from seeds under
// this program id is a signer. Seeds must include the bump.
func (p *ProgramAuthority) Sign(t *Txn, seeds ...[]byte) (*Txn, solana.PublicKey, error) {
	address, err := solana.CreateProgramAddress(seeds, p.id)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidSeeds, err)
	}
	return t.withSigner(address), address, nil
}
