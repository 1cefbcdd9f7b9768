package ledger

// AccountStorageOverhead is the per-account size charged on top of its data
const AccountStorageOverhead = 128

// Rent prices account storage. An account holding MinimumBalance lamports is
// exempt and can live forever; closing it returns the deposit.
type Rent struct {
	LamportsPerByteYear uint64
	ExemptionYears      uint64
}

// DefaultRent matches the mainnet parameters
func DefaultRent() Rent {
	return Rent{LamportsPerByteYear: 3480, ExemptionYears: 2}
}

// MinimumBalance is the rent-exempt deposit for space bytes of data
func (r Rent) MinimumBalance(space int) uint64 {
	return (AccountStorageOverhead + uint64(space)) * r.LamportsPerByteYear * r.ExemptionYears
}
