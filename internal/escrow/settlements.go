package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/xtrntr/escrow/internal/models"
)

// SettlementLog keeps the history of completed swaps. It is written after
// the ledger commit and is not part of the atomic unit.
type SettlementLog interface {
	RecordSettlement(ctx context.Context, s *models.Settlement) error
	ListSettlements(ctx context.Context, party solana.PublicKey) ([]models.Settlement, error)
}

// MemorySettlementLog is a SettlementLog kept in process memory
type MemorySettlementLog struct {
	mu          sync.RWMutex
	settlements []models.Settlement
}

// NewMemorySettlementLog creates an empty log
func NewMemorySettlementLog() *MemorySettlementLog {
	return &MemorySettlementLog{}
}

// RecordSettlement appends s
func (m *MemorySettlementLog) RecordSettlement(ctx context.Context, s *models.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements = append(m.settlements, *s)
	return nil
}

// ListSettlements returns the settlements party took part in, newest first
func (m *MemorySettlementLog) ListSettlements(ctx context.Context, party solana.PublicKey) ([]models.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Settlement
	for _, s := range m.settlements {
		if s.Maker.Equals(party) || s.Taker.Equals(party) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SettledAt.After(out[j].SettledAt)
	})
	return out, nil
}
