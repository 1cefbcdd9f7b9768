package models

import (
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("username or wallet already registered")
)

// User is an API account bound to the wallet it signs for
type User struct {
	ID           int
	Username     string
	PasswordHash string
	Wallet       solana.PublicKey
	CreatedAt    time.Time
}

// Settlement records one completed swap
type Settlement struct {
	ID           string           `json:"id"`
	Offer        solana.PublicKey `json:"offer"`
	OfferID      uint64           `json:"offer_id,string"`
	Maker        solana.PublicKey `json:"maker"`
	Taker        solana.PublicKey `json:"taker"`
	TokenMintA   solana.PublicKey `json:"token_mint_a"`
	TokenMintB   solana.PublicKey `json:"token_mint_b"`
	TokenAAmount uint64           `json:"token_a_amount,string"`
	TokenBAmount uint64           `json:"token_b_amount,string"`
	SettledAt    time.Time        `json:"settled_at"`
}
