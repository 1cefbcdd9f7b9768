package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xtrntr/escrow/internal/models"
)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool on a migrated schema
func NewDB(ctx context.Context, connString string) (*DB, error) {
	if err := Migrate(connString); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUser inserts a new user bound to wallet
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, wallet solana.PublicKey) (*models.User, error) {
	user := &models.User{}
	var walletStr string
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, wallet) VALUES ($1, $2, $3) RETURNING id, username, password_hash, wallet, created_at",
		username, passwordHash, wallet.String()).Scan(&user.ID, &user.Username, &user.PasswordHash, &walletStr, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s", models.ErrUserExists, pgErr.ConstraintName)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if user.Wallet, err = solana.PublicKeyFromBase58(walletStr); err != nil {
		return nil, fmt.Errorf("failed to parse wallet of %s: %w", username, err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	var walletStr string
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, wallet, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &walletStr, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user.Wallet, err = solana.PublicKeyFromBase58(walletStr); err != nil {
		return nil, fmt.Errorf("failed to parse wallet of %s: %w", username, err)
	}
	return user, nil
}

// RecordSettlement inserts a completed swap
func (db *DB) RecordSettlement(ctx context.Context, s *models.Settlement) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO settlements
			(id, offer, offer_id, maker, taker, token_mint_a, token_mint_b, token_a_amount, token_b_amount, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID,
		s.Offer.String(),
		strconv.FormatUint(s.OfferID, 10),
		s.Maker.String(),
		s.Taker.String(),
		s.TokenMintA.String(),
		s.TokenMintB.String(),
		strconv.FormatUint(s.TokenAAmount, 10),
		strconv.FormatUint(s.TokenBAmount, 10),
		s.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record settlement: %w", err)
	}
	return nil
}

// ListSettlements retrieves the settlements party took part in, newest first
func (db *DB) ListSettlements(ctx context.Context, party solana.PublicKey) ([]models.Settlement, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id::text, offer, offer_id::text, maker, taker, token_mint_a, token_mint_b,
			token_a_amount::text, token_b_amount::text, settled_at
		FROM settlements
		WHERE maker = $1 OR taker = $1
		ORDER BY settled_at DESC
	`, party.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get settlements: %w", err)
	}
	defer rows.Close()

	var settlements []models.Settlement
	for rows.Next() {
		var (
			s                                 models.Settlement
			offer, maker, taker, mintA, mintB string
			offerID, amountA, amountB         string
		)
		err := rows.Scan(&s.ID, &offer, &offerID, &maker, &taker, &mintA, &mintB, &amountA, &amountB, &s.SettledAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		if err := parseSettlement(&s, offer, maker, taker, mintA, mintB, offerID, amountA, amountB); err != nil {
			return nil, fmt.Errorf("failed to parse settlement %s: %w", s.ID, err)
		}
		settlements = append(settlements, s)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return settlements, nil
}

func parseSettlement(s *models.Settlement, offer, maker, taker, mintA, mintB, offerID, amountA, amountB string) error {
	var err error
	keys := []struct {
		dst *solana.PublicKey
		src string
	}{
		{&s.Offer, offer},
		{&s.Maker, maker},
		{&s.Taker, taker},
		{&s.TokenMintA, mintA},
		{&s.TokenMintB, mintB},
	}
	for _, k := range keys {
		if *k.dst, err = solana.PublicKeyFromBase58(k.src); err != nil {
			return err
		}
	}
	if s.OfferID, err = strconv.ParseUint(offerID, 10, 64); err != nil {
		return err
	}
	if s.TokenAAmount, err = strconv.ParseUint(amountA, 10, 64); err != nil {
		return err
	}
	s.TokenBAmount, err = strconv.ParseUint(amountB, 10, 64)
	return err
}
