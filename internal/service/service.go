// Package service assembles the ledger, token program, escrow engine and
// their stores from a loaded configuration.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/escrow/internal/auth"
	"github.com/xtrntr/escrow/internal/config"
	"github.com/xtrntr/escrow/internal/db"
	"github.com/xtrntr/escrow/internal/escrow"
	"github.com/xtrntr/escrow/internal/ledger"
	"github.com/xtrntr/escrow/internal/ledger/pebblestore"
	"github.com/xtrntr/escrow/internal/token"
)

// Services holds everything escrowd runs on
type Services struct {
	Ledger      *ledger.Ledger
	Tokens      *token.Program
	Engine      *escrow.Engine
	Users       auth.UserStore
	Settlements escrow.SettlementLog
	Auth        *auth.AuthService
	Registry    *prometheus.Registry

	database *db.DB
}

// New opens the configured storage backend and wires the engine on top
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*Services, error) {
	s := &Services{Registry: prometheus.NewRegistry()}
	s.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var store ledger.Store
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		store = ledger.NewMemoryStore()
		s.Users = auth.NewMemoryUserStore()
		s.Settlements = escrow.NewMemorySettlementLog()
	case config.BackendPebble:
		ps, err := pebblestore.Open(cfg.Storage.Pebble.Path, cfg.Storage.Pebble.CacheSize)
		if err != nil {
			return nil, err
		}
		store = ps
		s.Users = auth.NewMemoryUserStore()
		s.Settlements = escrow.NewMemorySettlementLog()
	case config.BackendPostgres:
		database, err := db.NewDB(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		s.database = database
		store = database.Accounts()
		s.Users = database
		s.Settlements = database
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	log.WithField("backend", cfg.Storage.Backend).Info("ledger store opened")

	metrics := escrow.NewMetrics(s.Registry)
	s.Ledger = ledger.New(ledger.Config{
		Store:            store,
		Rent:             cfg.Rent(),
		MaxCommitRetries: cfg.Ledger.MaxCommitRetries,
		Logger:           log,
		OnCommitRetry:    metrics.CommitRetried,
	})

	tokenProgram, err := cfg.TokenProgramID()
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	if s.Tokens, err = token.New(s.Ledger, tokenProgram); err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("failed to register token program: %w", err)
	}

	programID, err := cfg.ProgramID()
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	s.Engine, err = escrow.NewEngine(escrow.Config{
		Ledger:      s.Ledger,
		Tokens:      s.Tokens,
		ProgramID:   programID,
		Settlements: s.Settlements,
		Metrics:     metrics,
		Logger:      log,
	})
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = randomSecret()
		log.Warn("auth.jwt_secret not set, sessions will not survive a restart")
	}
	s.Auth = auth.NewAuthService(s.Users, secret, cfg.Auth.TokenTTL)
	return s, nil
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// Close releases the ledger store and the database pool
func (s *Services) Close(ctx context.Context) error {
	var err error
	if s.Ledger != nil {
		err = s.Ledger.Close()
	}
	if s.database != nil {
		if cerr := s.database.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}
