package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xtrntr/escrow/internal/auth"
	"github.com/xtrntr/escrow/internal/config"
	"github.com/xtrntr/escrow/internal/models"
	"github.com/xtrntr/escrow/internal/service"
)

const (
	seedLamports = 1_000_000_000
	seedTokens   = 1_000_000_000
	seedDecimals = 6
	seedPassword = "password123"
)

var (
	configFile string
	password   string
)

var rootCmd = &cobra.Command{
	Use:          "seed",
	Short:        "Provision two mints and two funded wallets on the configured ledger",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		log.SetLevel(cfg.LogLevel())
		if cfg.Storage.Backend == config.BackendMemory {
			log.Warn("seeding the memory backend, state is lost when seed exits")
		}
		return seed(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "configuration file path")
	rootCmd.Flags().StringVar(&password, "password", seedPassword, "password for the seeded users")
}

type wallet struct {
	name    string
	private solana.PrivateKey
	key     solana.PublicKey
	mint    solana.PublicKey
	ata     solana.PublicKey
}

func newWallet(name string, mint solana.PublicKey) *wallet {
	private := solana.NewWallet().PrivateKey
	return &wallet{name: name, private: private, key: private.PublicKey(), mint: mint}
}

// Seed the ledger with test data
func seed(ctx context.Context, cfg *config.Config) error {
	svc, err := service.New(ctx, cfg, log.StandardLogger())
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	authority := solana.NewWallet().PublicKey()
	if err := svc.Ledger.Airdrop(ctx, authority, seedLamports); err != nil {
		return fmt.Errorf("failed to fund mint authority: %w", err)
	}

	mintA := solana.NewWallet().PublicKey()
	mintB := solana.NewWallet().PublicKey()
	for _, mint := range []solana.PublicKey{mintA, mintB} {
		if err := svc.Tokens.CreateMint(ctx, authority, mint, seedDecimals); err != nil {
			return fmt.Errorf("failed to create mint: %w", err)
		}
	}

	wallets := []*wallet{
		newWallet("alice", mintA),
		newWallet("bob", mintB),
	}
	for _, w := range wallets {
		if err := svc.Ledger.Airdrop(ctx, w.key, seedLamports); err != nil {
			return fmt.Errorf("failed to airdrop to %s: %w", w.name, err)
		}
		if w.ata, err = svc.Tokens.Issue(ctx, authority, w.key, w.mint, seedTokens); err != nil {
			return fmt.Errorf("failed to issue tokens to %s: %w", w.name, err)
		}

		sig, err := w.private.Sign(auth.RegistrationMessage(w.name, w.key.String()))
		if err != nil {
			return fmt.Errorf("failed to sign registration for %s: %w", w.name, err)
		}
		_, err = svc.Auth.Register(ctx, w.name, password, w.key.String(), sig.String())
		switch {
		case errors.Is(err, models.ErrUserExists):
			log.WithField("username", w.name).Warn("user already registered, skipping")
		case err != nil:
			return fmt.Errorf("failed to register %s: %w", w.name, err)
		}
	}

	fmt.Printf("token program:  %s\n", svc.Tokens.ID())
	fmt.Printf("escrow program: %s\n", svc.Engine.ProgramID())
	fmt.Printf("mint A:         %s\n", mintA)
	fmt.Printf("mint B:         %s\n", mintB)
	for _, w := range wallets {
		fmt.Printf("%-6s wallet %s, token account %s\n", w.name, w.key, w.ata)
		fmt.Printf("%-6s private key %s\n", w.name, w.private)
	}
	fmt.Println("Seeding completed successfully.")
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
