package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/escrow/internal/api"
	"github.com/xtrntr/escrow/internal/config"
	"github.com/xtrntr/escrow/internal/escrow"
	"github.com/xtrntr/escrow/internal/service"
)

const shutdownTimeout = 10 * time.Second

var configFile string

var rootCmd = &cobra.Command{
	Use:          "escrowd",
	Short:        "Two-party token escrow service",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		log.SetLevel(cfg.LogLevel())
		return serve(cmd.Context(), cfg)
	},
}

var deriveCmd = &cobra.Command{
	Use:   "derive <maker> <id>",
	Short: "Print the offer and vault addresses of a maker's offer id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		maker, err := solana.PublicKeyFromBase58(args[0])
		if err != nil {
			return fmt.Errorf("invalid maker address: %w", err)
		}
		id, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid offer id: %w", err)
		}
		programID, err := cfg.ProgramID()
		if err != nil {
			return err
		}
		tokenProgram, err := cfg.TokenProgramID()
		if err != nil {
			return err
		}

		offer, bump, err := escrow.DeriveOfferAddress(programID, maker, id)
		if err != nil {
			return err
		}
		mintA, _ := cmd.Flags().GetString("mint-a")
		fmt.Fprintf(cmd.OutOrStdout(), "offer: %s (bump %d)\n", offer, bump)
		if mintA == "" {
			return nil
		}
		mint, err := solana.PublicKeyFromBase58(mintA)
		if err != nil {
			return fmt.Errorf("invalid mint address: %w", err)
		}
		vault, err := escrow.DeriveVaultAddress(offer, mint, tokenProgram)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "vault: %s\n", vault)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file path")
	deriveCmd.Flags().String("mint-a", "", "offered mint, prints the vault address when set")
	rootCmd.AddCommand(serveCmd, deriveCmd)
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.StandardLogger()
	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close(context.Background())

	hub := api.NewHub(api.OffersSnapshot(svc.Engine), logger)
	handler := api.NewHandler(svc.Engine, svc.Ledger, svc.Tokens, svc.Settlements, svc.Auth, hub, logger)
	metrics := promhttp.HandlerFor(svc.Registry, promhttp.HandlerOpts{})

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handler.Router(metrics),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(log.Fields{
			"addr":          cfg.HTTP.Addr,
			"program_id":    svc.Engine.ProgramID().String(),
			"token_program": svc.Tokens.ID().String(),
		}).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return hub.Run(ctx, cfg.WS.BroadcastInterval)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
