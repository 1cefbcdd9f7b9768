package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/escrow/internal/escrow"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel())
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 3, cfg.Ledger.MaxCommitRetries)
	assert.Equal(t, 5*time.Second, cfg.WS.BroadcastInterval)
	assert.Equal(t, uint64(3480), cfg.Rent().LamportsPerByteYear)
	assert.Equal(t, uint64(2), cfg.Rent().ExemptionYears)

	id, err := cfg.ProgramID()
	require.NoError(t, err)
	assert.Equal(t, escrow.DefaultProgramID, id)

	tokenProgram, err := cfg.TokenProgramID()
	require.NoError(t, err)
	assert.Equal(t, solana.Token2022ProgramID, tokenProgram)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("ESCROW_HTTP_ADDR", ":9090")
	t.Setenv("ESCROW_LOG_LEVEL", "debug")
	t.Setenv("ESCROW_TOKEN_PROGRAM", "token")
	t.Setenv("ESCROW_AUTH_TOKEN_TTL", "1h")
	t.Setenv("ESCROW_STORAGE_BACKEND", "pebble")
	t.Setenv("ESCROW_STORAGE_PEBBLE_PATH", "/var/lib/escrow")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel())
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, BackendPebble, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/escrow", cfg.Storage.Pebble.Path)

	tokenProgram, err := cfg.TokenProgramID()
	require.NoError(t, err)
	assert.Equal(t, solana.TokenProgramID, tokenProgram)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":7070"
storage:
  backend: postgres
  postgres:
    dsn: postgres://u:p@db:5432/escrow
ledger:
  max_commit_retries: 5
`), 0o600))

	// the environment still wins over the file
	t.Setenv("ESCROW_LEDGER_MAX_COMMIT_RETRIES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "postgres://u:p@db:5432/escrow", cfg.Storage.Postgres.DSN)
	assert.Equal(t, 7, cfg.Ledger.MaxCommitRetries)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"LogLevel", "ESCROW_LOG_LEVEL", "loud"},
		{"Backend", "ESCROW_STORAGE_BACKEND", "sqlite"},
		{"PostgresDSN", "ESCROW_STORAGE_POSTGRES_DSN", "host=db"},
		{"ProgramID", "ESCROW_ESCROW_PROGRAM_ID", "not-base58!"},
		{"TokenProgram", "ESCROW_TOKEN_PROGRAM", "token-2023"},
		{"Retries", "ESCROW_LEDGER_MAX_COMMIT_RETRIES", "0"},
		{"Interval", "ESCROW_WS_BROADCAST_INTERVAL", "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if tt.name == "PostgresDSN" {
				t.Setenv("ESCROW_STORAGE_BACKEND", BackendPostgres)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
