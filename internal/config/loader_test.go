package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("NUXGATE_CHAT__BOT_TOKEN", "tok")
	t.Setenv("NUXGATE_CHAT__WEBHOOK_SECRET", "hook")
	t.Setenv("NUXGATE_BILLING__API_URL", "http://billing.local/api")
	t.Setenv("NUXGATE_BILLING__USERNAME", "admin")
	t.Setenv("NUXGATE_BILLING__PASSWORD", "secret")
}

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				setRequiredEnv(t)
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, 5, cfg.RateLimit.MaxRequests)
				require.Equal(t, 10, cfg.RateLimit.WindowSeconds)
				require.Equal(t, 300, cfg.Pending.TTLSeconds)
				require.Equal(t, 9, cfg.Command.DeadlineSeconds)
				require.Equal(t, 10, cfg.Command.ListConcurrency)
				require.Equal(t, "zero", cfg.Billing.ActivateUsing)
				require.Equal(t, "memory", cfg.Cache.Backend)
				require.Equal(t, "https://api.telegram.org", cfg.Chat.APIBaseURL)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				setRequiredEnv(t)
				dir := t.TempDir()
				path := filepath.Join(dir, "nuxgate.yaml")
				require.NoError(t, os.WriteFile(path, []byte(
					"server:\n  listen:\n    port: 9090\nrateLimit:\n  maxRequests: 3\n"), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 3, cfg.RateLimit.MaxRequests)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				setRequiredEnv(t)
				dir := t.TempDir()
				path := filepath.Join(dir, "nuxgate.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("NUXGATE_SERVER__LISTEN__PORT", "9091")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
			},
		},
		{
			name: "maps env keys onto camel case paths",
			setup: func(t *testing.T) []string {
				setRequiredEnv(t)
				t.Setenv("NUXGATE_PENDING__TTL_SECONDS", "120")
				t.Setenv("NUXGATE_COMMAND__DEADLINE_SECONDS", "5")
				t.Setenv("NUXGATE_BILLING__ACTIVATE_USING", "deposit")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 120, cfg.Pending.TTLSeconds)
				require.Equal(t, 5, cfg.Command.DeadlineSeconds)
				require.Equal(t, "deposit", cfg.Billing.ActivateUsing)
			},
		},
		{
			name: "missing bot token fails",
			setup: func(t *testing.T) []string {
				setRequiredEnv(t)
				t.Setenv("NUXGATE_CHAT__BOT_TOKEN", "")
				return nil
			},
			wantErr: true,
		},
		{
			name: "valkey backend requires address",
			setup: func(t *testing.T) []string {
				setRequiredEnv(t)
				t.Setenv("NUXGATE_CACHE__BACKEND", "valkey")
				return nil
			},
			wantErr: true,
		},
		{
			name: "valkey backend with address",
			setup: func(t *testing.T) []string {
				setRequiredEnv(t)
				t.Setenv("NUXGATE_CACHE__BACKEND", "valkey")
				t.Setenv("NUXGATE_CACHE__VALKEY__ADDRESS", "127.0.0.1:6379")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "valkey", cfg.Cache.Backend)
				require.Equal(t, "127.0.0.1:6379", cfg.Cache.Valkey.Address)
			},
		},
		{
			name: "router block requires rule identity",
			setup: func(t *testing.T) []string {
				setRequiredEnv(t)
				t.Setenv("NUXGATE_ROUTER__BASE_URL", "https://router.local")
				t.Setenv("NUXGATE_ROUTER__PUBLIC_ADDRESS", "")
				return nil
			},
			wantErr: true,
		},
		{
			name: "missing file fails",
			setup: func(t *testing.T) []string {
				setRequiredEnv(t)
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			loader := NewLoader("NUXGATE", files...)
			cfg, err := loader.Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "10s", cfg.RateLimit.Window().String())
	require.Equal(t, "5m0s", cfg.Pending.TTL().String())
	require.Equal(t, "9s", cfg.Command.Deadline().String())
}
