package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/PaulBabatuyi/realtime-messenger/internal/auth"
	"github.com/PaulBabatuyi/realtime-messenger/internal/config"
	"github.com/PaulBabatuyi/realtime-messenger/internal/e2e"
	"github.com/PaulBabatuyi/realtime-messenger/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "messenger",
		Short:         "Realtime 1-to-1 messenger: delivery, presence, typing and call signalling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			// .env is optional; real environment variables win.
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")
	root.AddCommand(newServeCmd(&configPath), newTokenCmd(&configPath), newKeygenCmd())
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC realtime endpoint and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func newTokenCmd(configPath *string) *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a handshake token for a user (development)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if ttl > 0 {
				cfg.JWT.TTL = ttl
			}
			mgr, err := newJWTManager(cfg)
			if err != nil {
				return err
			}
			token, expiresAt, err := mgr.GenerateToken(userID)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"token":     token,
				"userId":    userID,
				"expiresAt": expiresAt.UTC(),
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to put in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to jwt.ttl)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	var dir string
	var iterations int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create or restore a wrapped device key and print its public JWK",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("create key dir: %w", err)
			}
			dev, created, err := e2e.NewKeyring(dir, iterations).LoadOrCreate()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"deviceId":    dev.ID,
				"created":     created,
				"fingerprint": dev.Fingerprint(),
				"jwk":         dev.PublicJWK(),
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".messenger", "directory holding device.secret and device.key")
	cmd.Flags().IntVar(&iterations, "iterations", e2e.DefaultIterations, "PBKDF2 iterations for a new key")
	return cmd
}

func newJWTManager(cfg config.Config) (*auth.JWTManager, error) {
	if cfg.JWT.Keys != "" {
		keys, err := cfg.JWTKeys()
		if err != nil {
			return nil, err
		}
		return auth.NewJWTManagerFromKeys(keys, cfg.JWT.ActiveKID, cfg.JWT.TTL), nil
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("either jwt.secret or jwt.keys must be set")
	}
	return auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TTL), nil
}

// shutdownContext bounds graceful shutdown after ctx has ended.
func shutdownContext(grace time.Duration) (context.Context, context.CancelFunc) {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), grace)
}
