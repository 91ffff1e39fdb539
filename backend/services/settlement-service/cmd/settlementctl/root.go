package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/auth"
	"gpurental/backend/services/settlement-service/internal/config"
	"gpurental/backend/services/settlement-service/internal/db"
	"gpurental/backend/services/settlement-service/internal/repository"
	"gpurental/backend/services/settlement-service/internal/service"
)

var errSessionInvalid = errors.New("billing session failed verification")

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "settlementctl",
		Short:         "Operate the GPU rental settlement service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTokenCmd(), newMigrateCmd(), newVerifyCmd())
	return root
}

func newTokenCmd() *cobra.Command {
	var (
		secret string
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret or SETTLEMENT_JWT_SECRET is required")
			}
			token, err := auth.NewTokenService(secret, ttl).GenerateToken(userID, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", getEnvOrDefault("SETTLEMENT_JWT_SECRET", ""), "HMAC signing secret")
	cmd.Flags().StringVar(&userID, "user", "", "user id placed in the token subject")
	cmd.Flags().StringVar(&role, "role", "renter", "role: renter, provider, admin or system")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			sqlDB, err := openDB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			if err := db.Migrate(cmd.Context(), sqlDB); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify SESSION_ID",
		Short: "Recompute proof hashes and totals for a billing session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sqlDB, err := openDB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			store := repository.NewPostgresStore(sqlDB)
			logger := zap.NewNop()
			wallet := service.NewWalletService(store, nil, logger)
			billing := service.NewBillingService(store, wallet, service.BillingConfig{}, nil, logger)
			return verifySession(cmd.Context(), billing, args[0], cmd.OutOrStdout())
		},
	}
}

func verifySession(ctx context.Context, billing *service.BillingService, sessionID string, out io.Writer) error {
	report, err := billing.Verify(ctx, sessionID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Valid {
		return errSessionInvalid
	}
	return nil
}

func openDB() (*sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return nil, fmt.Errorf("settlementctl needs the postgres driver, got %q", cfg.Database.Driver)
	}
	return db.NewPostgres(cfg.Database.DSN, db.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
}
