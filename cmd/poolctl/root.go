package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/example/ridepool/internal/allocation"
	"github.com/example/ridepool/internal/logging"
	"github.com/example/ridepool/internal/storage"
)

// backend is what every subcommand reads from.
type backend struct {
	store storage.Store
	log   allocation.Log
	close func() error
}

type opener func(ctx context.Context, cfg *viper.Viper) (*backend, error)

func openPostgres(ctx context.Context, cfg *viper.Viper) (*backend, error) {
	dsn := cfg.GetString("pg_dsn")
	if dsn == "" {
		return nil, errors.New("pg-dsn (or RIDEPOOL_PG_DSN) is required")
	}
	db, err := storage.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &backend{store: storage.NewPostgresStore(db), log: allocation.NewPostgresLog(db), close: db.Close}, nil
}

type app struct {
	cfg  *viper.Viper
	open opener
}

func (a *app) logger(w io.Writer) *slog.Logger {
	return logging.New(w, a.cfg.GetString("log_level"))
}

func (a *app) withBackend(ctx context.Context, fn func(*backend) error) error {
	b, err := a.open(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if b.close != nil {
			_ = b.close()
		}
	}()
	return fn(b)
}

func newRootCmd(open opener) *cobra.Command {
	if open == nil {
		open = openPostgres
	}
	cfg := viper.New()
	cfg.SetEnvPrefix("ridepool")
	cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cfg.AutomaticEnv()
	cfg.SetDefault("log_level", "warn")

	a := &app{cfg: cfg, open: open}

	rootCmd := &cobra.Command{
		Use:          "poolctl",
		Short:        "Inspect ride pools and audit the allocation log",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("pg-dsn", "", "Postgres DSN holding pools and the allocation log")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level for replay diagnostics")
	_ = cfg.BindPFlag("pg_dsn", rootCmd.PersistentFlags().Lookup("pg-dsn"))
	_ = cfg.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(
		newPoolsCmd(a),
		newHistoryCmd(a),
		newVerifyCmd(a),
	)
	return rootCmd
}
