package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	_ "github.com/lib/pq"
	"github.com/urfave/cli/v2"

	"msusd/internal/config"
	"msusd/internal/observability"
	"msusd/internal/persistence"
	"msusd/migrations"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to the YAML configuration file",
	EnvVars: []string{"MSUSD_CONFIG"},
}

func main() {
	app := &cli.App{
		Name:  "msusd",
		Usage: "msUSD synthetic dollar ledger",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			serveCommand,
			migrateCommand,
			snapshotCommand,
			verifyCommand,
		},
		DefaultCommand: "serve",
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and sets up log output. The returned
// closer flushes the log file.
func loadConfig(c *cli.Context) (config.Config, func(), error) {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return cfg, nil, err
	}
	observability.SetLevel(observability.ParseLogLevel(cfg.Log.Level))
	closer := observability.ConfigureLogOutput(cfg.LogFile())
	return cfg, func() { _ = closer.Close() }, nil
}

// withDB runs fn with the loaded configuration and an open database.
func withDB(c *cli.Context, fn func(ctx context.Context, cfg config.Config, db *sql.DB) error) error {
	cfg, closeLog, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer closeLog()
	db, err := openDB(c.Context, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(c.Context, cfg, db)
}

func openDB(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func newMigrator(db *sql.DB, cfg config.PostgresConfig) *persistence.Migrator {
	var files fs.FS = migrations.Files
	if cfg.MigrationsDir != "" {
		files = os.DirFS(cfg.MigrationsDir)
	}
	return persistence.NewMigrator(db, files)
}

func openSnapshotStore(db *sql.DB, cfg config.SnapshotConfig) (persistence.SnapshotStore, error) {
	if cfg.Store == config.SnapshotStorePebble {
		return persistence.OpenPebbleSnapshotStore(cfg.Path)
	}
	return persistence.NewPostgresSnapshotStore(db), nil
}
