package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/CamberLoid/ChimataPHE/internal/config"
	"github.com/CamberLoid/ChimataPHE/internal/custody"
	"github.com/CamberLoid/ChimataPHE/internal/db"
	"github.com/CamberLoid/ChimataPHE/internal/logging"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:     "ChimataPHE",
		HelpName: "ChimataPHE-custody",
		Version:  config.DefaultVersion,
		Usage:    "Key-custody service for ChimataPHE accounts",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
			&cli.StringFlag{Name: "listen", Usage: "custody listen address"},
			&cli.StringFlag{Name: "db-driver", Usage: "sqlite3, postgres or memory"},
			&cli.StringFlag{Name: "db-dsn", Usage: "database file or connection string"},
			&cli.StringFlag{Name: "log-level", Usage: "critical, error, warning, info or debug"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logging.CriticalLogger.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("listen") {
		cfg.Custody.Listen = c.String("listen")
	}
	if c.IsSet("db-driver") {
		cfg.Custody.Database.Driver = c.String("db-driver")
	}
	if c.IsSet("db-dsn") {
		cfg.Custody.Database.DSN = c.String("db-dsn")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if err = cfg.Validate(); err != nil {
		return err
	}
	logging.Init(cfg.LogLevel, nil, nil)
	logging.InfoLogger.Printf("Project ChimataPHE Custody Version %s", config.DefaultVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var vault custody.Vault
	if cfg.Custody.Database.Driver == "memory" {
		logging.WarningLogger.Println("Database: in-memory vault, keys are lost on exit")
		vault = custody.NewMemoryVault()
	} else {
		d, err := db.Open(ctx, cfg.Custody.Database.Driver, cfg.Custody.Database.DSN)
		if err != nil {
			return err
		}
		defer d.Close()
		if err = db.InitCustodyTables(ctx, d); err != nil {
			return err
		}
		vault = custody.NewSQLVault(d)
	}

	srv := custody.NewServer(cfg.Custody.Listen, vault)
	srv.IdleTimeout = config.DefaultIdleTimeout
	return srv.Serve(ctx)
}
