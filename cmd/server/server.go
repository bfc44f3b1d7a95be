package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/CamberLoid/ChimataPHE/internal/config"
	"github.com/CamberLoid/ChimataPHE/internal/logging"
	"github.com/CamberLoid/ChimataPHE/internal/pipeline"
	"github.com/CamberLoid/ChimataPHE/internal/server"
	"github.com/CamberLoid/ChimataPHE/internal/serverlib"
	"github.com/urfave/cli/v2"
)

var ConfigVersion = config.DefaultVersion

func main() {
	app := &cli.App{
		Name:     "ChimataPHE",
		HelpName: "ChimataPHE-server",
		Version:  ConfigVersion,
		Usage:    "Encrypted-balance ledger server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
			&cli.StringFlag{Name: "listen", Usage: "ledger listen address"},
			&cli.StringFlag{Name: "status-listen", Usage: "HTTP status endpoint address, empty to disable"},
			&cli.StringFlag{Name: "db-driver", Usage: "sqlite3, postgres or memory"},
			&cli.StringFlag{Name: "db-dsn", Usage: "database file or connection string"},
			&cli.IntFlag{Name: "workers", Usage: "pipeline workers"},
			&cli.IntFlag{Name: "queue-size", Usage: "pipeline intake queue capacity"},
			&cli.StringFlag{Name: "admission", Usage: "block or reject when the queue is full"},
			&cli.DurationFlag{Name: "request-timeout", Usage: "per-request handling timeout"},
			&cli.BoolFlag{Name: "allow-self-transfer", Usage: "accept transfers whose sender is the receiver"},
			&cli.StringFlag{Name: "log-level", Usage: "critical, error, warning, info or debug"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logging.CriticalLogger.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	s := &cfg.Server
	if c.IsSet("listen") {
		s.Listen = c.String("listen")
	}
	if c.IsSet("status-listen") {
		s.StatusListen = c.String("status-listen")
	}
	if c.IsSet("db-driver") {
		s.Database.Driver = c.String("db-driver")
	}
	if c.IsSet("db-dsn") {
		s.Database.DSN = c.String("db-dsn")
	}
	if c.IsSet("workers") {
		s.Pipeline.Workers = c.Int("workers")
	}
	if c.IsSet("queue-size") {
		s.Pipeline.QueueSize = c.Int("queue-size")
	}
	if c.IsSet("admission") {
		s.Pipeline.Admission = c.String("admission")
	}
	if c.IsSet("request-timeout") {
		s.Pipeline.RequestTimeout = c.Duration("request-timeout")
	}
	if c.IsSet("allow-self-transfer") {
		s.AllowSelfTransfer = c.Bool("allow-self-transfer")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	return cfg, cfg.Validate()
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logging.Init(cfg.LogLevel, nil, nil)
	logging.InfoLogger.Printf("Project ChimataPHE Server Version %s", ConfigVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := openStores(ctx, cfg.Server.Database)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc := serverlib.NewService(stores.Ledger, stores.Auth, stores.History, cfg.Server.AllowSelfTransfer)
	p := pipeline.New(pipeline.Config{
		Workers:        cfg.Server.Pipeline.Workers,
		QueueSize:      cfg.Server.Pipeline.QueueSize,
		Admission:      cfg.Server.Pipeline.Admission,
		RequestTimeout: cfg.Server.Pipeline.RequestTimeout,
	}, svc)

	srv := server.New(server.Config{
		Addr:           cfg.Server.Listen,
		StatusAddr:     cfg.Server.StatusListen,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxMessageSize: cfg.Server.MaxMessageSize,
		Version:        ConfigVersion,
	}, p)

	err = srv.Serve(ctx)
	logging.InfoLogger.Print("Server stopped")
	return err
}
