package main

import (
	"context"

	"github.com/CamberLoid/ChimataPHE/internal/auth"
	"github.com/CamberLoid/ChimataPHE/internal/config"
	"github.com/CamberLoid/ChimataPHE/internal/db"
	"github.com/CamberLoid/ChimataPHE/internal/history"
	"github.com/CamberLoid/ChimataPHE/internal/ledger"
	"github.com/CamberLoid/ChimataPHE/internal/logging"
)

type stores struct {
	Ledger  ledger.Store
	Auth    *auth.Authenticator
	History history.Store

	database *db.DB
}

func (s *stores) Close() error {
	if s.database == nil {
		return nil
	}
	return s.database.Close()
}

// openStores 打开/创建数据库并建表; "memory" 不落盘
func openStores(ctx context.Context, cfg config.Database) (*stores, error) {
	if cfg.Driver == "memory" {
		logging.WarningLogger.Println("Database: in-memory stores, nothing is persisted")
		return &stores{
			Ledger:  ledger.NewMemoryStore(nil),
			Auth:    auth.New(auth.NewMemoryStore()),
			History: history.NewMemoryStore(),
		}, nil
	}

	logging.DebugLogger.Printf("Database: opening %s", cfg.Driver)
	d, err := db.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	logging.DebugLogger.Println("Database: Initializing Accounts, Credentials, History")
	if err = db.InitServerTables(ctx, d); err != nil {
		d.Close()
		return nil, err
	}

	return &stores{
		Ledger:   ledger.NewSQLStore(d, nil),
		Auth:     auth.New(auth.NewSQLStore(d)),
		History:  history.NewSQLStore(d),
		database: d,
	}, nil
}
