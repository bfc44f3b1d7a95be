package clientlib

import (
	"context"
	"database/sql"

	"github.com/CamberLoid/ChimataPHE/internal/config"
	"github.com/CamberLoid/ChimataPHE/internal/db"
	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/pkg/errors"
)

var (
	ConfigDatabasePath = config.DefaultDatabasePath(config.DefaultClientDatabaseName)

	ErrNotInKeyring = errors.New("no keys in local keyring")
)

// Keyring 是客户端本地的密钥缓存
type Keyring struct {
	d *db.DB
}

// OpenKeyring 打开（必要时创建）本地 sqlite 密钥库
func OpenKeyring(ctx context.Context, path string) (*Keyring, error) {
	if path == "" {
		path = ConfigDatabasePath
	}
	d, err := db.Open(ctx, db.DriverSQLite, path)
	if err != nil {
		return nil, err
	}
	if err = db.InitKeyringTables(ctx, d); err != nil {
		d.Close()
		return nil, err
	}
	return &Keyring{d: d}, nil
}

func (k *Keyring) Save(ctx context.Context, username string, kc *key.KeyChain) error {
	record, err := key.MarshalKeyChain(kc)
	if err != nil {
		return err
	}
	return db.PutKeyringRecord(ctx, k.d, username, record)
}

func (k *Keyring) Load(ctx context.Context, username string) (*key.KeyChain, error) {
	record, err := db.GetKeyringRecord(ctx, k.d, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrNotInKeyring, username)
	}
	if err != nil {
		return nil, err
	}
	return key.UnmarshalKeyChain(record)
}

func (k *Keyring) Close() error {
	return k.d.Close()
}
