// 包 db 包含共用的sql操作方法
//
// Queries are written with `?` placeholders and rebound for postgres, so the
// same statements serve the sqlite3 default and a shared postgres database.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB is a *sql.DB that remembers its driver for placeholder and DDL
// differences.
type DB struct {
	*sql.DB
	Driver string
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// Open opens and pings the database. For sqlite3 file paths the parent
// directory is created.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0700); err != nil {
				return nil, errors.Wrap(err, "create database directory")
			}
		}
	case DriverPostgres:
	default:
		return nil, errors.Errorf("unsupported database driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if driver == DriverSQLite {
		// sqlite allows one writer; a single connection also keeps
		// ":memory:" databases shared.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	d := &DB{DB: sqlDB, Driver: driver}
	if driver == DriverSQLite {
		if _, err = d.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			sqlDB.Close()
			return nil, errors.Wrap(err, "enable foreign keys")
		}
	}
	return d, nil
}

// Rebind rewrites `?` placeholders to `$n` for postgres.
func (d *DB) Rebind(query string) string {
	if d.Driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate runs each DDL statement in order.
func (d *DB) Migrate(ctx context.Context, stmts ...string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range stmts {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is a primary key or unique
// constraint failure from either driver.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// --- 数据库具体操作 ---
// --- 初始化：建表 ---

// InitServerTables creates the ledger server's tables.
func InitServerTables(ctx context.Context, d *DB) error {
	return d.Migrate(ctx,
		CreateAccountTable(),
		CreateCredentialTable(),
		CreateHistoryTable(d.Driver),
		CreateHistoryIndex(),
	)
}

func InitCustodyTables(ctx context.Context, d *DB) error {
	return d.Migrate(ctx, CreateCustodyKeyTable(d.Driver))
}

func InitKeyringTables(ctx context.Context, d *DB) error {
	return d.Migrate(ctx, CreateKeyringTable(d.Driver))
}

// table Accounts
// username TEXT PRIMARY KEY
// balance TEXT <- 密文, 十进制
// pk_n, pk_g TEXT <- 公钥, 十进制
// version INTEGER <- 每次更新余额 +1
func CreateAccountTable() string {
	return `
		CREATE TABLE IF NOT EXISTS Accounts (
			username TEXT PRIMARY KEY,
			balance TEXT NOT NULL,
			pk_n TEXT NOT NULL,
			pk_g TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0
		);
	`
}

// table Credentials
// password_hash TEXT <- base64(salt || pbkdf2)
func CreateCredentialTable() string {
	return `
		CREATE TABLE IF NOT EXISTS Credentials (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL
		);
	`
}

// table History
// seq 仅用于保持插入顺序
func CreateHistoryTable(driver string) string {
	seq := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == DriverPostgres {
		seq = "seq BIGSERIAL PRIMARY KEY"
	}
	return `
		CREATE TABLE IF NOT EXISTS History (
			` + seq + `,
			uuid TEXT UNIQUE NOT NULL,
			username TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			type TEXT NOT NULL,
			amount TEXT,
			balance TEXT,
			sender TEXT,
			receiver TEXT
		);
	`
}

func CreateHistoryIndex() string {
	return `CREATE INDEX IF NOT EXISTS idx_history_username ON History(username);`
}

// table CustodyKeys
// record BLOB <- CBOR, key.MarshalKeyChain
func CreateCustodyKeyTable(driver string) string {
	return `
		CREATE TABLE IF NOT EXISTS CustodyKeys (
			username TEXT PRIMARY KEY,
			record ` + blobType(driver) + ` NOT NULL
		);
	`
}

// Only used in Client
func CreateKeyringTable(driver string) string {
	return `
		CREATE TABLE IF NOT EXISTS Keyring (
			username TEXT PRIMARY KEY,
			record ` + blobType(driver) + ` NOT NULL
		);
	`
}

func blobType(driver string) string {
	if driver == DriverPostgres {
		return "BYTEA"
	}
	return "BLOB"
}
