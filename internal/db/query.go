package db

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/pkg/errors"
)

// ErrBadNumber means a stored decimal column did not parse.
var ErrBadNumber = errors.New("db: malformed decimal column")

type AccountRow struct {
	Username  string
	Balance   *big.Int
	PublicKey key.PublicKey
	Version   int64
}

type HistoryRow struct {
	UUID      string
	Username  string
	TimeStamp time.Time
	Type      string
	Amount    *big.Int
	Balance   *big.Int
	Sender    string
	Receiver  string
}

// --- 查询部分 ---

// GetAccount returns sql.ErrNoRows (wrapped) for an unknown username.
func GetAccount(ctx context.Context, d *DB, username string) (*AccountRow, error) {
	row := d.QueryRowContext(ctx, d.Rebind(`
		SELECT username, balance, pk_n, pk_g, version
		FROM Accounts
		WHERE username = ?
	`), username)

	var balance, n, g string
	acc := &AccountRow{}
	if err := row.Scan(&acc.Username, &balance, &n, &g, &acc.Version); err != nil {
		return nil, errors.Wrap(err, "scan account")
	}

	var ok1, ok2, ok3 bool
	acc.Balance, ok1 = new(big.Int).SetString(balance, 10)
	acc.PublicKey.N, ok2 = new(big.Int).SetString(n, 10)
	acc.PublicKey.G, ok3 = new(big.Int).SetString(g, 10)
	if !ok1 || !ok2 || !ok3 {
		return nil, errors.Wrapf(ErrBadNumber, "account %s", username)
	}
	return acc, nil
}

// GetPasswordHash 查询用户密码哈希
func GetPasswordHash(ctx context.Context, d *DB, username string) (hash string, err error) {
	err = d.QueryRowContext(ctx, d.Rebind(`
		SELECT password_hash FROM Credentials WHERE username = ?
	`), username).Scan(&hash)
	if err != nil {
		return "", errors.Wrap(err, "scan credential")
	}
	return hash, nil
}

// ListHistory returns username's entries in insertion order.
func ListHistory(ctx context.Context, d *DB, username string) ([]HistoryRow, error) {
	rows, err := d.QueryContext(ctx, d.Rebind(`
		SELECT uuid, username, timestamp, type, amount, balance, sender, receiver
		FROM History
		WHERE username = ?
		ORDER BY seq
	`), username)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var (
			r                                  HistoryRow
			ts                                 string
			amount, balance, sender, receiver sql.NullString
		)
		if err = rows.Scan(&r.UUID, &r.Username, &ts, &r.Type, &amount, &balance, &sender, &receiver); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		if r.TimeStamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, errors.Wrap(err, "parse history timestamp")
		}
		if r.Amount, err = nullDecimal(amount); err != nil {
			return nil, err
		}
		if r.Balance, err = nullDecimal(balance); err != nil {
			return nil, err
		}
		r.Sender, r.Receiver = sender.String, receiver.String
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate history")
}

func GetCustodyRecord(ctx context.Context, d *DB, username string) ([]byte, error) {
	return getKeyRecord(ctx, d, "CustodyKeys", username)
}

func GetKeyringRecord(ctx context.Context, d *DB, username string) ([]byte, error) {
	return getKeyRecord(ctx, d, "Keyring", username)
}

func getKeyRecord(ctx context.Context, d *DB, table, username string) (record []byte, err error) {
	err = d.QueryRowContext(ctx, d.Rebind(
		`SELECT record FROM `+table+` WHERE username = ?`,
	), username).Scan(&record)
	if err != nil {
		return nil, errors.Wrap(err, "scan key record")
	}
	return record, nil
}

// --- 写入部分 ---

// InsertAccount 添加新的账户. A duplicate username fails with a unique
// violation, see IsUniqueViolation.
func InsertAccount(ctx context.Context, d *DB, username string, balance *big.Int, pk *key.PublicKey) error {
	_, err := d.ExecContext(ctx, d.Rebind(`
		INSERT INTO Accounts (username, balance, pk_n, pk_g, version)
		VALUES (?, ?, ?, ?, 0)
	`), username, balance.String(), pk.N.String(), pk.G.String())
	return errors.Wrap(err, "insert account")
}

// CompareAndSwapBalance writes balance only if the row is still at version.
// It reports whether the swap happened.
func CompareAndSwapBalance(ctx context.Context, d *DB, username string, balance *big.Int, version int64) (bool, error) {
	res, err := d.ExecContext(ctx, d.Rebind(`
		UPDATE Accounts SET balance = ?, version = version + 1
		WHERE username = ? AND version = ?
	`), balance.String(), username, version)
	if err != nil {
		return false, errors.Wrap(err, "update balance")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

func InsertCredential(ctx context.Context, d *DB, username, hash string) error {
	_, err := d.ExecContext(ctx, d.Rebind(`
		INSERT INTO Credentials (username, password_hash) VALUES (?, ?)
	`), username, hash)
	return errors.Wrap(err, "insert credential")
}

func DeleteCredential(ctx context.Context, d *DB, username string) error {
	_, err := d.ExecContext(ctx, d.Rebind(`
		DELETE FROM Credentials WHERE username = ?
	`), username)
	return errors.Wrap(err, "delete credential")
}

func InsertHistory(ctx context.Context, d *DB, r *HistoryRow) error {
	_, err := d.ExecContext(ctx, d.Rebind(`
		INSERT INTO History (uuid, username, timestamp, type, amount, balance, sender, receiver)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		r.UUID, r.Username, r.TimeStamp.UTC().Format(time.RFC3339Nano), r.Type,
		decimalOrNull(r.Amount), decimalOrNull(r.Balance),
		stringOrNull(r.Sender), stringOrNull(r.Receiver),
	)
	return errors.Wrap(err, "insert history")
}

// PutCustodyRecord 写入/更新托管密钥
func PutCustodyRecord(ctx context.Context, d *DB, username string, record []byte) error {
	return putKeyRecord(ctx, d, "CustodyKeys", username, record)
}

func PutKeyringRecord(ctx context.Context, d *DB, username string, record []byte) error {
	return putKeyRecord(ctx, d, "Keyring", username, record)
}

func putKeyRecord(ctx context.Context, d *DB, table, username string, record []byte) error {
	_, err := d.ExecContext(ctx, d.Rebind(`
		INSERT INTO `+table+` (username, record)
		VALUES (?, ?)
		ON CONFLICT (username) DO UPDATE SET
			record = excluded.record
	`), username, record)
	return errors.Wrap(err, "put key record")
}

func nullDecimal(s sql.NullString) (*big.Int, error) {
	if !s.Valid {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s.String, 10)
	if !ok {
		return nil, ErrBadNumber
	}
	return v, nil
}

func decimalOrNull(v *big.Int) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}

func stringOrNull(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
