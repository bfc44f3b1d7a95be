// Package custody is the key-custody service: it keeps each user's Paillier
// key pair so a client on a new machine can recover it after login.
//
// The service is a separate trust domain from the ledger server and must
// never share its storage.
package custody

import (
	"context"
	"database/sql"
	"sync"

	"github.com/CamberLoid/ChimataPHE/internal/db"
	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrUnknownUser    = errors.New("custody: no keys stored for user")
	ErrMismatchedKeys = errors.New("custody: private key does not match public key")
)

// Vault stores one key chain per username. Store replaces an existing one.
type Vault interface {
	Store(ctx context.Context, username string, kc *key.KeyChain) error
	Acquire(ctx context.Context, username string) (*key.KeyChain, error)
}

// checkKeyChain validates both halves and gives kc an identifier if it has
// none.
func checkKeyChain(kc *key.KeyChain) error {
	if kc == nil {
		return errors.Wrap(key.ErrInvalidPublicKey, "no keys")
	}
	if err := kc.PublicKey.Validate(); err != nil {
		return err
	}
	if err := kc.PrivateKey.Validate(); err != nil {
		return err
	}
	if !kc.Matches() {
		return ErrMismatchedKeys
	}
	if kc.Identifier == uuid.Nil {
		kc.Identifier = uuid.New()
	}
	return nil
}

// MemoryVault keeps encoded records in a map, the same bytes SQLVault
// writes to its table.
type MemoryVault struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{records: make(map[string][]byte)}
}

func (v *MemoryVault) Store(ctx context.Context, username string, kc *key.KeyChain) error {
	if err := checkKeyChain(kc); err != nil {
		return err
	}
	record, err := key.MarshalKeyChain(kc)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.records[username] = record
	return nil
}

func (v *MemoryVault) Acquire(ctx context.Context, username string) (*key.KeyChain, error) {
	v.mu.RLock()
	record, ok := v.records[username]
	v.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownUser, username)
	}
	return key.UnmarshalKeyChain(record)
}

// SQLVault keeps records in the CustodyKeys table.
type SQLVault struct {
	d *db.DB
}

func NewSQLVault(d *db.DB) *SQLVault {
	return &SQLVault{d: d}
}

func (v *SQLVault) Store(ctx context.Context, username string, kc *key.KeyChain) error {
	if err := checkKeyChain(kc); err != nil {
		return err
	}
	record, err := key.MarshalKeyChain(kc)
	if err != nil {
		return err
	}
	return db.PutCustodyRecord(ctx, v.d, username, record)
}

func (v *SQLVault) Acquire(ctx context.Context, username string) (*key.KeyChain, error) {
	record, err := db.GetCustodyRecord(ctx, v.d, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrUnknownUser, username)
	}
	if err != nil {
		return nil, err
	}
	return key.UnmarshalKeyChain(record)
}
