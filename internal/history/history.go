// Package history records per-user account events. Amounts and balances are
// stored as the ciphertexts the server saw, so only the owner can read them.
package history

import (
	"context"
	"database/sql"
	"math/big"
	"sync"
	"time"

	"github.com/CamberLoid/ChimataPHE/internal/db"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	TypeSignup       = "signup"
	TypeLogin        = "login"
	TypeSendMoney    = "send money"
	TypeReceiveMoney = "receive money"
	TypeBalanceCheck = "balance_check"
)

type Entry struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
	Amount   *big.Int  `json:"amount,omitempty"`
	Balance  *big.Int  `json:"balance,omitempty"`
	Sender   string    `json:"sender,omitempty"`
	Receiver string    `json:"receiver,omitempty"`
}

// NewEntry stamps a fresh id and the current time.
func NewEntry(typ string) Entry {
	return Entry{
		ID:   uuid.NewString(),
		Time: time.Now().UTC(),
		Type: typ,
	}
}

type Store interface {
	Append(ctx context.Context, username string, e Entry) error
	// List returns entries in insertion order; an unknown user has none.
	List(ctx context.Context, username string) ([]Entry, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

func (s *MemoryStore) Append(ctx context.Context, username string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[username] = append(s.entries[username], e)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, username string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries[username]...), nil
}

type SQLStore struct {
	db *db.DB
}

func NewSQLStore(d *db.DB) *SQLStore {
	return &SQLStore{db: d}
}

func (s *SQLStore) Append(ctx context.Context, username string, e Entry) error {
	return db.InsertHistory(ctx, s.db, &db.HistoryRow{
		UUID:      e.ID,
		Username:  username,
		TimeStamp: e.Time,
		Type:      e.Type,
		Amount:    e.Amount,
		Balance:   e.Balance,
		Sender:    e.Sender,
		Receiver:  e.Receiver,
	})
}

func (s *SQLStore) List(ctx context.Context, username string) ([]Entry, error) {
	rows, err := db.ListHistory(ctx, s.db, username)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{
			ID:       r.UUID,
			Time:     r.TimeStamp,
			Type:     r.Type,
			Amount:   r.Amount,
			Balance:  r.Balance,
			Sender:   r.Sender,
			Receiver: r.Receiver,
		})
	}
	return out, nil
}
