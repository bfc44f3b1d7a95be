package ledger

import (
	"context"
	"database/sql"
	"math/big"

	"github.com/CamberLoid/ChimataPHE/internal/db"
	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/logging"
	"github.com/CamberLoid/ChimataPHE/internal/misc"
	"github.com/CamberLoid/ChimataPHE/internal/paillier"
	"github.com/pkg/errors"
)

const maxCASAttempts = 16

// SQLStore keeps the ledger in the Accounts table. Inside one process the
// keyed mutex serializes updates per account; across processes sharing a
// database the version column turns each write into a compare-and-swap.
type SQLStore struct {
	db     *db.DB
	engine *paillier.Engine
	locks  *misc.KeyedMutex
}

func NewSQLStore(d *db.DB, engine *paillier.Engine) *SQLStore {
	if engine == nil {
		engine = paillier.Default
	}
	return &SQLStore{db: d, engine: engine, locks: misc.NewKeyedMutex()}
}

func (s *SQLStore) Create(ctx context.Context, id string, balance *big.Int, pk *key.PublicKey) error {
	if err := checkNew(balance, pk); err != nil {
		return err
	}
	err := db.InsertAccount(ctx, s.db, id, balance, pk)
	if db.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return storageFault(err)
}

func (s *SQLStore) account(ctx context.Context, id string) (*db.AccountRow, error) {
	acc, err := db.GetAccount(ctx, s.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageFault(err)
	}
	return acc, nil
}

func (s *SQLStore) GetBalance(ctx context.Context, id string) (*big.Int, error) {
	acc, err := s.account(ctx, id)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}

func (s *SQLStore) PublicKey(ctx context.Context, id string) (*key.PublicKey, error) {
	acc, err := s.account(ctx, id)
	if err != nil {
		return nil, err
	}
	return &acc.PublicKey, nil
}

func (s *SQLStore) ApplyDelta(ctx context.Context, id string, delta *big.Int, op Op) (*big.Int, error) {
	if err := s.locks.Lock(ctx, id); err != nil {
		return nil, err
	}
	defer s.locks.Unlock(id)

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		acc, err := s.account(ctx, id)
		if err != nil {
			return nil, err
		}

		next, err := apply(s.engine, acc.Balance, delta, op, &acc.PublicKey)
		if err != nil {
			return nil, err
		}

		swapped, err := db.CompareAndSwapBalance(ctx, s.db, id, next, acc.Version)
		if err != nil {
			return nil, storageFault(err)
		}
		if swapped {
			return next, nil
		}
		logging.DebugLogger.Printf("ledger: lost version race on %s (attempt %d)", id, attempt)
	}
	return nil, storageFault(errors.Errorf("balance of %s still contended after %d attempts", id, maxCASAttempts))
}
