// Package ledger keeps one encrypted balance and public key per account.
//
// The store never decrypts. A balance only changes through ApplyDelta, which
// runs the homomorphic add or subtract inside a per-account exclusive
// section so two updates of the same account never interleave their
// read-modify-write.
package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/misc"
	"github.com/CamberLoid/ChimataPHE/internal/paillier"
	"github.com/pkg/errors"
)

var (
	ErrAlreadyExists     = errors.New("ledger: account already exists")
	ErrNotFound          = errors.New("ledger: account not found")
	ErrStorageFault      = errors.New("ledger: storage fault")
	ErrInvalidCiphertext = errors.New("ledger: not a valid ciphertext for this key")
)

type Op int

const (
	OpAdd Op = iota
	OpSub
)

func (op Op) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	default:
		return "unknown"
	}
}

// Store is the ledger contract shared by the in-memory and SQL backends.
type Store interface {
	Create(ctx context.Context, id string, balance *big.Int, pk *key.PublicKey) error
	GetBalance(ctx context.Context, id string) (*big.Int, error)
	PublicKey(ctx context.Context, id string) (*key.PublicKey, error)
	// ApplyDelta combines delta into the balance of id and returns the new
	// ciphertext.
	ApplyDelta(ctx context.Context, id string, delta *big.Int, op Op) (*big.Int, error)
}

// faultError marks a backend failure as ErrStorageFault while keeping the
// cause reachable.
type faultError struct {
	cause error
}

func (e *faultError) Error() string        { return "ledger: storage fault: " + e.cause.Error() }
func (e *faultError) Unwrap() error        { return e.cause }
func (e *faultError) Is(target error) bool { return target == ErrStorageFault }

func storageFault(err error) error {
	if err == nil {
		return nil
	}
	return &faultError{cause: err}
}

func checkNew(balance *big.Int, pk *key.PublicKey) error {
	if err := pk.Validate(); err != nil {
		return err
	}
	if err := paillier.ValidateCiphertexts(pk, balance); err != nil {
		return errors.Wrap(ErrInvalidCiphertext, err.Error())
	}
	return nil
}

func apply(engine *paillier.Engine, balance, delta *big.Int, op Op, pk *key.PublicKey) (*big.Int, error) {
	switch op {
	case OpAdd:
		// Sub already refuses non-units
		if err := paillier.ValidateCiphertexts(pk, delta); err != nil {
			return nil, err
		}
		return engine.Add(balance, delta, pk)
	case OpSub:
		return engine.Sub(balance, delta, pk)
	default:
		return nil, errors.Errorf("ledger: unknown op %d", op)
	}
}

// --- 内存实现 ---

type entry struct {
	balance *big.Int
	pk      *key.PublicKey
}

// MemoryStore keeps the ledger in a map. Useful for tests and single-process
// deployments that do not need durability.
type MemoryStore struct {
	engine *paillier.Engine
	locks  *misc.KeyedMutex

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemoryStore uses paillier.Default when engine is nil.
func NewMemoryStore(engine *paillier.Engine) *MemoryStore {
	if engine == nil {
		engine = paillier.Default
	}
	return &MemoryStore{
		engine:  engine,
		locks:   misc.NewKeyedMutex(),
		entries: make(map[string]*entry),
	}
}

func (s *MemoryStore) Create(ctx context.Context, id string, balance *big.Int, pk *key.PublicKey) error {
	if err := checkNew(balance, pk); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return ErrAlreadyExists
	}
	s.entries[id] = &entry{
		balance: new(big.Int).Set(balance),
		pk:      &key.PublicKey{N: new(big.Int).Set(pk.N), G: new(big.Int).Set(pk.G)},
	}
	return nil
}

func (s *MemoryStore) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, id string) (*big.Int, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(e.balance), nil
}

func (s *MemoryStore) PublicKey(ctx context.Context, id string) (*key.PublicKey, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return &key.PublicKey{N: new(big.Int).Set(e.pk.N), G: new(big.Int).Set(e.pk.G)}, nil
}

func (s *MemoryStore) ApplyDelta(ctx context.Context, id string, delta *big.Int, op Op) (*big.Int, error) {
	if err := s.locks.Lock(ctx, id); err != nil {
		return nil, err
	}
	defer s.locks.Unlock(id)

	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	current := e.balance
	s.mu.RUnlock()

	next, err := apply(s.engine, current, delta, op, e.pk)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	e.balance = next
	s.mu.Unlock()
	return new(big.Int).Set(next), nil
}
