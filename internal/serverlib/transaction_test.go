package serverlib_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/ledger"
	"github.com/CamberLoid/ChimataPHE/internal/paillier"
	"github.com/CamberLoid/ChimataPHE/internal/serverlib"
	"github.com/CamberLoid/ChimataPHE/internal/transaction"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyPair struct {
	pk *key.PublicKey
	sk *key.PrivateKey
}

var (
	keysOnce sync.Once
	keys     map[string]keyPair
)

// testKeyPairs returns one key pair per test account.
func testKeyPairs() map[string]keyPair {
	keysOnce.Do(func() {
		keys = make(map[string]keyPair)
		for _, name := range []string{"alice", "bob", "carol"} {
			pk, sk, err := paillier.GenerateKeyPair(128)
			if err != nil {
				panic(err)
			}
			keys[name] = keyPair{pk, sk}
		}
	})
	return keys
}

func enc(t testing.TB, who string, v int64) *big.Int {
	c, err := paillier.Encrypt(big.NewInt(v), testKeyPairs()[who].pk)
	require.NoError(t, err)
	return c
}

func dec(t testing.TB, who string, c *big.Int) int64 {
	m, err := paillier.Default.DecryptSigned(c, testKeyPairs()[who].sk)
	require.NoError(t, err)
	return m.Int64()
}

func balance(t testing.TB, s ledger.Store, who string) int64 {
	c, err := s.GetBalance(context.Background(), who)
	require.NoError(t, err)
	return dec(t, who, c)
}

func newLedger(t testing.TB, balances map[string]int64) *ledger.MemoryStore {
	s := ledger.NewMemoryStore(nil)
	for who, v := range balances {
		require.NoError(t, s.Create(context.Background(), who, enc(t, who, v), testKeyPairs()[who].pk))
	}
	return s
}

// faultyStore fails ApplyDelta for one account and op.
type faultyStore struct {
	ledger.Store
	failID    string
	failOp    ledger.Op
	failAfter int // successful matching calls before failing
	failAll   bool

	mu    sync.Mutex
	calls int
}

var errDiskOnFire = errors.New("disk on fire")

func (f *faultyStore) ApplyDelta(ctx context.Context, id string, delta *big.Int, op ledger.Op) (*big.Int, error) {
	f.mu.Lock()
	if id == f.failID && (op == f.failOp || f.failAll) {
		f.calls++
		if f.calls > f.failAfter {
			f.mu.Unlock()
			return nil, errDiskOnFire
		}
	}
	f.mu.Unlock()
	return f.Store.ApplyDelta(ctx, id, delta, op)
}

func TestTransferEndToEnd(t *testing.T) {
	s := newLedger(t, map[string]int64{"alice": 100, "bob": 0})
	p := &serverlib.TransferProtocol{Store: s}

	tx := transaction.New("alice", "bob", enc(t, "alice", 30), enc(t, "bob", 30))
	require.NoError(t, p.Transfer(context.Background(), tx))
	assert.Equal(t, transaction.PhaseConfirmed, tx.ConfirmingPhase)

	assert.Equal(t, int64(70), balance(t, s, "alice"))
	assert.Equal(t, int64(30), balance(t, s, "bob"))
}

func TestTransferValidation(t *testing.T) {
	s := newLedger(t, map[string]int64{"alice": 100, "bob": 0})
	p := &serverlib.TransferProtocol{Store: s}
	ctx := context.Background()

	tx := transaction.New("alice", "alice", enc(t, "alice", 1), enc(t, "alice", 1))
	assert.ErrorIs(t, p.Transfer(ctx, tx), serverlib.ErrSelfTransfer)
	assert.Equal(t, transaction.PhaseFailed, tx.ConfirmingPhase)

	tx = transaction.New("alice", "mallory", enc(t, "alice", 1), enc(t, "bob", 1))
	assert.ErrorIs(t, p.Transfer(ctx, tx), serverlib.ErrUnknownAccount)

	tx = transaction.New("mallory", "bob", enc(t, "alice", 1), enc(t, "bob", 1))
	assert.ErrorIs(t, p.Transfer(ctx, tx), serverlib.ErrUnknownAccount)

	tx = transaction.New("alice", "bob", enc(t, "alice", 1), nil)
	assert.ErrorIs(t, p.Transfer(ctx, tx), serverlib.ErrMalformedAmount)

	tx = transaction.New("alice", "bob", testKeyPairs()["alice"].pk.NSquared(), enc(t, "bob", 1))
	assert.ErrorIs(t, p.Transfer(ctx, tx), serverlib.ErrMalformedAmount)

	assert.Equal(t, int64(100), balance(t, s, "alice"))
	assert.Equal(t, int64(0), balance(t, s, "bob"))
}

func TestSelfTransferWhenAllowed(t *testing.T) {
	s := newLedger(t, map[string]int64{"alice": 100})
	p := &serverlib.TransferProtocol{Store: s, AllowSelfTransfer: true}

	tx := transaction.New("alice", "alice", enc(t, "alice", 40), enc(t, "alice", 40))
	require.NoError(t, p.Transfer(context.Background(), tx))
	assert.Equal(t, int64(100), balance(t, s, "alice"))
}

func TestTransferNonInvertibleAmount(t *testing.T) {
	s := newLedger(t, map[string]int64{"alice": 100, "bob": 0})
	p := &serverlib.TransferProtocol{Store: s}

	bad := new(big.Int).Set(testKeyPairs()["alice"].pk.N)
	tx := transaction.New("alice", "bob", bad, enc(t, "bob", 1))
	err := p.Transfer(context.Background(), tx)
	assert.ErrorIs(t, err, paillier.ErrNonInvertibleCiphertext)
	assert.ErrorIs(t, err, serverlib.ErrMalformedAmount)

	var te *serverlib.TransferError
	assert.False(t, errors.As(err, &te), "rejected before any balance moved")
	assert.Equal(t, transaction.PhaseFailed, tx.ConfirmingPhase)

	assert.Equal(t, int64(100), balance(t, s, "alice"))
	assert.Equal(t, int64(0), balance(t, s, "bob"))
}

func TestZeroCiphertextCannotWipeBalance(t *testing.T) {
	s := newLedger(t, map[string]int64{"alice": 100, "bob": 5})
	p := &serverlib.TransferProtocol{Store: s}
	ctx := context.Background()

	tx := transaction.New("alice", "bob", enc(t, "alice", 10), big.NewInt(0))
	err := p.Transfer(ctx, tx)
	assert.ErrorIs(t, err, serverlib.ErrMalformedAmount)
	assert.ErrorIs(t, err, paillier.ErrNonInvertibleCiphertext)

	tx = transaction.New("alice", "bob", big.NewInt(0), enc(t, "bob", 10))
	assert.ErrorIs(t, p.Transfer(ctx, tx), serverlib.ErrMalformedAmount)

	assert.Equal(t, int64(100), balance(t, s, "alice"))
	assert.Equal(t, int64(5), balance(t, s, "bob"))

	// bob's balance still takes credits
	tx = transaction.New("alice", "bob", enc(t, "alice", 10), enc(t, "bob", 10))
	require.NoError(t, p.Transfer(ctx, tx))
	assert.Equal(t, int64(15), balance(t, s, "bob"))
}

// slowStore commits every debit, then takes delay to return.
type slowStore struct {
	ledger.Store
	delay time.Duration
}

func (s *slowStore) ApplyDelta(ctx context.Context, id string, delta *big.Int, op ledger.Op) (*big.Int, error) {
	next, err := s.Store.ApplyDelta(ctx, id, delta, op)
	if op == ledger.OpSub {
		time.Sleep(s.delay)
	}
	return next, err
}

func TestSlowDebitPastDeadlineIsRolledBack(t *testing.T) {
	mem := newLedger(t, map[string]int64{"alice": 100, "bob": 0})
	p := &serverlib.TransferProtocol{Store: &slowStore{Store: mem, delay: 60 * time.Millisecond}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	tx := transaction.New("alice", "bob", enc(t, "alice", 30), enc(t, "bob", 30))
	err := p.Transfer(ctx, tx)

	var te *serverlib.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, serverlib.StageCredit, te.Stage)
	assert.True(t, te.RolledBack)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, transaction.PhaseRolledBack, tx.ConfirmingPhase)

	assert.Equal(t, int64(100), balance(t, mem, "alice"))
	assert.Equal(t, int64(0), balance(t, mem, "bob"))
}

func TestExpiredContextMovesNothing(t *testing.T) {
	s := newLedger(t, map[string]int64{"alice": 100, "bob": 0})
	p := &serverlib.TransferProtocol{Store: s}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tx := transaction.New("alice", "bob", enc(t, "alice", 30), enc(t, "bob", 30))
	assert.ErrorIs(t, p.Transfer(ctx, tx), context.Canceled)

	assert.Equal(t, int64(100), balance(t, s, "alice"))
	assert.Equal(t, int64(0), balance(t, s, "bob"))
}

func TestCreditFailureRollsBackDebit(t *testing.T) {
	mem := newLedger(t, map[string]int64{"alice": 100, "bob": 0})
	s := &faultyStore{Store: mem, failID: "bob", failOp: ledger.OpAdd}
	p := &serverlib.TransferProtocol{Store: s}

	tx := transaction.New("alice", "bob", enc(t, "alice", 30), enc(t, "bob", 30))
	err := p.Transfer(context.Background(), tx)

	var te *serverlib.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, serverlib.StageCredit, te.Stage)
	assert.True(t, te.RolledBack)
	assert.ErrorIs(t, err, errDiskOnFire)
	assert.Equal(t, transaction.PhaseRolledBack, tx.ConfirmingPhase)

	assert.Equal(t, int64(100), balance(t, mem, "alice"))
	assert.Equal(t, int64(0), balance(t, mem, "bob"))
}

func TestFailedCompensationIsReported(t *testing.T) {
	mem := newLedger(t, map[string]int64{"alice": 100, "bob": 0})
	// alice: the debit succeeds, every later call fails
	s := &faultyStore{Store: &faultyStore{Store: mem, failID: "bob", failOp: ledger.OpAdd},
		failID: "alice", failAll: true, failAfter: 1}
	p := &serverlib.TransferProtocol{Store: s}

	tx := transaction.New("alice", "bob", enc(t, "alice", 30), enc(t, "bob", 30))
	err := p.Transfer(context.Background(), tx)
	assert.ErrorIs(t, err, serverlib.ErrCompensationFailed)

	var te *serverlib.TransferError
	require.ErrorAs(t, err, &te)
	assert.False(t, te.RolledBack)
	assert.Equal(t, transaction.PhaseFailed, tx.ConfirmingPhase)
	assert.Equal(t, int64(70), balance(t, mem, "alice"))
}

func BenchmarkTransfer(b *testing.B) {
	s := newLedger(b, map[string]int64{"alice": 1 << 40, "bob": 0})
	p := &serverlib.TransferProtocol{Store: s}
	debit, credit := enc(b, "alice", 1), enc(b, "bob", 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := p.Transfer(context.Background(), transaction.New("alice", "bob", debit, credit)); err != nil {
			b.Fatal(err)
		}
	}
}
