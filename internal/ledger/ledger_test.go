package ledger_test

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"github.com/CamberLoid/ChimataPHE/internal/db"
	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/ledger"
	"github.com/CamberLoid/ChimataPHE/internal/paillier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var (
	keyOnce sync.Once
	testPK  *key.PublicKey
	testSK  *key.PrivateKey
)

func testKeys() (*key.PublicKey, *key.PrivateKey) {
	keyOnce.Do(func() {
		var err error
		testPK, testSK, err = paillier.GenerateKeyPair(128)
		if err != nil {
			panic(err)
		}
	})
	return testPK, testSK
}

func stores(t *testing.T) map[string]ledger.Store {
	d, err := db.Open(context.Background(), db.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, db.InitServerTables(context.Background(), d))

	return map[string]ledger.Store{
		"memory": ledger.NewMemoryStore(nil),
		"sql":    ledger.NewSQLStore(d, nil),
	}
}

func enc(t *testing.T, v int64) *big.Int {
	pk, _ := testKeys()
	c, err := paillier.Encrypt(big.NewInt(v), pk)
	require.NoError(t, err)
	return c
}

func balanceOf(t *testing.T, s ledger.Store, id string) int64 {
	_, sk := testKeys()
	c, err := s.GetBalance(context.Background(), id)
	require.NoError(t, err)
	m, err := paillier.Decrypt(c, sk)
	require.NoError(t, err)
	return m.Int64()
}

func TestCreateAndLookup(t *testing.T) {
	pk, _ := testKeys()
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Create(ctx, "alice", enc(t, 100), pk))
			assert.ErrorIs(t, s.Create(ctx, "alice", enc(t, 1), pk), ledger.ErrAlreadyExists)
			assert.Equal(t, int64(100), balanceOf(t, s, "alice"))

			got, err := s.PublicKey(ctx, "alice")
			require.NoError(t, err)
			assert.True(t, pk.Equal(got))

			_, err = s.GetBalance(ctx, "bob")
			assert.ErrorIs(t, err, ledger.ErrNotFound)
			_, err = s.PublicKey(ctx, "bob")
			assert.ErrorIs(t, err, ledger.ErrNotFound)
			_, err = s.ApplyDelta(ctx, "bob", enc(t, 1), ledger.OpAdd)
			assert.ErrorIs(t, err, ledger.ErrNotFound)
		})
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	pk, _ := testKeys()
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Create(ctx, "alice", pk.NSquared(), pk), ledger.ErrInvalidCiphertext)
			assert.ErrorIs(t, s.Create(ctx, "alice", big.NewInt(0), pk), ledger.ErrInvalidCiphertext)
			assert.ErrorIs(t, s.Create(ctx, "alice", new(big.Int).Set(pk.N), pk), ledger.ErrInvalidCiphertext)

			bad := &key.PublicKey{N: big.NewInt(15), G: big.NewInt(15)}
			assert.ErrorIs(t, s.Create(ctx, "alice", big.NewInt(1), bad), key.ErrInvalidPublicKey)
		})
	}
}

func TestApplyDelta(t *testing.T) {
	pk, _ := testKeys()
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Create(ctx, "alice", enc(t, 100), pk))

			next, err := s.ApplyDelta(ctx, "alice", enc(t, 25), ledger.OpAdd)
			require.NoError(t, err)
			stored, err := s.GetBalance(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, 0, next.Cmp(stored))
			assert.Equal(t, int64(125), balanceOf(t, s, "alice"))

			_, err = s.ApplyDelta(ctx, "alice", enc(t, 45), ledger.OpSub)
			require.NoError(t, err)
			assert.Equal(t, int64(80), balanceOf(t, s, "alice"))
		})
	}
}

func TestApplyDeltaEngineErrorLeavesBalance(t *testing.T) {
	pk, _ := testKeys()
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Create(ctx, "alice", enc(t, 100), pk))

			_, err := s.ApplyDelta(ctx, "alice", new(big.Int).Set(pk.N), ledger.OpSub)
			assert.ErrorIs(t, err, paillier.ErrNonInvertibleCiphertext)
			_, err = s.ApplyDelta(ctx, "alice", pk.NSquared(), ledger.OpAdd)
			assert.ErrorIs(t, err, paillier.ErrCiphertextOutOfRange)
			// zero would wipe the balance for good
			_, err = s.ApplyDelta(ctx, "alice", big.NewInt(0), ledger.OpAdd)
			assert.ErrorIs(t, err, paillier.ErrNonInvertibleCiphertext)

			assert.Equal(t, int64(100), balanceOf(t, s, "alice"))
		})
	}
}

func TestConcurrentDebitsDoNotLoseUpdates(t *testing.T) {
	pk, _ := testKeys()
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Create(ctx, "alice", enc(t, 100), pk))
			d10, d20 := enc(t, 10), enc(t, 20)

			var g errgroup.Group
			g.Go(func() error {
				_, err := s.ApplyDelta(ctx, "alice", d10, ledger.OpSub)
				return err
			})
			g.Go(func() error {
				_, err := s.ApplyDelta(ctx, "alice", d20, ledger.OpSub)
				return err
			})
			require.NoError(t, g.Wait())
			assert.Equal(t, int64(70), balanceOf(t, s, "alice"))
		})
	}
}

func TestManyConcurrentCredits(t *testing.T) {
	pk, _ := testKeys()
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Create(ctx, "bob", enc(t, 0), pk))
			one := enc(t, 1)

			var g errgroup.Group
			for i := 0; i < 32; i++ {
				g.Go(func() error {
					_, err := s.ApplyDelta(ctx, "bob", one, ledger.OpAdd)
					return err
				})
			}
			require.NoError(t, g.Wait())
			assert.Equal(t, int64(32), balanceOf(t, s, "bob"))
		})
	}
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "add", ledger.OpAdd.String())
	assert.Equal(t, "sub", ledger.OpSub.String())
}
