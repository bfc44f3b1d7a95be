package history_test

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/CamberLoid/ChimataPHE/internal/db"
	"github.com/CamberLoid/ChimataPHE/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	d, err := db.Open(context.Background(), db.DriverSQLite, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, db.InitServerTables(context.Background(), d))

	for name, s := range map[string]history.Store{
		"memory": history.NewMemoryStore(),
		"sql":    history.NewSQLStore(d),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			empty, err := s.List(ctx, "alice")
			require.NoError(t, err)
			assert.Empty(t, empty)

			signup := history.NewEntry(history.TypeSignup)
			signup.Balance = big.NewInt(1234)
			send := history.NewEntry(history.TypeSendMoney)
			send.Amount = big.NewInt(99)
			send.Sender, send.Receiver = "alice", "bob"

			require.NoError(t, s.Append(ctx, "alice", signup))
			require.NoError(t, s.Append(ctx, "bob", history.NewEntry(history.TypeLogin)))
			require.NoError(t, s.Append(ctx, "alice", send))

			got, err := s.List(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, signup.ID, got[0].ID)
			assert.Equal(t, history.TypeSignup, got[0].Type)
			assert.Equal(t, 0, got[0].Balance.Cmp(big.NewInt(1234)))
			assert.Equal(t, history.TypeSendMoney, got[1].Type)
			assert.Equal(t, "bob", got[1].Receiver)
			assert.Equal(t, 0, got[1].Amount.Cmp(big.NewInt(99)))
		})
	}
}
