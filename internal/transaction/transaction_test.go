package transaction_test

import (
	"math/big"
	"testing"

	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/paillier"
	"github.com/CamberLoid/ChimataPHE/internal/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransaction(t *testing.T) {
	tx := transaction.New("alice", "bob", big.NewInt(5), big.NewInt(6))
	assert.Equal(t, transaction.PhaseProcessing, tx.ConfirmingPhase)
	assert.NotZero(t, tx.TimeStamp)
	assert.False(t, tx.IsSettled())

	data, err := tx.MarshalToJSON()
	require.NoError(t, err)
	back, err := transaction.UnmarshalFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, tx.UUID, back.UUID)
	assert.Equal(t, 0, back.ReceiverAmount.Cmp(big.NewInt(6)))
}

func TestAmountChecks(t *testing.T) {
	pk := key.NewPublicKey(big.NewInt(143))

	tx := transaction.New("alice", "bob", big.NewInt(5), nil)
	ct, err := tx.GetSenderCT(pk)
	require.NoError(t, err)
	assert.Equal(t, int64(5), ct.Int64())

	_, err = tx.GetReceiverCT(pk)
	assert.ErrorIs(t, err, transaction.ErrMissingAmount)

	tx.SenderAmount = pk.NSquared()
	_, err = tx.GetSenderCT(pk)
	assert.ErrorIs(t, err, paillier.ErrCiphertextOutOfRange)

	// 0 and multiples of a factor of n are never produced by Encrypt
	for _, c := range []int64{0, 11, 13 * 7} {
		tx.SenderAmount = big.NewInt(c)
		_, err = tx.GetSenderCT(pk)
		assert.ErrorIs(t, err, paillier.ErrNonInvertibleCiphertext, c)
	}
}
