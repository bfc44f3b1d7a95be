// 包 transaction 描述单笔加密转账
package transaction

import (
	"math/big"
	"time"

	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/paillier"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ConfirmingPhase 可能是
// "processing", "confirmed", "failed", "rolled_back"
const (
	PhaseProcessing = "processing"
	PhaseConfirmed  = "confirmed"
	PhaseFailed     = "failed"
	PhaseRolledBack = "rolled_back"
)

var ErrMissingAmount = errors.New("transaction: missing encrypted amount")

// Transaction 是单笔转账的抽象
// SenderAmount 是发送方公钥下的金额密文, ReceiverAmount 是接收方公钥下的同一金额
// 服务端无法验证两者是否对应同一明文
type Transaction struct {
	ConfirmingPhase string    `json:"confirmingPhase"`
	UUID            uuid.UUID `json:"uuid"`
	Sender          string    `json:"sender"`
	Receiver        string    `json:"receiver"`
	SenderAmount    *big.Int  `json:"senderAmount"`
	ReceiverAmount  *big.Int  `json:"receiverAmount"`
	TimeStamp       int64     `json:"timestamp"` //unix时间戳
}

func New(sender, receiver string, senderAmount, receiverAmount *big.Int) *Transaction {
	return &Transaction{
		ConfirmingPhase: PhaseProcessing,
		UUID:            uuid.New(),
		Sender:          sender,
		Receiver:        receiver,
		SenderAmount:    senderAmount,
		ReceiverAmount:  receiverAmount,
		TimeStamp:       time.Now().Unix(),
	}
}

func (t *Transaction) GetSenderCT(pk *key.PublicKey) (*big.Int, error) {
	return checkCT(t.SenderAmount, pk, "sender")
}

func (t *Transaction) GetReceiverCT(pk *key.PublicKey) (*big.Int, error) {
	return checkCT(t.ReceiverAmount, pk, "receiver")
}

func checkCT(ct *big.Int, pk *key.PublicKey, side string) (*big.Int, error) {
	if ct == nil {
		return nil, errors.Wrap(ErrMissingAmount, side)
	}
	if err := paillier.ValidateCiphertexts(pk, ct); err != nil {
		return nil, errors.Wrapf(err, "%s amount for key %s", side, pk.Fingerprint())
	}
	return ct, nil
}

func (t *Transaction) IsSettled() bool {
	return t.ConfirmingPhase == PhaseConfirmed
}
