// Transaction.go 用于定义转账相关的函数

package clientlib

import (
	"math/big"

	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/transaction"
	"github.com/pkg/errors"
)

var (
	ErrNonPositiveAmount   = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// NewOutgoingTransaction 将同一金额分别用发送方和接收方的公钥加密
// 输入：接收方用户名，接收方公钥，金额明文
// 输出：一个新的 Transaction
func (u *User) NewOutgoingTransaction(receiver string, receiverPK *key.PublicKey, amount int64) (*transaction.Transaction, error) {
	if amount <= 0 {
		return nil, ErrNonPositiveAmount
	}
	senderCT, err := u.EncryptAmount(amount)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt for sender")
	}
	receiverCT, err := EncryptAmount(amount, receiverPK)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt for receiver")
	}
	return transaction.New(u.UserName, receiver, senderCT, receiverCT), nil
}

// VerifyBalanceCovers 客户端验证余额是否足够
// 服务端无法检查密文余额，这是唯一的检查点
func (u *User) VerifyBalanceCovers(balance *big.Int, amount int64) error {
	plain, err := u.DecryptAmount(balance)
	if err != nil {
		return err
	}
	if plain < amount {
		return errors.Wrapf(ErrInsufficientBalance, "balance %d, amount %d", plain, amount)
	}
	return nil
}
