package clientlib

import (
	"math/big"

	"github.com/CamberLoid/ChimataPHE/internal/history"
	"github.com/CamberLoid/ChimataPHE/internal/users"
)

// 继承 users.User
type User struct {
	users.User
}

func NewUser(name string) *User {
	return &User{*users.NewUserWithUserName(name)}
}

// --- 加解密部分 ---

func (u *User) EncryptAmount(amount int64) (*big.Int, error) {
	pk, err := u.PublicKey()
	if err != nil {
		return nil, err
	}
	return EncryptAmount(amount, pk)
}

func (u *User) DecryptAmount(ct *big.Int) (int64, error) {
	sk, err := u.PrivateKey()
	if err != nil {
		return 0, err
	}
	return DecryptAmount(ct, sk)
}

// HistoryLine 是解密后的历史记录
type HistoryLine struct {
	history.Entry
	PlainAmount  *int64
	PlainBalance *int64
}

// DecryptHistory 解密每条记录中的金额和余额密文
func (u *User) DecryptHistory(entries []history.Entry) ([]HistoryLine, error) {
	lines := make([]HistoryLine, 0, len(entries))
	for _, e := range entries {
		line := HistoryLine{Entry: e}
		if e.Amount != nil {
			v, err := u.DecryptAmount(e.Amount)
			if err != nil {
				return nil, err
			}
			line.PlainAmount = &v
		}
		if e.Balance != nil {
			v, err := u.DecryptAmount(e.Balance)
			if err != nil {
				return nil, err
			}
			line.PlainBalance = &v
		}
		lines = append(lines, line)
	}
	return lines, nil
}
