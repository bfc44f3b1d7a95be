// crypto.go: 金额的加解密

package clientlib

import (
	"math/big"

	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/paillier"
	"github.com/pkg/errors"
)

var ErrAmountOutOfRange = errors.New("decrypted amount does not fit in int64")

// EncryptAmount 对金额进行 Paillier 加密
// 输入：金额，公钥
// 输出：密文
func EncryptAmount(amount int64, pk *key.PublicKey) (*big.Int, error) {
	return paillier.Default.EncryptInt64(amount, pk)
}

// DecryptAmount 从密文中提取加密的金额
// 输入：密文，私钥
// 输出：金额，超过 n/2 的明文视为负数
func DecryptAmount(ct *big.Int, sk *key.PrivateKey) (int64, error) {
	m, err := paillier.Default.DecryptSigned(ct, sk)
	if err != nil {
		return 0, err
	}
	if !m.IsInt64() {
		return 0, errors.Wrap(ErrAmountOutOfRange, m.String())
	}
	return m.Int64(), nil
}
