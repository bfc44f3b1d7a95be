// 包 key 包含了方案中用到的 Paillier 密钥结构体、校验与指纹
package key

import (
	"encoding/hex"
	"math/big"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

var (
	ErrInvalidPublicKey  = errors.New("invalid paillier public key")
	ErrInvalidPrivateKey = errors.New("invalid paillier private key")
)

var one = big.NewInt(1)

// PublicKey is the simplified Paillier public key, G is always N+1.
type PublicKey struct {
	N *big.Int
	G *big.Int
}

// PrivateKey is held by the account owner only; the ledger never sees it.
type PrivateKey struct {
	Lambda *big.Int
	Mu     *big.Int
	N      *big.Int
}

// KeyChain 是用户持有的一对密钥
// 服务端只会看到 PublicKey，PrivateKey 为 nil
type KeyChain struct {
	Identifier uuid.UUID
	PrivateKey *PrivateKey
	PublicKey  *PublicKey
}

// NewPublicKey builds the public key for modulus n with g = n+1.
func NewPublicKey(n *big.Int) *PublicKey {
	return &PublicKey{
		N: new(big.Int).Set(n),
		G: new(big.Int).Add(n, one),
	}
}

// Validate checks n > 1, n odd and g == n+1.
func (pk *PublicKey) Validate() error {
	if pk == nil || pk.N == nil || pk.G == nil {
		return errors.Wrap(ErrInvalidPublicKey, "missing component")
	}
	if pk.N.Cmp(one) <= 0 || pk.N.Bit(0) == 0 {
		return errors.Wrap(ErrInvalidPublicKey, "modulus must be odd and greater than 1")
	}
	if new(big.Int).Add(pk.N, one).Cmp(pk.G) != 0 {
		return errors.Wrap(ErrInvalidPublicKey, "generator must be n+1")
	}
	return nil
}

// NSquared returns n², the ciphertext modulus.
func (pk *PublicKey) NSquared() *big.Int {
	return new(big.Int).Mul(pk.N, pk.N)
}

// CiphertextInRange reports whether 0 <= c < n².
func (pk *PublicKey) CiphertextInRange(c *big.Int) bool {
	return c != nil && c.Sign() >= 0 && c.Cmp(pk.NSquared()) < 0
}

func (pk *PublicKey) Equal(other *PublicKey) bool {
	if pk == nil || other == nil {
		return pk == other
	}
	return pk.N.Cmp(other.N) == 0 && pk.G.Cmp(other.G) == 0
}

// Fingerprint is a short blake3 digest of n, used to refer to a key in logs.
func (pk *PublicKey) Fingerprint() string {
	if pk == nil || pk.N == nil {
		return ""
	}
	sum := blake3.Sum256(pk.N.Bytes())
	return hex.EncodeToString(sum[:8])
}

func (sk *PrivateKey) Validate() error {
	if sk == nil || sk.Lambda == nil || sk.Mu == nil || sk.N == nil {
		return errors.Wrap(ErrInvalidPrivateKey, "missing component")
	}
	if sk.N.Cmp(one) <= 0 || sk.Lambda.Sign() <= 0 || sk.Mu.Sign() <= 0 {
		return errors.Wrap(ErrInvalidPrivateKey, "non-positive component")
	}
	return nil
}

// Public derives the matching public key.
func (sk *PrivateKey) Public() *PublicKey {
	return NewPublicKey(sk.N)
}

// Matches reports whether sk and pk share the same modulus.
func (kc *KeyChain) Matches() bool {
	if kc.PrivateKey == nil || kc.PublicKey == nil {
		return false
	}
	return kc.PrivateKey.N.Cmp(kc.PublicKey.N) == 0
}
