// 包 users 包含了用户的相关结构体和方法
package users

import (
	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/paillier"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrNoKeyChain   = errors.New("user has no key chain")
	ErrNoPrivateKey = errors.New("user has no private key")
)

// 方案中的用户，包含了用户的标识符和 Paillier 密钥链
// 约定一个用户只有一对密钥；只有公钥时只能加密
type User struct {
	UserIdentifier uuid.UUID
	UserName       string
	KeyChain       *key.KeyChain
}

// 生成一个新的空值用户
func NewUser() *User {
	user := new(User)
	user.UserIdentifier = uuid.New()
	return user
}

// 生成一个新的用户，包含用户名
func NewUserWithUserName(userName string) *User {
	user := NewUser()
	user.UserName = userName
	return user
}

// GenerateKeyChain 为用户生成新的密钥对，替换已有的密钥链
func (user *User) GenerateKeyChain(bits int) error {
	pk, sk, err := paillier.GenerateKeyPair(bits)
	if err != nil {
		return err
	}
	user.KeyChain = &key.KeyChain{Identifier: uuid.New(), PublicKey: pk, PrivateKey: sk}
	return nil
}

// ImportKeyChain 导入完整的密钥链（例如从托管服务取回的）
func (user *User) ImportKeyChain(kc *key.KeyChain) error {
	if err := kc.PublicKey.Validate(); err != nil {
		return err
	}
	if kc.PrivateKey != nil && !kc.Matches() {
		return errors.Wrap(key.ErrInvalidPrivateKey, "private key does not match public key")
	}
	user.KeyChain = kc
	return nil
}

// ImportWithPrivateKey 由私钥导出公钥后导入
func (user *User) ImportWithPrivateKey(sk *key.PrivateKey) error {
	if err := sk.Validate(); err != nil {
		return err
	}
	return user.ImportKeyChain(&key.KeyChain{Identifier: uuid.New(), PublicKey: sk.Public(), PrivateKey: sk})
}

// ImportWithPublicKey 用于只需要向对方加密的用户（例如收款方）
func (user *User) ImportWithPublicKey(pk *key.PublicKey) error {
	return user.ImportKeyChain(&key.KeyChain{Identifier: uuid.New(), PublicKey: pk})
}

func (user *User) PublicKey() (*key.PublicKey, error) {
	if user.KeyChain == nil || user.KeyChain.PublicKey == nil {
		return nil, ErrNoKeyChain
	}
	return user.KeyChain.PublicKey, nil
}

func (user *User) PrivateKey() (*key.PrivateKey, error) {
	if user.KeyChain == nil {
		return nil, ErrNoKeyChain
	}
	if user.KeyChain.PrivateKey == nil {
		return nil, ErrNoPrivateKey
	}
	return user.KeyChain.PrivateKey, nil
}
