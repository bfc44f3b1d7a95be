package clientlib

import (
	"context"

	"github.com/CamberLoid/ChimataPHE/internal/config"
	"github.com/CamberLoid/ChimataPHE/internal/custody"
	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/logging"
	"github.com/CamberLoid/ChimataPHE/internal/transaction"
	"github.com/pkg/errors"
)

var ErrNotLoggedIn = errors.New("not logged in")

// Client 组合账本服务端、密钥托管服务和本地密钥库
// Keyring 可以为 nil，此时每次登录都从托管服务取回密钥
type Client struct {
	Ledger   *LedgerClient
	Custody  *custody.Client
	Keyring  *Keyring
	KeyBits  int
	MainUser *User
}

func NewClient(ledger *LedgerClient, keys *custody.Client, keyring *Keyring) *Client {
	return &Client{Ledger: ledger, Custody: keys, Keyring: keyring, KeyBits: config.DefaultKeyBits}
}

// Signup 生成密钥对并交给托管服务保存，再以加密后的初始余额注册
func (c *Client) Signup(ctx context.Context, username, password string, initial int64) (*User, error) {
	u := NewUser(username)
	if err := u.GenerateKeyChain(c.KeyBits); err != nil {
		return nil, errors.Wrap(err, "generate keys")
	}
	if err := c.Custody.StoreKeys(ctx, username, u.KeyChain); err != nil {
		return nil, err
	}

	balance, err := u.EncryptAmount(initial)
	if err != nil {
		return nil, err
	}
	if err = c.Ledger.Signup(ctx, username, password, balance, u.KeyChain.PublicKey); err != nil {
		return nil, err
	}

	c.cache(ctx, username, u.KeyChain)
	c.MainUser = u
	return u, nil
}

// Login 校验口令后取得密钥：先查本地密钥库，再向托管服务请求
// 取得的公钥必须与账本中登记的一致
func (c *Client) Login(ctx context.Context, username, password string) (*User, error) {
	if err := c.Ledger.Login(ctx, username, password); err != nil {
		return nil, err
	}
	registered, err := c.Ledger.GetPublicKey(ctx, username)
	if err != nil {
		return nil, err
	}

	kc, err := c.loadKeys(ctx, username)
	if err != nil {
		return nil, err
	}
	if !kc.PublicKey.Equal(registered) {
		return nil, errors.Wrapf(key.ErrInvalidPublicKey, "keys for %s do not match the ledger", username)
	}

	u := NewUser(username)
	if err = u.ImportKeyChain(kc); err != nil {
		return nil, err
	}
	c.cache(ctx, username, kc)
	c.MainUser = u
	return u, nil
}

func (c *Client) loadKeys(ctx context.Context, username string) (*key.KeyChain, error) {
	if c.Keyring != nil {
		kc, err := c.Keyring.Load(ctx, username)
		if err == nil && kc.PrivateKey != nil {
			return kc, nil
		}
		if err != nil && !errors.Is(err, ErrNotInKeyring) {
			logging.WarningLogger.Printf("keyring: %v", err)
		}
	}
	return c.Custody.AcquireKeys(ctx, username)
}

func (c *Client) cache(ctx context.Context, username string, kc *key.KeyChain) {
	if c.Keyring == nil {
		return
	}
	if err := c.Keyring.Save(ctx, username, kc); err != nil {
		logging.WarningLogger.Printf("keyring: %v", err)
	}
}

// Balance 返回解密后的余额
func (c *Client) Balance(ctx context.Context) (int64, error) {
	if c.MainUser == nil {
		return 0, ErrNotLoggedIn
	}
	ct, err := c.Ledger.GetBalance(ctx, c.MainUser.UserName)
	if err != nil {
		return 0, err
	}
	return c.MainUser.DecryptAmount(ct)
}

// Send 检查余额后向 receiver 转账
func (c *Client) Send(ctx context.Context, receiver string, amount int64) (*transaction.Transaction, error) {
	if c.MainUser == nil {
		return nil, ErrNotLoggedIn
	}
	if amount <= 0 {
		return nil, ErrNonPositiveAmount
	}

	balance, err := c.Ledger.GetBalance(ctx, c.MainUser.UserName)
	if err != nil {
		return nil, err
	}
	if err = c.MainUser.VerifyBalanceCovers(balance, amount); err != nil {
		return nil, err
	}

	receiverPK, err := c.Ledger.GetPublicKey(ctx, receiver)
	if err != nil {
		return nil, err
	}
	tx, err := c.MainUser.NewOutgoingTransaction(receiver, receiverPK, amount)
	if err != nil {
		return nil, err
	}
	if err = c.Ledger.Transfer(ctx, tx); err != nil {
		return tx, err
	}
	return tx, nil
}

// History 返回解密后的历史记录
func (c *Client) History(ctx context.Context) ([]HistoryLine, error) {
	if c.MainUser == nil {
		return nil, ErrNotLoggedIn
	}
	entries, err := c.Ledger.GetHistory(ctx, c.MainUser.UserName)
	if err != nil {
		return nil, err
	}
	return c.MainUser.DecryptHistory(entries)
}

func (c *Client) Close() error {
	var errs []error
	for _, closer := range []interface{ Close() error }{c.Ledger, c.Custody} {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Keyring != nil {
		if err := c.Keyring.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
