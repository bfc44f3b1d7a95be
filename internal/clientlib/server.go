// server.go 包括客户端与账本服务端交互的接口和函数

package clientlib

import (
	"context"
	"math/big"

	"github.com/CamberLoid/ChimataPHE/internal/config"
	"github.com/CamberLoid/ChimataPHE/internal/history"
	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/payload"
	"github.com/CamberLoid/ChimataPHE/internal/transaction"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultServerAddr  = config.DefaultListenAddr + ":" + config.DefaultListenPort
	DefaultCustodyAddr = config.DefaultListenAddr + ":" + config.DefaultCustodyPort
)

// LedgerClient 是对账本服务端单个连接的封装，每个方法对应一种请求
type LedgerClient struct {
	conn *payload.Conn
}

func DialLedger(ctx context.Context, addr string) (*LedgerClient, error) {
	conn, err := payload.Dial(ctx, addr)
	if err != nil {
		return nil, errors.Wrap(err, "ledger")
	}
	return &LedgerClient{conn: conn}, nil
}

func NewLedgerClient(conn *payload.Conn) *LedgerClient {
	return &LedgerClient{conn: conn}
}

func (c *LedgerClient) call(ctx context.Context, req *payload.Request) (*payload.Response, error) {
	resp, err := c.conn.RoundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if err = CheckIfOK(resp); err != nil {
		return nil, errors.Wrap(err, req.Kind())
	}
	return resp, nil
}

// --- 注册 / 登录部分 ---

func (c *LedgerClient) Signup(ctx context.Context, username, password string, balance *big.Int, pk *key.PublicKey) error {
	_, err := c.call(ctx, &payload.Request{
		Request:   payload.KindSignup,
		Username:  username,
		Password:  password,
		Balance:   balance,
		PublicKey: pk,
	})
	return err
}

func (c *LedgerClient) Login(ctx context.Context, username, password string) error {
	_, err := c.call(ctx, &payload.Request{
		Request:  payload.KindLogin,
		Username: username,
		Password: password,
	})
	return err
}

// --- 转账部分 ---

// Transfer 提交转账，成功后写回服务端分配的流水号并标记为已确认
func (c *LedgerClient) Transfer(ctx context.Context, tx *transaction.Transaction) error {
	resp, err := c.call(ctx, &payload.Request{
		Request:                 payload.KindTransfer,
		Sender:                  tx.Sender,
		Receiver:                tx.Receiver,
		SenderEncryptedAmount:   tx.SenderAmount,
		ReceiverEncryptedAmount: tx.ReceiverAmount,
	})
	if err != nil {
		tx.ConfirmingPhase = transaction.PhaseFailed
		return err
	}
	if id, perr := uuid.Parse(resp.TransactionID); perr == nil {
		tx.UUID = id
	}
	tx.ConfirmingPhase = transaction.PhaseConfirmed
	return nil
}

// --- 查询部分 ---

// GetBalance 从服务端获取用户的余额密文
func (c *LedgerClient) GetBalance(ctx context.Context, username string) (*big.Int, error) {
	resp, err := c.call(ctx, &payload.Request{Request: payload.KindBalance, Username: username})
	if err != nil {
		return nil, err
	}
	if resp.Balance == nil {
		return nil, errors.New("balance not found")
	}
	return resp.Balance, nil
}

func (c *LedgerClient) GetPublicKey(ctx context.Context, username string) (*key.PublicKey, error) {
	resp, err := c.call(ctx, &payload.Request{Request: payload.KindPublicKey, Username: username})
	if err != nil {
		return nil, err
	}
	if resp.PublicKey == nil {
		return nil, errors.New("public key not found")
	}
	return resp.PublicKey, nil
}

func (c *LedgerClient) GetHistory(ctx context.Context, username string) ([]history.Entry, error) {
	resp, err := c.call(ctx, &payload.Request{Request: payload.KindHistory, Username: username})
	if err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

func (c *LedgerClient) Close() error {
	return c.conn.Close()
}
