package serverlib

import (
	"context"
	"fmt"

	"github.com/CamberLoid/ChimataPHE/internal/auth"
	"github.com/CamberLoid/ChimataPHE/internal/history"
	"github.com/CamberLoid/ChimataPHE/internal/ledger"
	"github.com/CamberLoid/ChimataPHE/internal/logging"
	"github.com/CamberLoid/ChimataPHE/internal/paillier"
	"github.com/CamberLoid/ChimataPHE/internal/payload"
	"github.com/CamberLoid/ChimataPHE/internal/pipeline"
	"github.com/CamberLoid/ChimataPHE/internal/transaction"
	"github.com/pkg/errors"
)

var ErrUnknownKind = errors.New("unknown request kind")

// KnownKind reports whether the ledger server handles kind.
func KnownKind(kind string) bool {
	switch kind {
	case payload.KindSignup, payload.KindLogin, payload.KindTransfer,
		payload.KindBalance, payload.KindHistory, payload.KindPublicKey:
		return true
	}
	return false
}

// Service routes ledger server requests. It is the pipeline's Dispatcher;
// the pipeline already holds the account locks when Dispatch runs.
type Service struct {
	Ledger    ledger.Store
	Auth      *auth.Authenticator
	History   history.Store
	Transfers *TransferProtocol
}

func NewService(l ledger.Store, a *auth.Authenticator, h history.Store, allowSelfTransfer bool) *Service {
	return &Service{
		Ledger:    l,
		Auth:      a,
		History:   h,
		Transfers: &TransferProtocol{Store: l, AllowSelfTransfer: allowSelfTransfer},
	}
}

func (s *Service) Dispatch(ctx context.Context, req pipeline.Request) (interface{}, error) {
	r, ok := req.(*payload.Request)
	if !ok {
		return nil, errors.Errorf("unexpected request type %T", req)
	}

	switch r.Kind() {
	case payload.KindSignup:
		return s.signup(ctx, r)
	case payload.KindLogin:
		return s.login(ctx, r)
	case payload.KindTransfer:
		return s.transfer(ctx, r)
	case payload.KindBalance:
		return s.balance(ctx, r)
	case payload.KindHistory:
		return s.history(ctx, r)
	case payload.KindPublicKey:
		return s.publicKey(ctx, r)
	default:
		return nil, errors.Wrap(ErrUnknownKind, r.Kind())
	}
}

// --- 注册部分 ---

func (s *Service) signup(ctx context.Context, r *payload.Request) (*payload.Response, error) {
	if err := r.Require("username", "password"); err != nil {
		return nil, err
	}
	if r.Balance == nil {
		return nil, errors.Wrap(payload.ErrMissingField, "balance")
	}
	if r.PublicKey == nil {
		return nil, errors.Wrap(payload.ErrMissingField, "public_key")
	}
	if err := r.PublicKey.Validate(); err != nil {
		return nil, err
	}
	if err := paillier.ValidateCiphertexts(r.PublicKey, r.Balance); err != nil {
		return nil, errors.Wrap(ledger.ErrInvalidCiphertext, err.Error())
	}

	if err := s.Auth.Register(ctx, r.Username, r.Password); err != nil {
		return nil, err
	}
	if err := s.Ledger.Create(ctx, r.Username, r.Balance, r.PublicKey); err != nil {
		if rerr := s.Auth.Remove(context.WithoutCancel(ctx), r.Username); rerr != nil {
			logging.ErrorLogger.Printf("signup %s: ledger create failed and credentials could not be removed: %v", r.Username, rerr)
		}
		return nil, err
	}

	e := history.NewEntry(history.TypeSignup)
	e.Balance = r.Balance
	s.record(ctx, r.Username, e)

	logging.InfoLogger.Printf("signup: %s, key %s", r.Username, r.PublicKey.Fingerprint())
	return payload.Success("Signup successful"), nil
}

func (s *Service) login(ctx context.Context, r *payload.Request) (*payload.Response, error) {
	if err := r.Require("username", "password"); err != nil {
		return nil, err
	}
	if err := s.Auth.Login(ctx, r.Username, r.Password); err != nil {
		return nil, err
	}
	s.record(ctx, r.Username, history.NewEntry(history.TypeLogin))
	return payload.Success("Login successful"), nil
}

// --- 转账部分 ---

func (s *Service) transfer(ctx context.Context, r *payload.Request) (*payload.Response, error) {
	if err := r.Require("sender", "receiver"); err != nil {
		return nil, err
	}

	tx := transaction.New(r.Sender, r.Receiver, r.SenderEncryptedAmount, r.ReceiverEncryptedAmount)
	if err := s.Transfers.Transfer(ctx, tx); err != nil {
		logging.InfoLogger.Printf("transfer %s: %s -> %s %s: %v", tx.UUID, tx.Sender, tx.Receiver, tx.ConfirmingPhase, err)
		return nil, err
	}

	sent := history.NewEntry(history.TypeSendMoney)
	sent.Amount, sent.Sender, sent.Receiver = tx.SenderAmount, tx.Sender, tx.Receiver
	s.record(ctx, tx.Sender, sent)

	received := history.NewEntry(history.TypeReceiveMoney)
	received.Amount, received.Sender, received.Receiver = tx.ReceiverAmount, tx.Sender, tx.Receiver
	s.record(ctx, tx.Receiver, received)

	logging.InfoLogger.Printf("transfer %s: %s -> %s %s", tx.UUID, tx.Sender, tx.Receiver, tx.ConfirmingPhase)
	resp := payload.Success("Transfer successful")
	resp.TransactionID = tx.UUID.String()
	return resp, nil
}

// --- 查询部分 ---

func (s *Service) balance(ctx context.Context, r *payload.Request) (*payload.Response, error) {
	if err := r.Require("username"); err != nil {
		return nil, err
	}
	bal, err := s.Ledger.GetBalance(ctx, r.Username)
	if err != nil {
		return nil, lookupErr(err, r.Username)
	}

	e := history.NewEntry(history.TypeBalanceCheck)
	e.Balance = bal
	s.record(ctx, r.Username, e)

	resp := payload.Success("")
	resp.Balance = bal
	return resp, nil
}

func (s *Service) history(ctx context.Context, r *payload.Request) (*payload.Response, error) {
	if err := r.Require("username"); err != nil {
		return nil, err
	}
	if _, err := s.Ledger.PublicKey(ctx, r.Username); err != nil {
		return nil, lookupErr(err, r.Username)
	}

	entries, err := s.History.List(ctx, r.Username)
	if err != nil {
		return nil, errors.Wrap(err, "list history")
	}
	resp := payload.Success(fmt.Sprintf("%d entries", len(entries)))
	resp.Transactions = entries
	return resp, nil
}

func (s *Service) publicKey(ctx context.Context, r *payload.Request) (*payload.Response, error) {
	if err := r.Require("username"); err != nil {
		return nil, err
	}
	pk, err := s.Ledger.PublicKey(ctx, r.Username)
	if err != nil {
		return nil, lookupErr(err, r.Username)
	}
	resp := payload.Success("")
	resp.PublicKey = pk
	return resp, nil
}

// record appends to the history. The ledger operation has already happened,
// so a history failure is only logged.
func (s *Service) record(ctx context.Context, username string, e history.Entry) {
	if err := s.History.Append(ctx, username, e); err != nil {
		logging.ErrorLogger.Printf("history %s for %s not recorded: %v", e.Type, username, err)
	}
}

func lookupErr(err error, username string) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return errors.Wrapf(ErrUnknownAccount, "%q", username)
	}
	return err
}
