package serverlib

import (
	"context"
	"fmt"
	"time"

	"github.com/CamberLoid/ChimataPHE/internal/ledger"
	"github.com/CamberLoid/ChimataPHE/internal/logging"
	"github.com/CamberLoid/ChimataPHE/internal/transaction"
	"github.com/pkg/errors"
)

var (
	ErrSelfTransfer       = errors.New("sender and receiver are the same account")
	ErrUnknownAccount     = errors.New("unknown account")
	ErrMalformedAmount    = errors.New("malformed encrypted amount")
	ErrCompensationFailed = errors.New("debit could not be rolled back")
)

const (
	StageDebit  = "debit"
	StageCredit = "credit"
)

// compensationTimeout bounds the rollback, which runs even when the
// request's own context is already done.
const compensationTimeout = 10 * time.Second

// TransferError reports a transfer that failed after validation. RolledBack
// is set when the debit had been applied and was compensated.
type TransferError struct {
	Stage      string
	RolledBack bool
	Err        error
}

func (e *TransferError) Error() string {
	msg := "transfer failed at " + e.Stage
	if e.RolledBack {
		msg += " (debit rolled back)"
	}
	return msg + ": " + e.Err.Error()
}

func (e *TransferError) Unwrap() error { return e.Err }

// TransferProtocol moves an encrypted amount between two ledger entries.
// The amount arrives twice, once under each party's key; the server cannot
// check that both encrypt the same value, nor that the sender can afford it.
type TransferProtocol struct {
	Store             ledger.Store
	AllowSelfTransfer bool
}

// Transfer debits the sender and credits the receiver. Either both deltas
// stay applied or, if the credit fails, the debit is undone before
// returning. tx.ConfirmingPhase records the outcome.
func (p *TransferProtocol) Transfer(ctx context.Context, tx *transaction.Transaction) (err error) {
	tx.ConfirmingPhase = transaction.PhaseProcessing
	defer func() {
		if err == nil {
			tx.ConfirmingPhase = transaction.PhaseConfirmed
			tx.TimeStamp = time.Now().Unix()
			return
		}
		var te *TransferError
		if errors.As(err, &te) && te.RolledBack {
			tx.ConfirmingPhase = transaction.PhaseRolledBack
		} else {
			tx.ConfirmingPhase = transaction.PhaseFailed
		}
	}()

	// --- 校验 ---
	if tx.Sender == "" || tx.Receiver == "" {
		return errors.Wrap(ErrUnknownAccount, "sender and receiver are required")
	}
	if tx.Sender == tx.Receiver && !p.AllowSelfTransfer {
		return ErrSelfTransfer
	}

	senderPK, err := p.Store.PublicKey(ctx, tx.Sender)
	if err != nil {
		return accountErr(err, "sender", tx.Sender)
	}
	receiverPK, err := p.Store.PublicKey(ctx, tx.Receiver)
	if err != nil {
		return accountErr(err, "receiver", tx.Receiver)
	}

	debit, err := tx.GetSenderCT(senderPK)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedAmount, err)
	}
	credit, err := tx.GetReceiverCT(receiverPK)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedAmount, err)
	}

	// --- 更新余额 ---
	if err = ctx.Err(); err != nil {
		return errors.Wrap(err, "before debit")
	}
	if _, err = p.Store.ApplyDelta(ctx, tx.Sender, debit, ledger.OpSub); err != nil {
		return &TransferError{Stage: StageDebit, Err: err}
	}

	// a slow debit may outlive the request; give it back rather than credit late
	if err = ctx.Err(); err == nil {
		_, err = p.Store.ApplyDelta(ctx, tx.Receiver, credit, ledger.OpAdd)
	}
	if err != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
		defer cancel()

		if _, cerr := p.Store.ApplyDelta(cctx, tx.Sender, debit, ledger.OpAdd); cerr != nil {
			logging.CriticalLogger.Printf("transfer %s: credit of %s failed (%v) and rolling back the debit of %s failed too: %v",
				tx.UUID, tx.Receiver, err, tx.Sender, cerr)
			return &TransferError{
				Stage: StageCredit,
				Err:   errors.Wrapf(ErrCompensationFailed, "credit: %v; rollback: %v", err, cerr),
			}
		}
		logging.WarningLogger.Printf("transfer %s: credit of %s failed, debit of %s rolled back: %v",
			tx.UUID, tx.Receiver, tx.Sender, err)
		return &TransferError{Stage: StageCredit, RolledBack: true, Err: err}
	}

	return nil
}

func accountErr(err error, role, id string) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return errors.Wrapf(ErrUnknownAccount, "%s %q", role, id)
	}
	return err
}
