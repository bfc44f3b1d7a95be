package serverlib

import (
	"context"

	"github.com/CamberLoid/ChimataPHE/internal/auth"
	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/ledger"
	"github.com/CamberLoid/ChimataPHE/internal/logging"
	"github.com/CamberLoid/ChimataPHE/internal/paillier"
	"github.com/CamberLoid/ChimataPHE/internal/payload"
	"github.com/CamberLoid/ChimataPHE/internal/pipeline"
	"github.com/pkg/errors"
)

// ErrorCode maps an error from any layer to its wire code.
func ErrorCode(err error) string {
	var te *TransferError
	switch {
	case errors.Is(err, paillier.ErrNonInvertibleCiphertext):
		return payload.CodeNonInvertible
	case errors.Is(err, payload.ErrMalformed),
		errors.Is(err, payload.ErrMissingField),
		errors.Is(err, payload.ErrMessageTooLarge),
		errors.Is(err, ErrMalformedAmount),
		errors.Is(err, ledger.ErrInvalidCiphertext),
		errors.Is(err, paillier.ErrCiphertextOutOfRange):
		return payload.CodeMalformedRequest
	case errors.Is(err, ErrUnknownKind):
		return payload.CodeUnknownRequestKind
	case errors.Is(err, ErrUnknownAccount), errors.Is(err, ledger.ErrNotFound):
		return payload.CodeUnknownAccount
	case errors.Is(err, ledger.ErrAlreadyExists), errors.Is(err, auth.ErrAlreadyExists):
		return payload.CodeAlreadyExists
	case errors.Is(err, auth.ErrInvalidCredentials):
		return payload.CodeInvalidCredentials
	case errors.Is(err, key.ErrInvalidPublicKey), errors.Is(err, key.ErrInvalidPrivateKey):
		return payload.CodeInvalidKey
	case errors.Is(err, ErrSelfTransfer):
		return payload.CodeSelfTransfer
	case errors.As(err, &te):
		return payload.CodeTransferFailed
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrClosed):
		return payload.CodeServerBusy
	case errors.Is(err, context.DeadlineExceeded):
		return payload.CodeTimeout
	default:
		return payload.CodeInternalError
	}
}

// ErrorResponse builds the error response for err. Internal errors are
// logged and replaced by a generic message.
func ErrorResponse(err error) *payload.Response {
	code := ErrorCode(err)
	if code == payload.CodeInternalError {
		logging.ErrorLogger.Printf("internal error: %+v", err)
		return payload.Failure(code, "internal server error")
	}
	return payload.Failure(code, err.Error())
}

// ToResponse turns a pipeline result into the response for the wire.
func ToResponse(v interface{}, err error) *payload.Response {
	if err != nil {
		return ErrorResponse(err)
	}
	resp, ok := v.(*payload.Response)
	if !ok || resp == nil {
		return ErrorResponse(errors.Errorf("handler returned %T", v))
	}
	return resp
}
