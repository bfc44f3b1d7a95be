// Package payload holds the JSON messages exchanged with the ledger server
// and the key-custody service.
//
// Big integers (ciphertexts, key components) travel as plain JSON numbers.
package payload

import (
	"encoding/json"
	"math/big"

	"github.com/CamberLoid/ChimataPHE/internal/history"
	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/pkg/errors"
)

// Ledger server request kinds.
const (
	KindSignup    = "signup"
	KindLogin     = "login"
	KindTransfer  = "transfer"
	KindBalance   = "balance"
	KindHistory   = "history"
	KindPublicKey = "public_key"
)

// Key-custody request kinds.
const (
	KindStoreKeys   = "store_keys"
	KindAcquireKeys = "acquire_keys"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error codes carried in Response.Error.
const (
	CodeMalformedRequest   = "malformed_request"
	CodeUnknownRequestKind = "unknown_request_kind"
	CodeUnknownAccount     = "unknown_account"
	CodeAlreadyExists      = "already_exists"
	CodeInvalidCredentials = "invalid_credentials"
	CodeInvalidKey         = "invalid_key"
	CodeSelfTransfer       = "self_transfer"
	CodeTransferFailed     = "transfer_failed"
	CodeNonInvertible      = "non_invertible_ciphertext"
	CodeServerBusy         = "server_busy"
	CodeTimeout            = "timeout"
	CodeInternalError      = "internal_error"
)

var (
	ErrMalformed    = errors.New("malformed request")
	ErrMissingField = errors.New("missing field")
)

// Request is the union of every request's fields. The kind is read from
// "request", or from "type" as the custody protocol spells it.
type Request struct {
	Request string `json:"request,omitempty"`
	Type    string `json:"type,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	Balance    *big.Int        `json:"balance,omitempty"`
	PublicKey  *key.PublicKey  `json:"public_key,omitempty"`
	PrivateKey *key.PrivateKey `json:"private_key,omitempty"`

	Sender                  string   `json:"sender,omitempty"`
	Receiver                string   `json:"receiver,omitempty"`
	SenderEncryptedAmount   *big.Int `json:"sender_encrypted_amount,omitempty"`
	ReceiverEncryptedAmount *big.Int `json:"receiver_encrypted_amount,omitempty"`
}

func (r *Request) Kind() string {
	if r.Request != "" {
		return r.Request
	}
	return r.Type
}

// Accounts lists the accounts whose ledger state the request may change.
func (r *Request) Accounts() []string {
	switch r.Kind() {
	case KindTransfer:
		return []string{r.Sender, r.Receiver}
	case KindSignup:
		return []string{r.Username}
	default:
		return nil
	}
}

// Require checks that the named string fields are non-empty.
func (r *Request) Require(fields ...string) error {
	values := map[string]string{
		"username": r.Username,
		"password": r.Password,
		"sender":   r.Sender,
		"receiver": r.Receiver,
	}
	for _, f := range fields {
		if values[f] == "" {
			return errors.Wrap(ErrMissingField, f)
		}
	}
	return nil
}

// Redacted returns a copy without the password and private key, for logs.
func (r *Request) Redacted() Request {
	c := *r
	if c.Password != "" {
		c.Password = "***"
	}
	c.PrivateKey = nil
	return c
}

// Decode parses one message. Any syntax or type error is ErrMalformed, and
// so is a message without a kind.
func Decode(data []byte) (*Request, error) {
	req := new(Request)
	if err := json.Unmarshal(data, req); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if req.Kind() == "" {
		return nil, errors.Wrap(ErrMalformed, `no "request" or "type" field`)
	}
	return req, nil
}

type Response struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	Balance       *big.Int        `json:"balance,omitempty"`
	Transactions  []history.Entry `json:"transactions,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	PublicKey     *key.PublicKey  `json:"public_key,omitempty"`
	PrivateKey    *key.PrivateKey `json:"private_key,omitempty"`
}

func Success(message string) *Response {
	return &Response{Status: StatusSuccess, Message: message}
}

func Failure(code, message string) *Response {
	return &Response{Status: StatusError, Error: code, Message: message}
}

// RemoteError is an error response seen from the client side.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Err turns an error response into a *RemoteError and a success into nil.
func (r *Response) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	return &RemoteError{Code: r.Error, Message: r.Message}
}
