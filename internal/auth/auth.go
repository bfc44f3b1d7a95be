// Package auth checks usernames and passwords for the ledger server.
//
// Passwords are stored as base64(salt || PBKDF2-HMAC-SHA256(password, salt)),
// 16 bytes of salt and 100 000 iterations.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"sync"

	"github.com/CamberLoid/ChimataPHE/internal/db"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize   = 16
	Iterations = 100000
	keySize    = sha256.Size
)

var (
	ErrAlreadyExists      = errors.New("auth: username already registered")
	ErrUnknownUser        = errors.New("auth: unknown username")
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
	ErrMalformedHash      = errors.New("auth: malformed stored hash")
)

// HashPassword draws a fresh salt and returns the encoded hash.
func HashPassword(password string) (string, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "draw salt")
	}
	return encode(salt, password), nil
}

func encode(salt []byte, password string) string {
	dk := pbkdf2.Key([]byte(password), salt, Iterations, keySize, sha256.New)
	return base64.StdEncoding.EncodeToString(append(append([]byte(nil), salt...), dk...))
}

// VerifyPassword compares in constant time.
func VerifyPassword(password, stored string) (bool, error) {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil || len(raw) != SaltSize+keySize {
		return false, ErrMalformedHash
	}
	salt, want := raw[:SaltSize], raw[SaltSize:]
	got := pbkdf2.Key([]byte(password), salt, Iterations, keySize, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// Store holds encoded password hashes keyed by username.
type Store interface {
	Insert(ctx context.Context, username, hash string) error
	PasswordHash(ctx context.Context, username string) (string, error)
	Delete(ctx context.Context, username string) error
}

// Authenticator registers and checks credentials against a Store.
type Authenticator struct {
	store Store
}

func New(store Store) *Authenticator {
	return &Authenticator{store: store}
}

func (a *Authenticator) Register(ctx context.Context, username, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return a.store.Insert(ctx, username, hash)
}

// Login reports ErrInvalidCredentials for both an unknown user and a wrong
// password.
func (a *Authenticator) Login(ctx context.Context, username, password string) error {
	stored, err := a.store.PasswordHash(ctx, username)
	if errors.Is(err, ErrUnknownUser) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}

	ok, err := VerifyPassword(password, stored)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}
	return nil
}

// Remove undoes Register; used when signup fails after the credentials were
// written.
func (a *Authenticator) Remove(ctx context.Context, username string) error {
	return a.store.Delete(ctx, username)
}

// --- 存储 ---

type MemoryStore struct {
	mu     sync.RWMutex
	hashes map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hashes: make(map[string]string)}
}

func (s *MemoryStore) Insert(ctx context.Context, username, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[username]; ok {
		return ErrAlreadyExists
	}
	s.hashes[username] = hash
	return nil
}

func (s *MemoryStore) PasswordHash(ctx context.Context, username string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[username]
	if !ok {
		return "", ErrUnknownUser
	}
	return h, nil
}

func (s *MemoryStore) Delete(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, username)
	return nil
}

type SQLStore struct {
	db *db.DB
}

func NewSQLStore(d *db.DB) *SQLStore {
	return &SQLStore{db: d}
}

func (s *SQLStore) Insert(ctx context.Context, username, hash string) error {
	err := db.InsertCredential(ctx, s.db, username, hash)
	if db.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *SQLStore) PasswordHash(ctx context.Context, username string) (string, error) {
	h, err := db.GetPasswordHash(ctx, s.db, username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownUser
	}
	return h, err
}

func (s *SQLStore) Delete(ctx context.Context, username string) error {
	return db.DeleteCredential(ctx, s.db, username)
}
