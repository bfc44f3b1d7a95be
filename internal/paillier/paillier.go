// Package paillier implements the simplified Paillier cryptosystem (g = n+1)
// used to keep ledger balances encrypted.
//
// Ciphertexts are plain *big.Int values in [0, n²). Multiplying two
// ciphertexts modulo n² adds the underlying plaintexts modulo n, which is the
// only operation the ledger server ever performs on a balance.
//
// Modular exponentiation, multiplication and inversion go through saferith so
// the secret-dependent paths (r^n during encryption, c^lambda during
// decryption) run in constant time.
package paillier

import (
	"crypto/rand"
	"io"
	"math/big"

	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/cronokirby/saferith"
	"github.com/pkg/errors"
)

const (
	// DefaultKeyBits is the size of each prime, so n is twice as long.
	DefaultKeyBits = 512
	MinKeyBits     = 64

	maxKeyGenAttempts = 8
)

var (
	ErrKeyGeneration           = errors.New("paillier: key generation failed")
	ErrDecryption              = errors.New("paillier: invalid ciphertext for this key")
	ErrNonInvertibleCiphertext = errors.New("paillier: ciphertext is not invertible mod n²")
	ErrMessageOutOfRange       = errors.New("paillier: plaintext outside [0, n)")
	ErrCiphertextOutOfRange    = errors.New("paillier: ciphertext outside [0, n²)")
)

var one = big.NewInt(1)

// Engine carries the randomness source; it holds no key material.
type Engine struct {
	random io.Reader
}

// Default draws from crypto/rand.
var Default = New(rand.Reader)

func New(random io.Reader) *Engine {
	if random == nil {
		random = rand.Reader
	}
	return &Engine{random: random}
}

// GenerateKeyPair draws two primes of the given size each. An attempt whose
// lambda is not coprime to n is thrown away and retried with fresh primes.
func (e *Engine) GenerateKeyPair(bits int) (*key.PublicKey, *key.PrivateKey, error) {
	if bits < MinKeyBits {
		return nil, nil, errors.Wrapf(ErrKeyGeneration, "prime size %d below minimum %d", bits, MinKeyBits)
	}

	var lastErr error
	for attempt := 0; attempt < maxKeyGenAttempts; attempt++ {
		pk, sk, err := e.generateKeyPair(bits)
		if err == nil {
			return pk, sk, nil
		}
		if !errors.Is(err, ErrKeyGeneration) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, errors.Wrapf(lastErr, "gave up after %d attempts", maxKeyGenAttempts)
}

func (e *Engine) generateKeyPair(bits int) (*key.PublicKey, *key.PrivateKey, error) {
	p, err := rand.Prime(e.random, bits)
	if err != nil {
		return nil, nil, errors.Wrap(err, "sample prime p")
	}
	q, err := rand.Prime(e.random, bits)
	if err != nil {
		return nil, nil, errors.Wrap(err, "sample prime q")
	}
	if p.Cmp(q) == 0 {
		return nil, nil, errors.Wrap(ErrKeyGeneration, "p == q")
	}

	n := new(big.Int).Mul(p, q)
	pm1 := new(big.Int).Sub(p, one)
	qm1 := new(big.Int).Sub(q, one)

	// lambda = lcm(p-1, q-1)
	gcd := new(big.Int).GCD(nil, nil, pm1, qm1)
	lambda := new(big.Int).Mul(pm1, qm1)
	lambda.Quo(lambda, gcd)

	if new(big.Int).GCD(nil, nil, lambda, n).Cmp(one) != 0 {
		return nil, nil, errors.Wrap(ErrKeyGeneration, "gcd(lambda, n) != 1")
	}
	mu := new(big.Int).ModInverse(lambda, n)
	if mu == nil {
		return nil, nil, errors.Wrap(ErrKeyGeneration, "lambda not invertible mod n")
	}

	pk := key.NewPublicKey(n)
	sk := &key.PrivateKey{Lambda: lambda, Mu: mu, N: new(big.Int).Set(n)}
	return pk, sk, nil
}

// Encrypt returns g^m · r^n mod n² for a fresh random unit r.
func (e *Engine) Encrypt(m *big.Int, pk *key.PublicKey) (*big.Int, error) {
	if err := pk.Validate(); err != nil {
		return nil, err
	}
	if m == nil || m.Sign() < 0 || m.Cmp(pk.N) >= 0 {
		return nil, ErrMessageOutOfRange
	}

	r, err := e.sampleUnit(pk.N)
	if err != nil {
		return nil, err
	}

	n2 := pk.NSquared()
	mod, size := modulusOf(n2)
	expSize := pk.N.BitLen()

	gm := new(saferith.Nat).Exp(natOf(pk.G, size), natOf(m, expSize), mod)
	rn := new(saferith.Nat).Exp(natOf(r, size), natOf(pk.N, expSize), mod)
	return gm.ModMul(gm, rn, mod).Big(), nil
}

// Decrypt computes L(c^lambda mod n²) · mu mod n with L(x) = (x-1)/n.
func (e *Engine) Decrypt(c *big.Int, sk *key.PrivateKey) (*big.Int, error) {
	if err := sk.Validate(); err != nil {
		return nil, err
	}
	n := sk.N
	n2 := new(big.Int).Mul(n, n)
	if c == nil || c.Sign() < 0 || c.Cmp(n2) >= 0 {
		return nil, errors.Wrap(ErrDecryption, "ciphertext outside [0, n²)")
	}
	if new(big.Int).GCD(nil, nil, c, n).Cmp(one) != 0 {
		return nil, errors.Wrap(ErrDecryption, "ciphertext not coprime to n")
	}

	mod, size := modulusOf(n2)
	x := new(saferith.Nat).Exp(natOf(c, size), natOf(sk.Lambda, sk.Lambda.BitLen()), mod).Big()

	x.Sub(x, one)
	l, rem := new(big.Int).QuoRem(x, n, new(big.Int))
	if rem.Sign() != 0 {
		return nil, errors.Wrap(ErrDecryption, "L(x) is not an exact division")
	}

	l.Mul(l, sk.Mu)
	return l.Mod(l, n), nil
}

// Add returns c1·c2 mod n², an encryption of m1+m2 mod n.
func (e *Engine) Add(c1, c2 *big.Int, pk *key.PublicKey) (*big.Int, error) {
	if err := checkCiphertexts(pk, c1, c2); err != nil {
		return nil, err
	}
	mod, size := modulusOf(pk.NSquared())
	x := natOf(c1, size)
	return x.ModMul(x, natOf(c2, size), mod).Big(), nil
}

// Sub returns c1·c2⁻¹ mod n², an encryption of m1-m2 mod n.
func (e *Engine) Sub(c1, c2 *big.Int, pk *key.PublicKey) (*big.Int, error) {
	if err := checkCiphertexts(pk, c1, c2); err != nil {
		return nil, err
	}
	mod, size := modulusOf(pk.NSquared())
	y := natOf(c2, size)
	if y.IsUnit(mod) != 1 {
		return nil, ErrNonInvertibleCiphertext
	}

	inv := new(saferith.Nat).ModInverse(y, mod)
	return inv.ModMul(natOf(c1, size), inv, mod).Big(), nil
}

// EncryptInt64 encrypts v, mapping negative values to n+v.
func (e *Engine) EncryptInt64(v int64, pk *key.PublicKey) (*big.Int, error) {
	if err := pk.Validate(); err != nil {
		return nil, err
	}
	m := big.NewInt(v)
	if v < 0 {
		m.Add(m, pk.N)
	}
	return e.Encrypt(m, pk)
}

// DecryptSigned decrypts and reads plaintexts above n/2 as negative. An
// overdrawn balance shows up here as a negative number.
func (e *Engine) DecryptSigned(c *big.Int, sk *key.PrivateKey) (*big.Int, error) {
	m, err := e.Decrypt(c, sk)
	if err != nil {
		return nil, err
	}
	half := new(big.Int).Rsh(sk.N, 1)
	if m.Cmp(half) > 0 {
		m.Sub(m, sk.N)
	}
	return m, nil
}

// sampleUnit draws r uniformly from [1, n-1] with gcd(r, n) == 1.
func (e *Engine) sampleUnit(n *big.Int) (*big.Int, error) {
	bound := new(big.Int).Sub(n, one)
	for {
		r, err := rand.Int(e.random, bound)
		if err != nil {
			return nil, errors.Wrap(err, "sample randomness")
		}
		r.Add(r, one)
		if new(big.Int).GCD(nil, nil, r, n).Cmp(one) == 0 {
			return r, nil
		}
	}
}

// ValidateCiphertexts checks that every c lies in [0, n²) and is a unit mod
// n², which every output of Encrypt is. A non-unit multiplied into a balance
// leaves it undecryptable for good.
func ValidateCiphertexts(pk *key.PublicKey, cs ...*big.Int) error {
	if err := checkCiphertexts(pk, cs...); err != nil {
		return err
	}
	mod, size := modulusOf(pk.NSquared())
	for _, c := range cs {
		if natOf(c, size).IsUnit(mod) != 1 {
			return ErrNonInvertibleCiphertext
		}
	}
	return nil
}

func checkCiphertexts(pk *key.PublicKey, cs ...*big.Int) error {
	if err := pk.Validate(); err != nil {
		return err
	}
	for _, c := range cs {
		if !pk.CiphertextInRange(c) {
			return ErrCiphertextOutOfRange
		}
	}
	return nil
}

func modulusOf(m *big.Int) (*saferith.Modulus, int) {
	size := m.BitLen()
	return saferith.ModulusFromNat(new(saferith.Nat).SetBig(m, size)), size
}

func natOf(x *big.Int, size int) *saferith.Nat {
	return new(saferith.Nat).SetBig(x, size)
}

// --- 包级别的便捷函数，使用 Default ---

func GenerateKeyPair(bits int) (*key.PublicKey, *key.PrivateKey, error) {
	return Default.GenerateKeyPair(bits)
}

func Encrypt(m *big.Int, pk *key.PublicKey) (*big.Int, error) {
	return Default.Encrypt(m, pk)
}

func Decrypt(c *big.Int, sk *key.PrivateKey) (*big.Int, error) {
	return Default.Decrypt(c, sk)
}

func Add(c1, c2 *big.Int, pk *key.PublicKey) (*big.Int, error) {
	return Default.Add(c1, c2, pk)
}

func Sub(c1, c2 *big.Int, pk *key.PublicKey) (*big.Int, error) {
	return Default.Sub(c1, c2, pk)
}
