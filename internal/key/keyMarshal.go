package key

import (
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// keyChainRecord is the at-rest form of a KeyChain inside the custody vault
// and the client keyring. Integers are big-endian byte strings.
type keyChainRecord struct {
	Identifier []byte `cbor:"1,keyasint"`
	N          []byte `cbor:"2,keyasint"`
	Lambda     []byte `cbor:"3,keyasint,omitempty"`
	Mu         []byte `cbor:"4,keyasint,omitempty"`
}

// MarshalKeyChain encodes kc as CBOR. A nil private key is omitted.
func MarshalKeyChain(kc *KeyChain) ([]byte, error) {
	if kc == nil || kc.PublicKey == nil {
		return nil, errors.New("key chain without public key")
	}
	id, err := kc.Identifier.MarshalBinary()
	if err != nil {
		return nil, err
	}

	rec := keyChainRecord{
		Identifier: id,
		N:          kc.PublicKey.N.Bytes(),
	}
	if kc.PrivateKey != nil {
		rec.Lambda = kc.PrivateKey.Lambda.Bytes()
		rec.Mu = kc.PrivateKey.Mu.Bytes()
	}

	return cbor.Marshal(rec)
}

func UnmarshalKeyChain(data []byte) (kc *KeyChain, err error) {
	rec := new(keyChainRecord)
	if err = cbor.Unmarshal(data, rec); err != nil {
		return nil, errors.Wrap(err, "decode key chain")
	}
	if len(rec.N) == 0 {
		return nil, errors.Wrap(ErrInvalidPublicKey, "empty modulus")
	}

	kc = new(KeyChain)
	if kc.Identifier, err = uuid.FromBytes(rec.Identifier); err != nil {
		return nil, errors.Wrap(err, "decode key chain identifier")
	}

	n := new(big.Int).SetBytes(rec.N)
	kc.PublicKey = NewPublicKey(n)
	if len(rec.Lambda) != 0 {
		kc.PrivateKey = &PrivateKey{
			Lambda: new(big.Int).SetBytes(rec.Lambda),
			Mu:     new(big.Int).SetBytes(rec.Mu),
			N:      new(big.Int).Set(n),
		}
	}

	return kc, nil
}
