package key

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
)

// --- Paillier 公钥和私钥的 JSON 格式部分 --- //
// Pubkey : [n, g]
// Privkey: [lambda, mu, n]
// 整数以 JSON 数字编码，不做字符串包装

type publicKeyObject struct {
	N *big.Int `json:"n"`
	G *big.Int `json:"g"`
}

func (pk PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal([]*big.Int{pk.N, pk.G})
}

// UnmarshalJSON accepts [n, g] as well as {"n": .., "g": ..}.
func (pk *PublicKey) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		obj := new(publicKeyObject)
		if err := json.Unmarshal(data, obj); err != nil {
			return err
		}
		pk.N, pk.G = obj.N, obj.G
		return nil
	}

	parts, err := decodeIntList(data, 2)
	if err != nil {
		return fmt.Errorf("public key: %v", err)
	}
	pk.N, pk.G = parts[0], parts[1]
	return nil
}

func (sk PrivateKey) MarshalJSON() ([]byte, error) {
	return json.Marshal([]*big.Int{sk.Lambda, sk.Mu, sk.N})
}

func (sk *PrivateKey) UnmarshalJSON(data []byte) error {
	parts, err := decodeIntList(data, 3)
	if err != nil {
		return fmt.Errorf("private key: %v", err)
	}
	sk.Lambda, sk.Mu, sk.N = parts[0], parts[1], parts[2]
	return nil
}

func decodeIntList(data []byte, want int) ([]*big.Int, error) {
	var parts []*big.Int
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, err
	}
	if len(parts) != want {
		return nil, fmt.Errorf("expected %d integers, got %d", want, len(parts))
	}
	for i, p := range parts {
		if p == nil {
			return nil, fmt.Errorf("component %d is null", i)
		}
	}
	return parts, nil
}
