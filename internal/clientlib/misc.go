package clientlib

import (
	"crypto/rand"
	"math/big"

	"github.com/CamberLoid/ChimataPHE/internal/payload"
)

// CheckIfOK 判断服务端返回的响应是否成功
func CheckIfOK(resp *payload.Response) error {
	if resp == nil {
		return &payload.RemoteError{Code: payload.CodeInternalError, Message: "empty response"}
	}
	return resp.Err()
}

// GenRandAmount 返回 [1, max] 内的随机金额
func GenRandAmount(max int64) int64 {
	randInt, _ := rand.Int(rand.Reader, big.NewInt(max))
	return randInt.Int64() + 1
}
