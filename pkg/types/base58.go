package types

import (
	"github.com/mr-tron/base58"
)

// Base58Encode 将字节切片编码为 Base58 字符串
func Base58Encode(b []byte) string {
	return base58.Encode(b)
}

// Base58Decode 解码 Base58 字符串
func Base58Decode(s string) ([]byte, error) {
	return base58.Decode(s)
}
