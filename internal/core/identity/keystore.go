package identity

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
)

// 密钥文件权限：仅属主可读
const keyFileMode = 0o400

// LoadOrGenerate 从密钥文件加载身份；文件不存在时生成并写入
//
// 文件内容为 Base58 编码的 Ed25519 私钥（单行文本）。新生成的
// 文件权限为 0400。path 为空时生成临时身份，不落盘。
func LoadOrGenerate(path string) (*Identity, error) {
	if path == "" {
		return Generate()
	}

	fi, err := os.Lstat(path)
	switch {
	case err == nil:
		if !fi.Mode().IsRegular() {
			return nil, fmt.Errorf("key path %s exists but is not a regular file", path)
		}
		return loadKeyFile(path)
	case os.IsNotExist(err):
		return generateKeyFile(path)
	default:
		return nil, fmt.Errorf("stat key file: %w", err)
	}
}

// loadKeyFile 读取并解码密钥文件
func loadKeyFile(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	priv, err := base58.Decode(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key file %s: invalid private key size %d", path, len(priv))
	}
	return FromPrivateKey(ed25519.PrivateKey(priv)), nil
}

// generateKeyFile 生成新身份并落盘
func generateKeyFile(path string) (*Identity, error) {
	ident, err := Generate()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	encoded := base58.Encode(ident.priv) + "\n"
	if err := os.WriteFile(path, []byte(encoded), keyFileMode); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return ident, nil
}
