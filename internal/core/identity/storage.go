package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dep2p/go-p2shell/pkg/lib/log"
)

var logger = log.Logger("core/identity")

// 密钥文件错误
var (
	// ErrKeyPathNotFile 密钥路径存在但不是普通文件
	ErrKeyPathNotFile = errors.New("key path exists but is not a regular file")

	// ErrInvalidKeyFile 密钥文件内容不是合法的 Ed25519 私钥
	ErrInvalidKeyFile = errors.New("key file does not contain a valid ed25519 key")
)

// LoadOrGenerate 加载或生成身份密钥
//
// 密钥文件存在时读取并解码；不存在时生成新密钥并写入，
// 文件权限设为 0400（仅属主可读）。目录不存在时自动创建（0700）。
func LoadOrGenerate(keyPath string) (*Identity, error) {
	ident, err := mayLoad(keyPath)
	if err != nil {
		return nil, err
	}
	if ident != nil {
		logger.Debug("已加载身份密钥", "path", keyPath, "nodeID", ident.ID().ShortString())
		return ident, nil
	}
	return generateAndWrite(keyPath)
}

// mayLoad 密钥文件存在时加载
func mayLoad(keyPath string) (*Identity, error) {
	info, err := os.Stat(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat key file %s: %w", keyPath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrKeyPathNotFile, keyPath)
	}

	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", keyPath, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: %s (%d bytes)", ErrInvalidKeyFile, keyPath, len(raw))
	}
	return FromPrivateKey(ed25519.PrivateKey(raw)), nil
}

// generateAndWrite 生成密钥并写入文件
func generateAndWrite(keyPath string) (*Identity, error) {
	ident, err := Generate()
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(keyPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory %s: %w", dir, err)
		}
	}

	// 先以 0600 写入，成功后收紧为 0400
	if err := os.WriteFile(keyPath, ident.PrivateKey(), 0o600); err != nil {
		return nil, fmt.Errorf("write key file %s: %w", keyPath, err)
	}
	if err := os.Chmod(keyPath, 0o400); err != nil {
		return nil, fmt.Errorf("chmod key file %s: %w", keyPath, err)
	}

	logger.Info("已生成新的身份密钥", "path", keyPath, "nodeID", ident.ID().ShortString())
	return ident, nil
}
