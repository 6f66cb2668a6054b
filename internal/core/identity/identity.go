// Package identity 实现节点身份与凭证
//
// 身份 = Ed25519 密钥对；NodeID = Base58(SHA256(公钥))。
// 进程生命周期内只初始化一次，初始化后只读。
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	sha256 "github.com/minio/sha256-simd"

	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/types"
)

// ============================================================================
//                              Identity 实现
// ============================================================================

// Identity 本地节点身份
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   types.NodeID
}

// 确保实现接口
var _ interfaces.Identity = (*Identity)(nil)

// Generate 生成新的随机身份
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return FromPrivateKey(priv), nil
}

// FromPrivateKey 从已有私钥创建身份
func FromPrivateKey(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		priv: priv,
		pub:  pub,
		id:   NodeIDFromPublicKey(pub),
	}
}

// ID 返回节点标识
func (i *Identity) ID() types.NodeID {
	return i.id
}

// PublicKey 返回公钥
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.pub
}

// PrivateKey 返回私钥
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return i.priv
}

// Sign 签名数据
func (i *Identity) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(i.priv, data), nil
}

// ============================================================================
//                              派生与验证
// ============================================================================

// NodeIDFromPublicKey 从公钥派生 NodeID
//
// 派生算法：SHA256(公钥原始字节)，外部表示为 Base58。
func NodeIDFromPublicKey(pub ed25519.PublicKey) types.NodeID {
	return types.NodeID(sha256.Sum256(pub))
}

// Verify 验证身份证明
//
// 检查两点：
//  1. 公钥派生出的 NodeID 与声称的身份一致（身份不可伪造）；
//  2. 签名对给定数据有效。
//
// 任何一点不满足都返回 ErrAuthFailure。
func Verify(id types.NodeID, pub ed25519.PublicKey, data, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: invalid public key size %d", types.ErrAuthFailure, len(pub))
	}
	derived := NodeIDFromPublicKey(pub)
	if !derived.Equal(id) {
		return fmt.Errorf("%w: node ID mismatch: expected %s, derived %s",
			types.ErrAuthFailure, id.ShortString(), derived.ShortString())
	}
	if !ed25519.Verify(pub, data, sig) {
		return fmt.Errorf("%w: bad signature", types.ErrAuthFailure)
	}
	return nil
}
