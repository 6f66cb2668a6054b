package interfaces

import (
	"crypto/ed25519"

	"github.com/dep2p/go-p2shell/pkg/types"
)

// Identity 本地节点身份
//
// 进程启动时初始化一次，之后只读。签名操作一律通过 Sign 完成；
// 私钥仅经由 PrivateKey 提供给安全通道生成绑定身份的 TLS 证书。
type Identity interface {
	// ID 返回公钥派生的节点标识
	ID() types.NodeID

	// PublicKey 返回 Ed25519 公钥
	PublicKey() ed25519.PublicKey

	// Sign 用身份私钥签名数据
	Sign(data []byte) ([]byte, error)

	// PrivateKey 返回 Ed25519 私钥
	//
	// 仅供安全通道生成绑定身份的 TLS 证书使用，其他组件一律通过
	// Sign 进行签名操作。
	PrivateKey() ed25519.PrivateKey
}
