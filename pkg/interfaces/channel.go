package interfaces

import (
	"context"
	"io"

	"github.com/dep2p/go-p2shell/pkg/types"
)

// SecureChannel 已建立的安全传输通道
//
// 双向认证、全程加密，提供至少一条有序可靠的主逻辑流
// （Read/Write 即主流）。通道出错或被替换后即失效，不得复用。
//
// 活性：通道自带保活探测，静默失联达到阈值时关闭 Done 通道，
// 由持有者（监督器）决定重连策略；通道自身从不重试。
type SecureChannel interface {
	// 主逻辑流：有序、可靠
	io.ReadWriteCloser

	// RemotePeer 返回已认证的对端身份
	RemotePeer() types.NodeID

	// Kind 返回建立该通道的候选地址类型（诊断用）
	Kind() types.AddrKind

	// OpenStream 打开一条新的独立逻辑流
	//
	// 中继路径的通道不支持多路复用，返回 ErrNoMultiplex。
	OpenStream(ctx context.Context) (io.ReadWriteCloser, error)

	// Done 通道失效时关闭（对端静默失联、传输层错误或主动关闭）
	Done() <-chan struct{}

	// Err 返回通道失效的原因；通道仍然存活时返回 nil
	Err() error
}
