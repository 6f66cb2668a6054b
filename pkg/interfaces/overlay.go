package interfaces

import (
	"context"
	"net"

	"github.com/dep2p/go-p2shell/pkg/types"
)

// Overlay 覆盖网络能力（消费的外部接口）
//
// 核心不关心覆盖网络如何维护路由（DHT、gossip 等），只消费三种能力：
// 地址解析、字节中继、打洞信令。所有方法的重试策略由实现自行决定，
// 核心按原样对待。
type Overlay interface {
	// Resolve 持续解析节点地址
	//
	// 返回的通道先给出当前已知的解析快照，之后在对端地址变化时
	// 持续给出增量更新（节点移动性）。通道在 ctx 取消后关闭；
	// 若实现确定节点不存在，可直接关闭通道。
	Resolve(ctx context.Context, id types.NodeID) (<-chan types.ResolutionResult, error)

	// Relay 建立经第三方中继到目标节点的字节流
	//
	// 返回的连接只负责转发密文，端到端加密由调用方完成。
	Relay(ctx context.Context, id types.NodeID) (net.Conn, error)

	// RelayInbound 返回入站中继连接的通道（被动方使用）
	//
	// 通道在 ctx 取消后关闭。
	RelayInbound(ctx context.Context) (<-chan net.Conn, error)

	// Signal 向目标节点发送一条打洞协调消息并等待应答
	Signal(ctx context.Context, id types.NodeID, payload []byte) ([]byte, error)

	// HandleSignal 注册打洞协调消息的处理函数（被动方使用）
	HandleSignal(fn func(from types.NodeID, payload []byte) ([]byte, error))
}
