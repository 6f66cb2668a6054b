package types

import "fmt"

// ============================================================================
//                              会话状态
// ============================================================================

// SessionState 连接监督器的状态机状态
type SessionState int

const (
	// StateIdle 初始状态，尚未发起连接
	StateIdle SessionState = iota

	// StateResolving 正在解析对端地址
	StateResolving

	// StateNegotiating 正在竞速协商传输通道
	StateNegotiating

	// StateConnected 通道就绪，会话流可读写
	StateConnected

	// StateReconnecting 通道丢失，正在按退避策略重连（会话状态保留）
	StateReconnecting

	// StateFailed 终态：重试预算耗尽或不可恢复错误
	StateFailed

	// StateClosed 终态：调用方主动关闭
	StateClosed
)

// String 返回状态的字符串表示
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal 判断状态是否为终态
func (s SessionState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// ============================================================================
//                              会话统计
// ============================================================================

// SessionStats 会话连续性引擎的统计快照
type SessionStats struct {
	// BytesSent 已发送的应用字节总数（不含重传）
	BytesSent uint64

	// BytesAcked 已被对端确认的字节数
	BytesAcked uint64

	// BytesReceived 已按序交付给调用方的字节数
	BytesReceived uint64

	// BytesRetransmitted 重连后重传的字节数
	BytesRetransmitted uint64

	// Reattaches 通道重挂接次数
	Reattaches int
}
