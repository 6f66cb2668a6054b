package p2shell

import "github.com/dep2p/go-p2shell/pkg/types"

// 核心类型的别名，调用方无需引用 pkg/types
type (
	// NodeID 节点标识
	NodeID = types.NodeID

	// CandidateAddress 候选传输地址
	CandidateAddress = types.CandidateAddress

	// AddrKind 候选地址类型
	AddrKind = types.AddrKind

	// SessionState 会话连接状态
	SessionState = types.SessionState

	// SessionStats 会话统计
	SessionStats = types.SessionStats
)

// 地址类型常量
const (
	KindDirect = types.KindDirect
	KindRelay  = types.KindRelay
	KindPunch  = types.KindPunch
)

// 会话状态常量
const (
	StateIdle         = types.StateIdle
	StateResolving    = types.StateResolving
	StateNegotiating  = types.StateNegotiating
	StateConnected    = types.StateConnected
	StateReconnecting = types.StateReconnecting
	StateFailed       = types.StateFailed
	StateClosed       = types.StateClosed
)

// ParseNodeID 从 Base58 字符串解析节点标识
func ParseNodeID(s string) (NodeID, error) {
	return types.ParseNodeID(s)
}
