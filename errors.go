package p2shell

import (
	"errors"

	"github.com/dep2p/go-p2shell/pkg/types"
)

// 根包错误
var (
	// ErrNodeClosed 节点已关闭
	ErrNodeClosed = errors.New("node closed")

	// ErrAlreadyServing 节点已在服务中
	ErrAlreadyServing = errors.New("node already serving")

	// ErrNothingToServe 既无监听地址也无中继入口
	ErrNothingToServe = errors.New("no listen address and no relay inbound")
)

// 核心错误的再导出，调用方无需引用 pkg/types
var (
	// 解析错误（可恢复）
	ErrResolutionTimeout  = types.ErrResolutionTimeout
	ErrResolutionNotFound = types.ErrResolutionNotFound
	ErrStaleCandidate     = types.ErrStaleCandidate

	// 认证错误（致命，绝不静默重试）
	ErrAuthFailure = types.ErrAuthFailure

	// 协商与通道错误
	ErrNegotiationFailed = types.ErrNegotiationFailed
	ErrNoCandidates      = types.ErrNoCandidates
	ErrChannelLost       = types.ErrChannelLost
	ErrNoMultiplex       = types.ErrNoMultiplex

	// 会话错误
	ErrBackpressureTimeout = types.ErrBackpressureTimeout
	ErrSessionClosed       = types.ErrSessionClosed
	ErrSessionMismatch     = types.ErrSessionMismatch
	ErrRetryBudgetExceeded = types.ErrRetryBudgetExceeded
)
