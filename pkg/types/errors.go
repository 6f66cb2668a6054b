package types

import "errors"

// 错误分类
//
// 可恢复错误由监督器在重试预算内自动处理；认证类错误为致命错误，
// 绝不静默重试，立即向调用方传播。
var (
	// ────────────────────────────────────────────────────────────────────────
	// 解析错误（可恢复：重试）
	// ────────────────────────────────────────────────────────────────────────

	// ErrResolutionTimeout 在限定时间内未能解析出任何地址
	ErrResolutionTimeout = errors.New("resolution timeout")

	// ErrResolutionNotFound 覆盖网络中找不到目标节点
	ErrResolutionNotFound = errors.New("peer not found in overlay")

	// ErrStaleCandidate 候选地址超过新鲜度阈值，需重新解析
	ErrStaleCandidate = errors.New("candidate address is stale")

	// ────────────────────────────────────────────────────────────────────────
	// 认证错误（致命：绝不静默重试）
	// ────────────────────────────────────────────────────────────────────────

	// ErrAuthFailure 身份/凭证不匹配
	ErrAuthFailure = errors.New("authentication failure")

	// ────────────────────────────────────────────────────────────────────────
	// 协商与通道错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNegotiationFailed 截止时间内没有任何候选地址协商成功（可恢复）
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrNoCandidates 解析结果中没有可用（未过期）的候选地址
	ErrNoCandidates = errors.New("no usable candidate addresses")

	// ErrChannelLost 传输通道在会话中途失效（可恢复：重连，会话状态保留）
	ErrChannelLost = errors.New("channel lost")

	// ErrNoMultiplex 通道不支持打开额外的逻辑流
	ErrNoMultiplex = errors.New("channel does not support multiplexing")

	// ────────────────────────────────────────────────────────────────────────
	// 会话错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrBackpressureTimeout 写入方被背压阻塞超过限定时间（非致命）
	ErrBackpressureTimeout = errors.New("backpressure timeout")

	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionMismatch 重挂接握手中的会话标识不匹配
	ErrSessionMismatch = errors.New("session id mismatch on reattach")

	// ErrRetryBudgetExceeded 重连重试预算耗尽（终态 Failed）
	ErrRetryBudgetExceeded = errors.New("reconnect retry budget exceeded")
)
