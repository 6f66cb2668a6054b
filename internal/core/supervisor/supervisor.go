// Package supervisor 实现连接监督器
//
// 监督器驱动单个对端连接的状态机：
//
//	Idle → Resolving → Negotiating → Connected → Reconnecting → Connected | Failed
//
// Connected 是唯一可读写的状态。通道丢失时进入 Reconnecting，会话
// 状态（缓冲、序号）原样保留，按指数退避重试直到重连成功或重试
// 预算耗尽；耗尽后进入终态 Failed，诊断错误链保留每次尝试的原因。
//
// 连接存续期间持续订阅对端地址更新（对端移动时无需等到通道丢失
// 才发现新地址）。
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/dep2p/go-p2shell/internal/core/metrics"
	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/lib/log"
	"github.com/dep2p/go-p2shell/pkg/types"
)

var logger = log.Logger("core/supervisor")

// ============================================================================
//                              依赖接口
// ============================================================================

// Resolver 监督器消费的解析能力
type Resolver interface {
	Resolve(ctx context.Context, id types.NodeID, timeout time.Duration) (types.ResolutionResult, error)
	Subscribe(ctx context.Context, id types.NodeID) (<-chan types.ResolutionResult, error)
}

// Negotiator 监督器消费的协商能力
type Negotiator interface {
	Negotiate(ctx context.Context, peer types.NodeID, result types.ResolutionResult) (interfaces.SecureChannel, error)
}

// Session 监督器驱动的会话引擎
type Session interface {
	Attach(ctx context.Context, ch interfaces.SecureChannel) error
	Lost() <-chan error
	Done() <-chan struct{}
	Stats() types.SessionStats
	Fail(err error)
	Close() error
}

// ============================================================================
//                              配置
// ============================================================================

// Config 监督器配置
type Config struct {
	// RetryBudget 单次断连的最大重试次数
	RetryBudget int

	// InitialBackoff 首次重试前的退避
	InitialBackoff time.Duration

	// MaxBackoff 退避上限
	MaxBackoff time.Duration

	// BackoffMultiplier 退避倍率
	BackoffMultiplier float64

	// Jitter 退避抖动比例（0~1）
	Jitter float64

	// ResolveTimeout 每次重新解析的超时
	ResolveTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		RetryBudget:       5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.25,
		ResolveTimeout:    30 * time.Second,
	}
}

// Validate 验证并修正配置
func (c *Config) Validate() {
	if c.RetryBudget <= 0 {
		c.RetryBudget = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2.0
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0.25
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 30 * time.Second
	}
}

// ============================================================================
//                              Supervisor
// ============================================================================

// Supervisor 单个对端连接的监督器
type Supervisor struct {
	config     Config
	peer       types.NodeID
	session    Session
	resolver   Resolver
	negotiator Negotiator
	clk        clock.Clock
	metrics    *metrics.Metrics
	bo         backoff

	mu      sync.Mutex
	state   types.SessionState
	failure error
	cancel  context.CancelFunc

	// 指标辅助状态：当前通道类型与上次采样的重传计数
	lastKind    types.AddrKind
	haveKind    bool
	retransBase uint64

	events chan types.SessionState
	done   chan struct{}
}

// New 创建监督器
func New(peer types.NodeID, sess Session, res Resolver, neg Negotiator, config Config, clk clock.Clock, m *metrics.Metrics) *Supervisor {
	config.Validate()
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Supervisor{
		config:     config,
		peer:       peer,
		session:    sess,
		resolver:   res,
		negotiator: neg,
		clk:        clk,
		metrics:    m,
		bo: backoff{
			initial:    config.InitialBackoff,
			max:        config.MaxBackoff,
			multiplier: config.BackoffMultiplier,
			jitter:     config.Jitter,
		},
		state:  types.StateIdle,
		events: make(chan types.SessionState, 16),
		done:   make(chan struct{}),
	}
}

// State 返回当前状态
func (s *Supervisor) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events 返回状态变化通知通道（缓冲满时丢弃最旧通知）
func (s *Supervisor) Events() <-chan types.SessionState {
	return s.events
}

// Err 返回终态错误；非 Failed 状态时为 nil
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Done 监督结束（Closed 或 Failed）时关闭
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Start 建立首个连接并启动监督循环
//
// 首次建立失败直接返回错误，状态回到 Idle，调用方可重新 Start。
func (s *Supervisor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		cancel()
		return types.ErrSessionClosed
	}
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		cancel()
		s.setState(types.StateIdle)
		return err
	}

	go s.run(runCtx)
	return nil
}

// Close 主动关闭：取消任何进行中的重连并结束会话
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.setState(types.StateClosed)
	return s.session.Close()
}

// ============================================================================
//                              状态机
// ============================================================================

// connect 执行一轮 解析 → 协商 → 挂接
func (s *Supervisor) connect(ctx context.Context) error {
	s.setState(types.StateResolving)
	result, err := s.resolver.Resolve(ctx, s.peer, s.config.ResolveTimeout)
	if err != nil {
		return err
	}

	s.setState(types.StateNegotiating)
	ch, err := s.negotiator.Negotiate(ctx, s.peer, result)
	if err != nil {
		s.metrics.ObserveNegotiationFailure()
		return err
	}
	s.metrics.ObserveNegotiation(ch.Kind(), true)

	if err := s.session.Attach(ctx, ch); err != nil {
		return fmt.Errorf("attach channel: %w", err)
	}
	s.noteAttached(ch)
	s.setState(types.StateConnected)
	return nil
}

// run 监督循环：持续订阅地址更新，驱动断连重连
//
// 订阅本身会把每次更新吸收进解析器缓存，重连时的重新解析因此
// 总能拿到对端最新公告的地址。
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	updates, err := s.resolver.Subscribe(ctx, s.peer)
	if err != nil {
		// 订阅失败不致命：重连时退回一次性解析
		logger.Warn("地址订阅失败", "peer", s.peer.ShortString(), "err", err)
		updates = nil
	}

	for {
		select {
		case <-ctx.Done():
			s.noteDetached()
			return

		case <-s.session.Done():
			// 会话自行结束（对端关闭或本地 Close）
			s.noteDetached()
			s.mu.Lock()
			terminal := s.state.Terminal()
			s.mu.Unlock()
			if !terminal {
				s.setState(types.StateClosed)
			}
			return

		case _, ok := <-updates:
			if !ok {
				updates = nil
			}

		case cause := <-s.session.Lost():
			logger.Info("通道丢失，开始重连",
				"peer", s.peer.ShortString(), "cause", cause)
			s.noteDetached()
			s.setState(types.StateReconnecting)
			if err := s.reconnect(ctx, cause); err != nil {
				if ctx.Err() != nil {
					// 主动关闭打断了重连，不算失败
					return
				}
				s.fail(err)
				return
			}
			s.setState(types.StateConnected)
			s.metrics.Reconnections.Inc()
		}
	}
}

// reconnect 按退避策略重连，直到成功或预算耗尽
//
// 每次尝试都重新取未过期的解析结果（期间对端可能已经移动）。
func (s *Supervisor) reconnect(ctx context.Context, cause error) error {
	attempts := []error{cause}

	for attempt := 0; attempt < s.config.RetryBudget; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clk.After(s.bo.delay(attempt)):
		}

		err := s.connectOnce(ctx)
		if err == nil {
			logger.Info("重连成功",
				"peer", s.peer.ShortString(), "attempt", attempt+1)
			return nil
		}
		attempts = append(attempts, fmt.Errorf("attempt %d: %w", attempt+1, err))
		logger.Debug("重连尝试失败",
			"peer", s.peer.ShortString(), "attempt", attempt+1, "err", err)
	}

	return fmt.Errorf("%w after %d attempts: %v",
		types.ErrRetryBudgetExceeded, s.config.RetryBudget, multierr.Combine(attempts...))
}

// connectOnce 一次重连尝试（不改变可见状态，保持 Reconnecting）
func (s *Supervisor) connectOnce(ctx context.Context) error {
	result, err := s.resolver.Resolve(ctx, s.peer, s.config.ResolveTimeout)
	if err != nil {
		return err
	}
	ch, err := s.negotiator.Negotiate(ctx, s.peer, result)
	if err != nil {
		s.metrics.ObserveNegotiationFailure()
		return err
	}
	s.metrics.ObserveNegotiation(ch.Kind(), true)
	if err := s.session.Attach(ctx, ch); err != nil {
		return fmt.Errorf("attach channel: %w", err)
	}
	s.noteAttached(ch)
	return nil
}

// noteAttached 采样一次挂接后的会话指标
func (s *Supervisor) noteAttached(ch interfaces.SecureChannel) {
	st := s.session.Stats()

	s.mu.Lock()
	s.lastKind = ch.Kind()
	s.haveKind = true
	delta := st.BytesRetransmitted - s.retransBase
	s.retransBase = st.BytesRetransmitted
	s.mu.Unlock()

	s.metrics.ChannelsByKind.WithLabelValues(ch.Kind().String()).Inc()
	if delta > 0 {
		s.metrics.RetransmittedBytes.Add(float64(delta))
	}
	s.metrics.BacklogBytes.Set(float64(st.BytesSent - st.BytesAcked))
}

// noteDetached 当前通道失效或会话结束时更新指标
func (s *Supervisor) noteDetached() {
	st := s.session.Stats()

	s.mu.Lock()
	have := s.haveKind
	kind := s.lastKind
	s.haveKind = false
	delta := st.BytesRetransmitted - s.retransBase
	s.retransBase = st.BytesRetransmitted
	s.mu.Unlock()

	if have {
		s.metrics.ChannelsByKind.WithLabelValues(kind.String()).Dec()
	}
	if delta > 0 {
		s.metrics.RetransmittedBytes.Add(float64(delta))
	}
	s.metrics.BacklogBytes.Set(float64(st.BytesSent - st.BytesAcked))
}

// fail 进入终态 Failed
//
// 已处于终态（如用户先一步 Close）时不再覆盖。
func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.failure = err
	s.mu.Unlock()
	s.session.Fail(err)
	s.setState(types.StateFailed)
	logger.Error("连接进入终态失败", "peer", s.peer.ShortString(), "err", err)
}

// setState 切换状态并通知订阅者
func (s *Supervisor) setState(next types.SessionState) {
	s.mu.Lock()
	if s.state == next || (s.state.Terminal() && !next.Terminal()) {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	for {
		select {
		case s.events <- next:
			return
		default:
			select {
			case <-s.events:
			default:
			}
		}
	}
}
