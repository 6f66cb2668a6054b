package p2shell

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-p2shell/internal/core/channel"
	"github.com/dep2p/go-p2shell/internal/core/holepunch"
	"github.com/dep2p/go-p2shell/internal/core/metrics"
	"github.com/dep2p/go-p2shell/internal/core/negotiator"
	"github.com/dep2p/go-p2shell/internal/core/resolver"
	"github.com/dep2p/go-p2shell/internal/core/session"
	"github.com/dep2p/go-p2shell/internal/core/supervisor"
	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/lib/log"
	"github.com/dep2p/go-p2shell/pkg/types"
)

var logger = log.Logger("p2shell")

// 组件装配的启动/停止时限
const (
	startTimeout = 15 * time.Second
	stopTimeout  = 10 * time.Second
)

// Handler 处理一个新建立的入站会话
//
// 每个新会话在独立的 goroutine 中调用一次；断连重挂接回到同一
// 会话，不会再次触发。
type Handler func(s *Session)

// announcer 覆盖网络的可选地址公告能力
type announcer interface {
	Announce(addrs ...types.CandidateAddress)
}

// ============================================================================
//                              Node
// ============================================================================

// Node P2Shell 节点
//
// 一个节点同时具备发起方（Connect）与服务方（Serve）两种角色；
// 两侧共享同一身份、同一 UDP socket 与同一覆盖网络。
type Node struct {
	opts *options
	app  *fx.App

	// 由 fx 装配注入
	identity   interfaces.Identity
	overlay    interfaces.Overlay
	transport  *channel.Transport
	puncher    *holepunch.Puncher
	resolver   *resolver.Resolver
	negotiator *negotiator.Negotiator
	metrics    *metrics.Metrics

	listener *channel.Listener
	cancel   context.CancelFunc

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	serving  bool
	closed   bool
}

// New 创建并启动节点
func New(opts ...Option) (*Node, error) {
	o := newOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	node := &Node{
		opts:     o,
		sessions: make(map[uuid.UUID]*Session),
	}

	app, err := buildFxApp(o, node)
	if err != nil {
		return nil, fmt.Errorf("assemble components: %w", err)
	}
	node.app = app

	startCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return nil, fmt.Errorf("start components: %w", err)
	}

	// 监听必须先于打洞分流循环：共享 socket 按监听地址绑定
	if o.listenAddr != "" {
		ln, err := node.transport.Listen(o.listenAddr)
		if err != nil {
			_ = app.Stop(context.Background())
			return nil, fmt.Errorf("listen %s: %w", o.listenAddr, err)
		}
		node.listener = ln
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	node.cancel = cancelRun
	go node.puncher.Start(runCtx)

	logger.Info("节点已启动",
		"id", node.ID().ShortString(), "listen", node.ListenAddr())
	return node, nil
}

// ID 返回节点标识
func (n *Node) ID() types.NodeID {
	return n.identity.ID()
}

// ListenAddr 返回实际绑定的监听地址；未监听时为空
func (n *Node) ListenAddr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Close 关闭节点：结束所有会话、停止监听并释放传输资源
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	sessions := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()

	n.cancel()

	var errs error
	for _, s := range sessions {
		errs = multierr.Append(errs, s.Close())
	}
	if n.listener != nil {
		errs = multierr.Append(errs, n.listener.Close())
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	errs = multierr.Append(errs, n.app.Stop(stopCtx))

	logger.Info("节点已关闭", "id", n.ID().ShortString())
	return errs
}

// ============================================================================
//                              发起方
// ============================================================================

// Connect 向目标节点建立会话
//
// 阻塞直到首个安全通道建立完成（解析 → 协商 → 挂接）。返回的
// 会话由监督器驱动：通道丢失后自动重连并重挂接，字节流对调用方
// 保持连续。首次建立失败直接返回错误，不占用重试预算。
func (n *Node) Connect(ctx context.Context, peer types.NodeID) (*Session, error) {
	if peer.IsEmpty() {
		return nil, errors.New("peer id is empty")
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrNodeClosed
	}
	eng := session.New(n.opts.sessionConfig, nil)
	sup := supervisor.New(peer, eng, n.resolver, n.negotiator, n.opts.supervisorConfig, nil, n.metrics)
	s := &Session{peer: peer, engine: eng, sup: sup}
	n.sessions[eng.SessionID()] = s
	n.metrics.ActiveSessions.Inc()
	n.mu.Unlock()
	go n.reapSession(eng.SessionID(), eng)

	if err := sup.Start(ctx); err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("connect %s: %w", peer.ShortString(), err)
	}
	return s, nil
}

// ============================================================================
//                              服务方
// ============================================================================

// Serve 接受入站会话，直到 ctx 取消或节点关闭
//
// 入站来源有两类：QUIC 监听器（直连与打洞路径）和覆盖网络的
// 中继入口（中继路径，入站连接先完成端到端 Noise 握手）。每个
// 新会话调用一次 handler；重挂接复用已有会话，不再触发。
func (n *Node) Serve(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler is nil")
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNodeClosed
	}
	if n.serving {
		n.mu.Unlock()
		return ErrAlreadyServing
	}
	n.serving = true
	n.mu.Unlock()

	// 反射地址观测（可选，失败不阻止服务）
	if n.opts.stunServer != "" {
		if _, err := n.puncher.ObserveReflexive(ctx, n.opts.stunServer); err != nil {
			logger.Warn("反射地址观测失败", "server", n.opts.stunServer, "err", err)
		}
	}
	n.announce()

	relayIn, err := n.overlay.RelayInbound(ctx)
	if err != nil {
		logger.Warn("中继入口不可用", "err", err)
		relayIn = nil
	}
	if n.listener == nil && relayIn == nil {
		return ErrNothingToServe
	}

	g, gctx := errgroup.WithContext(ctx)
	if n.listener != nil {
		g.Go(func() error { return n.acceptLoop(gctx, handler) })
	}
	if relayIn != nil {
		g.Go(func() error { return n.relayLoop(gctx, relayIn, handler) })
	}
	return g.Wait()
}

// announce 向覆盖网络公告自身可达地址（覆盖网络支持时）
func (n *Node) announce() {
	a, ok := n.overlay.(announcer)
	if !ok {
		return
	}
	now := time.Now()
	var cands []types.CandidateAddress
	if n.listener != nil {
		cands = append(cands, types.CandidateAddress{
			Addr: n.listener.Addr().String(), Kind: types.KindDirect,
			ObservedAt: now, Priority: 300,
		})
	}
	if obs := n.puncher.ObservedAddr(); obs != "" {
		cands = append(cands, types.CandidateAddress{
			Addr: obs, Kind: types.KindPunch,
			ObservedAt: now, Priority: 200,
		})
	}
	if len(cands) > 0 {
		a.Announce(cands...)
	}
}

// acceptLoop 接受 QUIC 入站通道
func (n *Node) acceptLoop(ctx context.Context, handler Handler) error {
	for {
		ch, err := n.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go n.handleInbound(ctx, ch, handler)
	}
}

// relayLoop 接受中继入站连接并完成端到端握手
func (n *Node) relayLoop(ctx context.Context, relayIn <-chan net.Conn, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case conn, ok := <-relayIn:
			if !ok {
				return nil
			}
			go func() {
				// 对端身份从握手中得出（入站无预期身份）
				ch, err := channel.SecureRelay(conn, n.identity, types.EmptyNodeID, false, n.opts.channelConfig)
				if err != nil {
					logger.Warn("中继入站握手失败", "err", err)
					_ = conn.Close()
					return
				}
				n.handleInbound(ctx, ch, handler)
			}()
		}
	}
}

// handleInbound 把入站通道挂接到对应会话（按会话标识找到或新建）
func (n *Node) handleInbound(ctx context.Context, ch interfaces.SecureChannel, handler Handler) {
	hctx, cancel := context.WithTimeout(ctx, n.opts.sessionConfig.HandshakeTimeout)
	defer cancel()

	r, br, err := session.ReadResume(hctx, ch)
	if err != nil {
		logger.Warn("入站通道握手失败", "remote", ch.RemotePeer().ShortString(), "err", err)
		_ = ch.Close()
		return
	}

	s, fresh, err := n.adoptSession(r.Session, ch.RemotePeer())
	if err != nil {
		logger.Warn("入站会话被拒绝",
			"session", r.Session, "remote", ch.RemotePeer().ShortString(), "err", err)
		_ = ch.Close()
		return
	}

	if err := s.engine.AttachResponder(hctx, ch, br, r); err != nil {
		logger.Warn("入站通道挂接失败", "session", r.Session, "err", err)
		_ = ch.Close()
		if fresh {
			_ = s.engine.Close()
		}
		return
	}

	if fresh {
		logger.Info("新入站会话",
			"session", r.Session, "remote", ch.RemotePeer().ShortString(), "kind", ch.Kind().String())
		go handler(s)
	}
}

// adoptSession 按会话标识查找或新建会话
//
// 已有会话只接受同一对端的重挂接：会话标识与身份的绑定在首次
// 挂接时建立，之后不可被其他身份接管。
func (n *Node) adoptSession(id uuid.UUID, peer types.NodeID) (*Session, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, false, ErrNodeClosed
	}

	if s, ok := n.sessions[id]; ok {
		if !s.peer.Equal(peer) {
			return nil, false, fmt.Errorf("%w: session bound to %s",
				types.ErrAuthFailure, s.peer.ShortString())
		}
		return s, false, nil
	}

	eng := session.NewWithID(id, n.opts.sessionConfig, nil)
	s := &Session{peer: peer, engine: eng}
	n.sessions[id] = s
	n.metrics.ActiveSessions.Inc()
	go n.reapSession(id, eng)
	return s, true, nil
}

// reapSession 会话结束后从注册表移除
func (n *Node) reapSession(id uuid.UUID, eng *session.Engine) {
	<-eng.Done()
	n.mu.Lock()
	if cur, ok := n.sessions[id]; ok && cur.engine == eng {
		delete(n.sessions, id)
		n.metrics.ActiveSessions.Dec()
	}
	n.mu.Unlock()
}

// ============================================================================
//                              Session
// ============================================================================

// Session 与单个对端的持续会话
//
// Read/Write 即暴露给 shell 协作方的稳定字节流：跨通道更替保持
// 连续、按序、不丢不重。Write 在积压达到上限时阻塞（背压）。
type Session struct {
	peer   types.NodeID
	engine *session.Engine

	// sup 仅发起方持有；服务方会话由对端的监督器驱动重连
	sup *supervisor.Supervisor
}

// Peer 返回对端身份
func (s *Session) Peer() types.NodeID {
	return s.peer
}

// ID 返回会话标识
func (s *Session) ID() uuid.UUID {
	return s.engine.SessionID()
}

// Read 从会话读取字节流
func (s *Session) Read(p []byte) (int, error) {
	return s.engine.Read(p)
}

// Write 向会话写入字节流
func (s *Session) Write(p []byte) (int, error) {
	return s.engine.Write(p)
}

// Close 关闭会话
func (s *Session) Close() error {
	if s.sup != nil {
		return s.sup.Close()
	}
	return s.engine.Close()
}

// State 返回当前连接状态
//
// 服务方会话没有本地状态机，按会话存活情况给出 Connected/Closed。
func (s *Session) State() types.SessionState {
	if s.sup != nil {
		return s.sup.State()
	}
	select {
	case <-s.engine.Done():
		return types.StateClosed
	default:
		return types.StateConnected
	}
}

// Events 返回状态变化通知通道；服务方会话为 nil
func (s *Session) Events() <-chan types.SessionState {
	if s.sup == nil {
		return nil
	}
	return s.sup.Events()
}

// Err 返回终态错误；会话仍然存活或正常关闭时为 nil
func (s *Session) Err() error {
	if s.sup == nil {
		return nil
	}
	return s.sup.Err()
}

// Done 会话结束时关闭
func (s *Session) Done() <-chan struct{} {
	return s.engine.Done()
}

// Stats 返回会话统计
func (s *Session) Stats() types.SessionStats {
	return s.engine.Stats()
}
