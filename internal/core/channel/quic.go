// Package channel 实现安全传输通道
//
// 两条建立路径，产物都是 interfaces.SecureChannel：
//   - QUIC：直连与打洞路径。共享同一个 UDP socket 监听和拨号——
//     打洞要求拨号使用与监听相同的本地端口，否则 NAT 会分配新的
//     外部映射。身份由绑定 Ed25519 身份密钥的自签名 TLS 证书承载。
//   - Noise：中继路径。在 Overlay 提供的中继字节流上跑 Noise XX
//     握手实现端到端加密，中继节点看不到明文。
//
// 通道自带保活与失联检测（Done/Err），但从不重试；重连策略属于
// 监督器。
package channel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	tec "github.com/jbenet/go-temp-err-catcher"
	"github.com/quic-go/quic-go"

	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/lib/log"
	"github.com/dep2p/go-p2shell/pkg/types"
)

var logger = log.Logger("core/channel")

// ErrTransportClosed 传输已关闭
var ErrTransportClosed = errors.New("transport closed")

// ============================================================================
//                              配置
// ============================================================================

// Config 通道配置
type Config struct {
	// KeepAlivePeriod 保活探测间隔
	KeepAlivePeriod time.Duration

	// MaxIdleTimeout 静默失联判定阈值
	//
	// 最坏检测延迟约为 KeepAlivePeriod + MaxIdleTimeout。
	MaxIdleTimeout time.Duration

	// HandshakeTimeout 通道建立（含主流打开）的超时
	HandshakeTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		KeepAlivePeriod:  3 * time.Second,
		MaxIdleTimeout:   6 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Validate 验证并修正配置
func (c *Config) Validate() {
	if c.KeepAlivePeriod <= 0 {
		c.KeepAlivePeriod = 3 * time.Second
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = 6 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// ============================================================================
//                              QUIC 传输
// ============================================================================

// Transport QUIC 通道传输
//
// 监听与拨号共享同一个 quic.Transport（即同一个 UDP socket），
// 打洞探测报文也从这个 socket 发出。
type Transport struct {
	mu sync.Mutex

	identity  interfaces.Identity
	config    Config
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config

	udpConn *net.UDPConn
	tr      *quic.Transport
	closed  bool
}

// NewTransport 创建 QUIC 通道传输
func NewTransport(ident interfaces.Identity, config Config) (*Transport, error) {
	config.Validate()

	serverTLS, clientTLS, err := newTLSPair(ident)
	if err != nil {
		return nil, fmt.Errorf("build tls config: %w", err)
	}

	return &Transport{
		identity:  ident,
		config:    config,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quicConf: &quic.Config{
			MaxIdleTimeout:     config.MaxIdleTimeout,
			KeepAlivePeriod:    config.KeepAlivePeriod,
			MaxIncomingStreams: 64,
		},
	}, nil
}

// ensureSocket 惰性创建共享 UDP socket
//
// listen 为空时绑定随机端口（纯拨号方）。已持有锁时调用。
func (t *Transport) ensureSocket(listen string) error {
	if t.tr != nil {
		return nil
	}

	laddr := &net.UDPAddr{}
	if listen != "" {
		addr, err := net.ResolveUDPAddr("udp", listen)
		if err != nil {
			return fmt.Errorf("resolve listen addr: %w", err)
		}
		laddr = addr
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	t.udpConn = conn
	t.tr = &quic.Transport{Conn: conn}
	return nil
}

// LocalAddr 返回共享 socket 的本地地址；socket 尚未创建时为 nil
func (t *Transport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.udpConn == nil {
		return nil
	}
	return t.udpConn.LocalAddr()
}

// Dial 向候选地址拨号并完成身份验证
//
// expected 非空时校验对端证书派生的 NodeID，不匹配立即判定
// ErrAuthFailure（不可恢复，不重试该候选）。kind 记录该通道的
// 建立路径（直连或打洞），仅作诊断。
func (t *Transport) Dial(ctx context.Context, addr string, expected types.NodeID, kind types.AddrKind) (interfaces.SecureChannel, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if err := t.ensureSocket(""); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	tr := t.tr
	t.mu.Unlock()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.HandshakeTimeout)
	defer cancel()

	conn, err := tr.Dial(ctx, udpAddr, t.clientTLS, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	remote, err := extractNodeID(conn.ConnectionState().TLS)
	if err != nil {
		_ = conn.CloseWithError(0, "identity verification failed")
		return nil, err
	}
	if !expected.IsEmpty() && !remote.Equal(expected) {
		_ = conn.CloseWithError(0, "peer identity mismatch")
		return nil, fmt.Errorf("%w: expected %s, got %s",
			types.ErrAuthFailure, expected.ShortString(), remote.ShortString())
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open primary stream: %w", err)
	}

	logger.Debug("QUIC 通道已建立",
		"remote", remote.ShortString(), "addr", addr, "kind", kind.String())
	return newQUICChannel(conn, stream, remote, kind), nil
}

// Listen 在给定地址上监听入站通道
func (t *Transport) Listen(addr string) (*Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	if err := t.ensureSocket(addr); err != nil {
		return nil, err
	}

	ln, err := t.tr.Listen(t.serverTLS, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}

	l := &Listener{
		ln:       ln,
		config:   t.config,
		incoming: make(chan interfaces.SecureChannel, 16),
		closed:   make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// WriteTo 在共享 socket 上发送非 QUIC 报文（打洞探测用）
func (t *Transport) WriteTo(b []byte, addr net.Addr) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrTransportClosed
	}
	if err := t.ensureSocket(""); err != nil {
		t.mu.Unlock()
		return 0, err
	}
	tr := t.tr
	t.mu.Unlock()
	return tr.WriteTo(b, addr)
}

// ReadNonQUICPacket 读取共享 socket 上的非 QUIC 报文
//
// 打洞探测与 STUN 应答都经此读取，与 QUIC 流量互不干扰。
func (t *Transport) ReadNonQUICPacket(ctx context.Context, b []byte) (int, net.Addr, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, nil, ErrTransportClosed
	}
	if err := t.ensureSocket(""); err != nil {
		t.mu.Unlock()
		return 0, nil, err
	}
	tr := t.tr
	t.mu.Unlock()
	return tr.ReadNonQUICPacket(ctx, b)
}

// Close 关闭传输与共享 socket
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.tr != nil {
		_ = t.tr.Close()
	}
	if t.udpConn != nil {
		return t.udpConn.Close()
	}
	return nil
}

// ============================================================================
//                              监听器
// ============================================================================

// Listener 入站通道监听器
type Listener struct {
	ln     *quic.Listener
	config Config

	incoming chan interfaces.SecureChannel
	closed   chan struct{}
	once     sync.Once
}

// Accept 等待下一个完成身份验证的入站通道
func (l *Listener) Accept(ctx context.Context) (interfaces.SecureChannel, error) {
	select {
	case ch, ok := <-l.incoming:
		if !ok {
			return nil, ErrTransportClosed
		}
		return ch, nil
	case <-l.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr 返回监听地址
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close 关闭监听器
func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return l.ln.Close()
}

// acceptLoop 接收入站连接，逐个完成主流接收后投递
func (l *Listener) acceptLoop() {
	catcher := tec.TempErrCatcher{}
	for {
		conn, err := l.ln.Accept(context.Background())
		if err != nil {
			if catcher.IsTemporary(err) {
				continue
			}
			return
		}
		go l.handleConn(conn)
	}
}

// handleConn 等待发起方打开主逻辑流并投递通道
func (l *Listener) handleConn(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), l.config.HandshakeTimeout)
	defer cancel()

	remote, err := extractNodeID(conn.ConnectionState().TLS)
	if err != nil {
		logger.Debug("入站连接身份验证失败", "err", err)
		_ = conn.CloseWithError(0, "identity verification failed")
		return
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		logger.Debug("等待主流超时", "remote", remote.ShortString(), "err", err)
		_ = conn.CloseWithError(0, "no primary stream")
		return
	}

	ch := newQUICChannel(conn, stream, remote, types.KindDirect)
	select {
	case l.incoming <- ch:
	case <-l.closed:
		_ = ch.Close()
	}
}

// ============================================================================
//                              QUIC 通道
// ============================================================================

// quicChannel 基于 QUIC 连接主流的安全通道
type quicChannel struct {
	conn   quic.Connection
	stream quic.Stream
	remote types.NodeID
	kind   types.AddrKind
}

var _ interfaces.SecureChannel = (*quicChannel)(nil)

func newQUICChannel(conn quic.Connection, stream quic.Stream, remote types.NodeID, kind types.AddrKind) *quicChannel {
	return &quicChannel{conn: conn, stream: stream, remote: remote, kind: kind}
}

func (c *quicChannel) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicChannel) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicChannel) Close() error {
	return c.conn.CloseWithError(0, "channel closed")
}

func (c *quicChannel) RemotePeer() types.NodeID { return c.remote }
func (c *quicChannel) Kind() types.AddrKind     { return c.kind }

// OpenStream 打开一条新的独立逻辑流
func (c *quicChannel) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return stream, nil
}

// Done 连接关闭（含保活超时）时关闭
func (c *quicChannel) Done() <-chan struct{} {
	return c.conn.Context().Done()
}

// Err 返回连接失效原因
func (c *quicChannel) Err() error {
	select {
	case <-c.conn.Context().Done():
		if cause := context.Cause(c.conn.Context()); cause != nil && !errors.Is(cause, context.Canceled) {
			return fmt.Errorf("%w: %v", types.ErrChannelLost, cause)
		}
		return types.ErrChannelLost
	default:
		return nil
	}
}
