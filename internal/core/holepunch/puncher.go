// Package holepunch 实现 NAT 打洞协调
//
// 两侧通过 Overlay 信令交换 {反射地址, nonce, 同步时刻}，然后在
// 同步时刻从各自共享的 QUIC socket 端口互发探测包，打开 NAT 映射。
// 任一侧收到带正确 nonce 的探测或应答即告穿透成功，发起方随即在
// 同一 socket 上对穿透出的地址做 QUIC 拨号。
//
// STUN 反射地址观测也经由同一 socket（见 ObserveReflexive），端口
// 一致性是打洞成功率的前提。
package holepunch

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/stun"

	"github.com/dep2p/go-p2shell/internal/core/channel"
	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/lib/log"
	"github.com/dep2p/go-p2shell/pkg/types"
)

var logger = log.Logger("core/holepunch")

// 打洞错误
var (
	ErrPunchFailed    = errors.New("hole punch failed")
	ErrNoAddresses    = errors.New("no address to punch")
	ErrNoPeerResponse = errors.New("no response from peer")
)

// 探测包格式：[4B magic][16B nonce][填充]
//
// 首字节不设 QUIC fixed bit（0x40），共享 socket 才会把探测包
// 按非 QUIC 报文分流到 ReadNonQUICPacket。
var (
	probeMagic = [4]byte{0x00, 'p', 's', 'h'}
	replyMagic = [4]byte{0x00, 'p', 's', 'r'}
)

const (
	nonceSize     = 16
	minPacketSize = 4 + nonceSize
)

// ============================================================================
//                              配置
// ============================================================================

// Config 打洞器配置
type Config struct {
	// MaxAttempts 探测包最大发送轮数
	MaxAttempts int

	// AttemptInterval 探测轮间隔
	AttemptInterval time.Duration

	// StartDelay 信令完成到同步探测时刻的间隔
	//
	// 给双方留出准备时间，保证探测包大致同时出发。
	StartDelay time.Duration

	// PacketSize 探测包大小
	PacketSize int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		AttemptInterval: 200 * time.Millisecond,
		StartDelay:      300 * time.Millisecond,
		PacketSize:      64,
	}
}

// Validate 验证并修正配置
func (c *Config) Validate() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.AttemptInterval <= 0 {
		c.AttemptInterval = 200 * time.Millisecond
	}
	if c.StartDelay <= 0 {
		c.StartDelay = 300 * time.Millisecond
	}
	if c.PacketSize < minPacketSize {
		c.PacketSize = 64
	}
}

// ============================================================================
//                              信令
// ============================================================================

// punchSignal 打洞协调消息（请求与应答同构）
type punchSignal struct {
	// Nonce 本次打洞的会话随机数，双方探测包共用
	Nonce []byte `json:"nonce"`

	// Addr 发送方观测到的自身反射地址
	Addr string `json:"addr"`

	// StartAt 同步探测时刻（仅请求方填写）
	StartAt time.Time `json:"start_at,omitempty"`
}

// ============================================================================
//                              Puncher
// ============================================================================

// Puncher 打洞器
//
// 同时承担共享 socket 上非 QUIC 报文的分流：打洞探测按 nonce 分发
// 给活跃会话，STUN 应答按事务号分发给等待者。
type Puncher struct {
	config    Config
	transport *channel.Transport
	overlay   interfaces.Overlay
	clk       clock.Clock

	// observed 最近一次观测到的自身反射地址
	observed atomic.Value

	mu       sync.Mutex
	sessions map[string]*punchSession
	stunWait map[[stun.TransactionIDSize]byte]chan *stun.Message
}

// punchSession 活跃的打洞会话
type punchSession struct {
	nonce []byte
	// hit 首个验证通过的对端来源地址
	hit chan net.Addr
}

// NewPuncher 创建打洞器
func NewPuncher(transport *channel.Transport, overlay interfaces.Overlay, config Config, clk clock.Clock) *Puncher {
	config.Validate()
	if clk == nil {
		clk = clock.New()
	}
	p := &Puncher{
		config:    config,
		transport: transport,
		overlay:   overlay,
		clk:       clk,
		sessions:  make(map[string]*punchSession),
		stunWait:  make(map[[stun.TransactionIDSize]byte]chan *stun.Message),
	}
	overlay.HandleSignal(p.handleSignal)
	return p
}

// Start 运行非 QUIC 报文分流循环，直到 ctx 取消或传输关闭
func (p *Puncher) Start(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := p.transport.ReadNonQUICPacket(ctx, buf)
		if err != nil {
			return
		}
		pkt := buf[:n]
		if stun.IsMessage(pkt) {
			p.dispatchSTUN(pkt)
			continue
		}
		p.dispatchProbe(pkt, addr)
	}
}

// ObservedAddr 返回最近观测到的自身反射地址；尚未观测时为空
func (p *Puncher) ObservedAddr() string {
	if v := p.observed.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// ============================================================================
//                              发起方
// ============================================================================

// Punch 发起一次打洞并在成功后完成 QUIC 拨号
//
// hint 为解析器给出的对端反射地址候选；对端在信令应答中报告的
// 地址（更新鲜）优先。
func (p *Puncher) Punch(ctx context.Context, peer types.NodeID, hint string) (interfaces.SecureChannel, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	startAt := p.clk.Now().Add(p.config.StartDelay)
	req, err := json.Marshal(punchSignal{
		Nonce:   nonce,
		Addr:    p.ObservedAddr(),
		StartAt: startAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal punch signal: %w", err)
	}

	respRaw, err := p.overlay.Signal(ctx, peer, req)
	if err != nil {
		return nil, fmt.Errorf("%w: signal: %v", ErrPunchFailed, err)
	}
	var resp punchSignal
	if err := json.Unmarshal(respRaw, &resp); err != nil {
		return nil, fmt.Errorf("%w: bad signal response: %v", ErrPunchFailed, err)
	}

	target := resp.Addr
	if target == "" {
		target = hint
	}
	if target == "" {
		return nil, ErrNoAddresses
	}
	targetAddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrPunchFailed, target, err)
	}

	sess := p.addSession(nonce)
	defer p.removeSession(nonce)

	hitAddr, err := p.burst(ctx, sess, targetAddr, startAt)
	if err != nil {
		return nil, err
	}

	logger.Debug("打洞穿透成功",
		"peer", peer.ShortString(), "addr", hitAddr.String())
	return p.transport.Dial(ctx, hitAddr.String(), peer, types.KindPunch)
}

// ============================================================================
//                              被动方
// ============================================================================

// handleSignal 处理入站打洞协调消息
//
// 应答自身反射地址，并在同步时刻向请求方的反射地址发探测包，
// 打开本侧 NAT 映射；实际连接由发起方入站拨号完成。
func (p *Puncher) handleSignal(from types.NodeID, payload []byte) ([]byte, error) {
	var req punchSignal
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("bad punch signal: %w", err)
	}
	if len(req.Nonce) != nonceSize {
		return nil, fmt.Errorf("bad punch nonce size %d", len(req.Nonce))
	}

	// 会话先注册：即使不知道请求方地址，也要能应答它的探测包
	var target *net.UDPAddr
	if req.Addr != "" {
		addr, err := net.ResolveUDPAddr("udp", req.Addr)
		if err != nil {
			return nil, fmt.Errorf("resolve requester addr %q: %w", req.Addr, err)
		}
		target = addr
	}
	sess := p.addSession(req.Nonce)
	go func() {
		defer p.removeSession(req.Nonce)
		lifetime := p.config.StartDelay +
			time.Duration(p.config.MaxAttempts+1)*p.config.AttemptInterval
		ctx, cancel := context.WithTimeout(context.Background(), lifetime)
		defer cancel()
		if target == nil {
			// 请求方地址未知：保持会话存活，被动应答探测
			<-ctx.Done()
			return
		}
		if _, err := p.burst(ctx, sess, target, req.StartAt); err != nil {
			logger.Debug("被动侧探测未命中",
				"from", from.ShortString(), "err", err)
		}
	}()

	resp, err := json.Marshal(punchSignal{Nonce: req.Nonce, Addr: p.ObservedAddr()})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ============================================================================
//                              探测
// ============================================================================

// burst 同步探测：等到 startAt 后按固定间隔发探测包，直到命中或轮数耗尽
func (p *Puncher) burst(ctx context.Context, sess *punchSession, target net.Addr, startAt time.Time) (net.Addr, error) {
	if wait := startAt.Sub(p.clk.Now()); wait > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.clk.After(wait):
		}
	}

	packet := p.buildPacket(probeMagic, sess.nonce)
	for attempt := 0; attempt < p.config.MaxAttempts; attempt++ {
		if _, err := p.transport.WriteTo(packet, target); err != nil {
			logger.Debug("发送探测包失败", "attempt", attempt+1, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case addr := <-sess.hit:
			return addr, nil
		case <-p.clk.After(p.config.AttemptInterval):
		}
	}
	return nil, fmt.Errorf("%w: %d attempts to %s", ErrNoPeerResponse, p.config.MaxAttempts, target)
}

// dispatchProbe 分发打洞探测/应答包
func (p *Puncher) dispatchProbe(pkt []byte, from net.Addr) {
	if len(pkt) < minPacketSize {
		return
	}
	var magic [4]byte
	copy(magic[:], pkt[:4])
	if magic != probeMagic && magic != replyMagic {
		return
	}
	nonce := pkt[4 : 4+nonceSize]

	p.mu.Lock()
	sess, ok := p.sessions[string(nonce)]
	p.mu.Unlock()
	if !ok {
		return
	}

	// 对探测包回发应答，让对方也尽快命中
	if magic == probeMagic {
		reply := p.buildPacket(replyMagic, nonce)
		_, _ = p.transport.WriteTo(reply, from)
	}

	select {
	case sess.hit <- from:
	default:
	}
}

func (p *Puncher) buildPacket(magic [4]byte, nonce []byte) []byte {
	pkt := make([]byte, p.config.PacketSize)
	copy(pkt[:4], magic[:])
	copy(pkt[4:], nonce)
	return pkt
}

func (p *Puncher) addSession(nonce []byte) *punchSession {
	sess := &punchSession{nonce: nonce, hit: make(chan net.Addr, 1)}
	p.mu.Lock()
	p.sessions[string(nonce)] = sess
	p.mu.Unlock()
	return sess
}

func (p *Puncher) removeSession(nonce []byte) {
	p.mu.Lock()
	delete(p.sessions, string(nonce))
	p.mu.Unlock()
}
