// Package static 提供进程内与静态配置两种覆盖网络实现
//
// 核心只消费 Overlay 的三种能力（解析、中继、信令），本包给出
// 不依赖外部基础设施的实现：
//   - Network/Overlay：进程内织物。地址簿 + 管道中继 + 直呼信令，
//     测试与单进程拓扑用。
//   - Book：静态地址簿。对端地址来自配置文件，无中继与信令，
//     命令行工具在没有外部覆盖网络时用它。
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/types"
)

// 静态覆盖网络错误
var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrNoRelay     = errors.New("relay not supported by static overlay")
	ErrNoSignaling = errors.New("signaling not supported by static overlay")
)

// ============================================================================
//                              进程内织物
// ============================================================================

// Network 进程内覆盖网络织物
//
// 每个节点 Join 后获得自己的 Overlay 端点；解析、转发与信令都在
// 进程内直达。
type Network struct {
	mu    sync.Mutex
	nodes map[types.NodeID]*Overlay
}

// NewNetwork 创建织物
func NewNetwork() *Network {
	return &Network{nodes: make(map[types.NodeID]*Overlay)}
}

// Join 加入织物并公告初始地址
func (n *Network) Join(id types.NodeID, addrs ...types.CandidateAddress) *Overlay {
	o := &Overlay{
		network:  n,
		self:     id,
		addrs:    addrs,
		subs:     make(map[types.NodeID][]chan types.ResolutionResult),
		relayIn:  make(chan net.Conn, 4),
	}
	n.mu.Lock()
	n.nodes[id] = o
	n.mu.Unlock()
	return o
}

func (n *Network) lookup(id types.NodeID) (*Overlay, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	o, ok := n.nodes[id]
	return o, ok
}

// Overlay 织物上单个节点的端点
type Overlay struct {
	network *Network
	self    types.NodeID

	mu    sync.Mutex
	addrs []types.CandidateAddress
	// subs 按被观察节点索引的解析订阅
	subs    map[types.NodeID][]chan types.ResolutionResult
	handler func(from types.NodeID, payload []byte) ([]byte, error)

	relayIn chan net.Conn
}

var _ interfaces.Overlay = (*Overlay)(nil)

// Announce 更新自身地址并推送给所有订阅者
func (o *Overlay) Announce(addrs ...types.CandidateAddress) {
	o.mu.Lock()
	o.addrs = addrs
	o.mu.Unlock()

	result := o.snapshot()
	o.network.mu.Lock()
	peers := make([]*Overlay, 0, len(o.network.nodes))
	for _, peer := range o.network.nodes {
		peers = append(peers, peer)
	}
	o.network.mu.Unlock()

	for _, peer := range peers {
		peer.mu.Lock()
		for _, sub := range peer.subs[o.self] {
			select {
			case sub <- result:
			default:
			}
		}
		peer.mu.Unlock()
	}
}

// snapshot 当前地址的解析快照
func (o *Overlay) snapshot() types.ResolutionResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	cands := make([]types.CandidateAddress, len(o.addrs))
	copy(cands, o.addrs)
	for i := range cands {
		cands[i].ObservedAt = now
	}
	return types.ResolutionResult{Peer: o.self, Candidates: cands, ResolvedAt: now}
}

// Resolve 持续解析：先给当前快照，之后随 Announce 推送更新
func (o *Overlay) Resolve(ctx context.Context, id types.NodeID) (<-chan types.ResolutionResult, error) {
	target, ok := o.network.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id.ShortString())
	}

	updates := make(chan types.ResolutionResult, 4)
	updates <- target.snapshot()

	o.mu.Lock()
	o.subs[id] = append(o.subs[id], updates)
	o.mu.Unlock()

	out := make(chan types.ResolutionResult)
	go func() {
		defer close(out)
		defer o.unsubscribe(id, updates)
		for {
			select {
			case <-ctx.Done():
				return
			case r := <-updates:
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (o *Overlay) unsubscribe(id types.NodeID, ch chan types.ResolutionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	subs := o.subs[id]
	for i, sub := range subs {
		if sub == ch {
			o.subs[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Relay 经织物建立到目标节点的字节流（进程内管道）
func (o *Overlay) Relay(ctx context.Context, id types.NodeID) (net.Conn, error) {
	target, ok := o.network.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id.ShortString())
	}

	near, far := net.Pipe()
	select {
	case target.relayIn <- far:
		return near, nil
	case <-ctx.Done():
		_ = near.Close()
		_ = far.Close()
		return nil, ctx.Err()
	}
}

// RelayInbound 返回入站中继连接的通道
func (o *Overlay) RelayInbound(ctx context.Context) (<-chan net.Conn, error) {
	out := make(chan net.Conn)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case conn := <-o.relayIn:
				select {
				case out <- conn:
				case <-ctx.Done():
					_ = conn.Close()
					return
				}
			}
		}
	}()
	return out, nil
}

// Signal 直呼目标节点的信令处理函数
func (o *Overlay) Signal(_ context.Context, id types.NodeID, payload []byte) ([]byte, error) {
	target, ok := o.network.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id.ShortString())
	}
	target.mu.Lock()
	handler := target.handler
	target.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("peer %s has no signal handler", id.ShortString())
	}
	return handler(o.self, payload)
}

// HandleSignal 注册信令处理函数
func (o *Overlay) HandleSignal(fn func(from types.NodeID, payload []byte) ([]byte, error)) {
	o.mu.Lock()
	o.handler = fn
	o.mu.Unlock()
}

// ============================================================================
//                              静态地址簿
// ============================================================================

// Book 静态地址簿覆盖网络
//
// 地址来自配置，视为始终新鲜（快照生成时刻即观测时刻）。
// 不提供中继与信令，协商只能走直连候选。
type Book struct {
	mu      sync.Mutex
	entries map[types.NodeID][]types.CandidateAddress
}

var _ interfaces.Overlay = (*Book)(nil)

// NewBook 创建空地址簿
func NewBook() *Book {
	return &Book{entries: make(map[types.NodeID][]types.CandidateAddress)}
}

// Add 登记一个节点的候选地址
func (b *Book) Add(id types.NodeID, addr string, kind types.AddrKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[id] = append(b.entries[id], types.CandidateAddress{
		Addr: addr,
		Kind: kind,
	})
}

// Resolve 给出配置快照；地址簿不产生后续更新
func (b *Book) Resolve(ctx context.Context, id types.NodeID) (<-chan types.ResolutionResult, error) {
	b.mu.Lock()
	cands, ok := b.entries[id]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id.ShortString())
	}

	now := time.Now()
	result := types.ResolutionResult{Peer: id, ResolvedAt: now}
	for _, c := range cands {
		c.ObservedAt = now
		result.Candidates = append(result.Candidates, c)
	}

	out := make(chan types.ResolutionResult, 1)
	out <- result
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

// Relay 静态地址簿不支持中继
func (b *Book) Relay(context.Context, types.NodeID) (net.Conn, error) {
	return nil, ErrNoRelay
}

// RelayInbound 静态地址簿没有入站中继
func (b *Book) RelayInbound(ctx context.Context) (<-chan net.Conn, error) {
	out := make(chan net.Conn)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

// Signal 静态地址簿不支持信令
func (b *Book) Signal(context.Context, types.NodeID, []byte) ([]byte, error) {
	return nil, ErrNoSignaling
}

// HandleSignal 无信令路径，注册为空操作
func (b *Book) HandleSignal(func(from types.NodeID, payload []byte) ([]byte, error)) {}
