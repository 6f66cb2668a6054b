package holepunch

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
)

// stunRetries STUN 绑定请求的重发轮数
const stunRetries = 3

// stunRetryInterval 重发间隔
const stunRetryInterval = 500 * time.Millisecond

// ObserveReflexive 通过 STUN 服务器观测自身反射地址
//
// 绑定请求从共享 QUIC socket 发出，观测到的端口才与后续打洞
// 探测和 QUIC 拨号一致。结果缓存在 Puncher 内，信令应答与
// 打洞请求都会带上它。
//
// 需要 Start 的分流循环在运行，否则收不到应答。
func (p *Puncher) ObserveReflexive(ctx context.Context, server string) (string, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return "", fmt.Errorf("resolve stun server %q: %w", server, err)
	}

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	waiter := make(chan *stun.Message, 1)
	p.mu.Lock()
	p.stunWait[req.TransactionID] = waiter
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.stunWait, req.TransactionID)
		p.mu.Unlock()
	}()

	for attempt := 0; attempt < stunRetries; attempt++ {
		if _, err := p.transport.WriteTo(req.Raw, serverAddr); err != nil {
			return "", fmt.Errorf("send binding request: %w", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case msg := <-waiter:
			var xorAddr stun.XORMappedAddress
			if err := xorAddr.GetFrom(msg); err != nil {
				return "", fmt.Errorf("parse xor-mapped-address: %w", err)
			}
			observed := (&net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}).String()
			p.observed.Store(observed)
			logger.Debug("反射地址已观测", "addr", observed, "server", server)
			return observed, nil
		case <-p.clk.After(stunRetryInterval):
		}
	}
	return "", fmt.Errorf("no response from stun server %s", server)
}

// dispatchSTUN 把 STUN 应答分发给等待中的事务
func (p *Puncher) dispatchSTUN(pkt []byte) {
	msg := &stun.Message{Raw: append([]byte(nil), pkt...)}
	if err := msg.Decode(); err != nil {
		return
	}

	p.mu.Lock()
	waiter, ok := p.stunWait[msg.TransactionID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case waiter <- msg:
	default:
	}
}
