package p2shell

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-p2shell/internal/core/channel"
	"github.com/dep2p/go-p2shell/internal/core/holepunch"
	"github.com/dep2p/go-p2shell/internal/core/identity"
	"github.com/dep2p/go-p2shell/internal/core/metrics"
	"github.com/dep2p/go-p2shell/internal/core/negotiator"
	"github.com/dep2p/go-p2shell/internal/core/overlay/static"
	"github.com/dep2p/go-p2shell/internal/core/resolver"
	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/types"
)

// buildFxApp 组装节点的组件依赖图
//
// 装配顺序（按依赖）：
//  1. Identity → Transport（身份绑定 TLS）
//  2. Overlay → Resolver / Puncher（解析与打洞信令）
//  3. Transport + Puncher + Overlay → Negotiator（三类拨号器）
func buildFxApp(o *options, node *Node) (*fx.App, error) {
	app := fx.New(
		fx.Supply(o),

		fx.Provide(
			provideIdentity,
			provideOverlay,
			provideMetrics,
			provideTransport,
			providePuncher,
			provideResolver,
			provideNegotiator,
		),

		fx.Invoke(injectNodeComponents(node)),

		// 禁用 Fx 自身的日志输出，避免干扰用户日志
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return app, nil
}

// provideIdentity 构建节点身份：注入的私钥优先，其次密钥文件
func provideIdentity(o *options) (interfaces.Identity, error) {
	if o.privateKey != nil {
		return identity.FromPrivateKey(o.privateKey), nil
	}
	return identity.LoadOrGenerate(o.keyFile)
}

// provideOverlay 返回注入的覆盖网络；未注入时退化为静态地址簿
func provideOverlay(o *options) interfaces.Overlay {
	if o.overlay != nil {
		return o.overlay
	}
	book := static.NewBook()
	for _, p := range o.staticPeers {
		book.Add(p.id, p.addr, p.kind)
	}
	return book
}

// provideMetrics 构建指标集合；未提供注册表时不导出
func provideMetrics(o *options) *metrics.Metrics {
	if o.registry == nil {
		return metrics.Nop()
	}
	return metrics.New(o.registry)
}

// provideTransport 构建共享 socket 的 QUIC 传输，随应用停止关闭
func provideTransport(lc fx.Lifecycle, ident interfaces.Identity, o *options) (*channel.Transport, error) {
	tr, err := channel.NewTransport(ident, o.channelConfig)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return tr.Close()
		},
	})
	return tr, nil
}

// providePuncher 构建打洞器（信令处理函数在此注册到覆盖网络）
func providePuncher(tr *channel.Transport, ov interfaces.Overlay, o *options) *holepunch.Puncher {
	return holepunch.NewPuncher(tr, ov, o.punchConfig, nil)
}

// provideResolver 构建地址解析器
func provideResolver(ov interfaces.Overlay, o *options) (*resolver.Resolver, error) {
	return resolver.New(ov, o.resolverConfig, nil)
}

// provideNegotiator 构建协商器，按地址类型注入三类拨号器
func provideNegotiator(tr *channel.Transport, p *holepunch.Puncher, ov interfaces.Overlay, ident interfaces.Identity, o *options) *negotiator.Negotiator {
	dialers := negotiator.Dialers{
		Direct: func(ctx context.Context, peer types.NodeID, cand types.CandidateAddress) (interfaces.SecureChannel, error) {
			return tr.Dial(ctx, cand.Addr, peer, types.KindDirect)
		},
		Punch: func(ctx context.Context, peer types.NodeID, cand types.CandidateAddress) (interfaces.SecureChannel, error) {
			return p.Punch(ctx, peer, cand.Addr)
		},
		Relay: func(ctx context.Context, peer types.NodeID, _ types.CandidateAddress) (interfaces.SecureChannel, error) {
			conn, err := ov.Relay(ctx, peer)
			if err != nil {
				return nil, err
			}
			ch, err := channel.SecureRelay(conn, ident, peer, true, o.channelConfig)
			if err != nil {
				_ = conn.Close()
				return nil, err
			}
			return ch, nil
		},
	}
	return negotiator.New(dialers, o.negotiatorConfig, nil)
}

// nodeComponents 注入 Node 的组件集合
type nodeComponents struct {
	fx.In

	Identity   interfaces.Identity
	Overlay    interfaces.Overlay
	Transport  *channel.Transport
	Puncher    *holepunch.Puncher
	Resolver   *resolver.Resolver
	Negotiator *negotiator.Negotiator
	Metrics    *metrics.Metrics
}

// injectNodeComponents 把装配好的组件写回 Node
func injectNodeComponents(node *Node) func(nodeComponents) {
	return func(c nodeComponents) {
		node.identity = c.Identity
		node.overlay = c.Overlay
		node.transport = c.Transport
		node.puncher = c.Puncher
		node.resolver = c.Resolver
		node.negotiator = c.Negotiator
		node.metrics = c.Metrics
	}
}
