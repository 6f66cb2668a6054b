package p2shell

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-p2shell/internal/core/channel"
	"github.com/dep2p/go-p2shell/internal/core/holepunch"
	"github.com/dep2p/go-p2shell/internal/core/negotiator"
	"github.com/dep2p/go-p2shell/internal/core/resolver"
	"github.com/dep2p/go-p2shell/internal/core/session"
	"github.com/dep2p/go-p2shell/internal/core/supervisor"
	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/types"
)

// Option 用户配置选项函数
type Option func(*options) error

// staticPeer 静态配置的对端条目
type staticPeer struct {
	id   types.NodeID
	addr string
	kind types.AddrKind
}

// options 内部选项结构
//
// 组件级 Config 持有各包的默认值，选项函数只覆盖用户关心的字段。
type options struct {
	// 身份
	keyFile    string
	privateKey ed25519.PrivateKey

	// 网络
	listenAddr string
	stunServer string

	// 覆盖网络（未注入时退化为静态地址簿）
	overlay     interfaces.Overlay
	staticPeers []staticPeer

	// 指标注册表（nil 表示不导出指标）
	registry prometheus.Registerer

	// 组件配置
	channelConfig    channel.Config
	sessionConfig    session.Config
	supervisorConfig supervisor.Config
	negotiatorConfig negotiator.Config
	resolverConfig   resolver.Config
	punchConfig      holepunch.Config
}

// newOptions 创建默认选项
func newOptions() *options {
	return &options{
		channelConfig:    channel.DefaultConfig(),
		sessionConfig:    session.DefaultConfig(),
		supervisorConfig: supervisor.DefaultConfig(),
		negotiatorConfig: negotiator.DefaultConfig(),
		resolverConfig:   resolver.DefaultConfig(),
		punchConfig:      holepunch.DefaultConfig(),
	}
}

// WithKeyFile 从密钥文件加载身份；文件不存在时生成并写入
func WithKeyFile(path string) Option {
	return func(o *options) error {
		o.keyFile = path
		return nil
	}
}

// WithIdentity 直接注入 Ed25519 私钥作为节点身份
func WithIdentity(priv ed25519.PrivateKey) Option {
	return func(o *options) error {
		if len(priv) != ed25519.PrivateKeySize {
			return fmt.Errorf("invalid private key size %d", len(priv))
		}
		o.privateKey = priv
		return nil
	}
}

// WithListenAddr 设置入站 UDP 监听地址（"host:port"）
//
// 未设置时节点为纯发起方，共享 socket 绑定随机端口。
func WithListenAddr(addr string) Option {
	return func(o *options) error {
		o.listenAddr = addr
		return nil
	}
}

// WithSTUNServer 设置 STUN 服务器，用于观测自身反射地址
func WithSTUNServer(addr string) Option {
	return func(o *options) error {
		o.stunServer = addr
		return nil
	}
}

// WithOverlay 注入覆盖网络实现
func WithOverlay(ov interfaces.Overlay) Option {
	return func(o *options) error {
		if ov == nil {
			return errors.New("overlay is nil")
		}
		o.overlay = ov
		return nil
	}
}

// WithPeer 向静态地址簿添加一个对端地址
//
// 仅在未注入覆盖网络时生效：所有 WithPeer 条目构成一个静态
// 地址簿，充当最简覆盖网络（只支持解析，不支持中继与信令）。
func WithPeer(id NodeID, addr string, kind AddrKind) Option {
	return func(o *options) error {
		if id.IsEmpty() {
			return errors.New("peer id is empty")
		}
		o.staticPeers = append(o.staticPeers, staticPeer{id: id, addr: addr, kind: kind})
		return nil
	}
}

// WithMetrics 注册运行指标到给定的 Prometheus 注册表
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) error {
		o.registry = reg
		return nil
	}
}

// WithBacklogLimit 设置会话未确认字节积压上限
func WithBacklogLimit(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return errors.New("backlog limit must be positive")
		}
		o.sessionConfig.BacklogLimit = n
		return nil
	}
}

// WithWriteTimeout 设置背压阻塞的最长时间；0 表示无限等待
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) error {
		o.sessionConfig.WriteTimeout = d
		return nil
	}
}

// WithRetryBudget 设置单次断连的最大重连次数
func WithRetryBudget(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return errors.New("retry budget must be positive")
		}
		o.supervisorConfig.RetryBudget = n
		return nil
	}
}

// WithBackoff 设置重连退避区间
func WithBackoff(initial, max time.Duration) Option {
	return func(o *options) error {
		if initial <= 0 || max < initial {
			return errors.New("invalid backoff range")
		}
		o.supervisorConfig.InitialBackoff = initial
		o.supervisorConfig.MaxBackoff = max
		return nil
	}
}

// WithNegotiationDeadline 设置一轮协商的总时限
func WithNegotiationDeadline(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("negotiation deadline must be positive")
		}
		o.negotiatorConfig.DefaultDeadline = d
		return nil
	}
}

// WithKeepAlive 设置通道保活周期与静默失联阈值
func WithKeepAlive(period, idleTimeout time.Duration) Option {
	return func(o *options) error {
		if period <= 0 || idleTimeout <= period {
			return errors.New("idle timeout must exceed keepalive period")
		}
		o.channelConfig.KeepAlivePeriod = period
		o.channelConfig.MaxIdleTimeout = idleTimeout
		return nil
	}
}

// WithResolutionTimeout 设置地址解析的默认超时
func WithResolutionTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("resolution timeout must be positive")
		}
		o.resolverConfig.DefaultTimeout = d
		o.supervisorConfig.ResolveTimeout = d
		return nil
	}
}
