package p2shell

import (
	"encoding/json"
	"fmt"
	"time"
)

// UserConfig 用户配置结构
//
// 面向用户的简化配置，可从 JSON 文件加载后转换为选项列表。
// 配置文件的读取由应用层（cmd/*）负责，库本身不做 I/O：
//
//	data, _ := os.ReadFile("config.json")
//	var cfg p2shell.UserConfig
//	json.Unmarshal(data, &cfg)
//	opts, _ := cfg.ToOptions()
//	node, _ := p2shell.New(opts...)
type UserConfig struct {
	// KeyFile 密钥文件路径；文件不存在时自动生成
	KeyFile string `json:"key_file,omitempty"`

	// ListenAddr 入站 UDP 监听地址（"host:port"）；为空则不监听
	ListenAddr string `json:"listen_addr,omitempty"`

	// STUNServer 反射地址观测用的 STUN 服务器
	STUNServer string `json:"stun_server,omitempty"`

	// Peers 静态对端地址簿
	Peers []PeerConfig `json:"peers,omitempty"`

	// Session 会话调优
	Session *SessionTuning `json:"session,omitempty"`

	// Reconnect 重连调优
	Reconnect *ReconnectTuning `json:"reconnect,omitempty"`
}

// PeerConfig 静态对端条目
type PeerConfig struct {
	// ID Base58 编码的节点标识
	ID string `json:"id"`

	// Addrs 该对端的候选地址
	Addrs []PeerAddrConfig `json:"addrs"`
}

// PeerAddrConfig 对端候选地址
type PeerAddrConfig struct {
	// Addr "host:port" 形式的 UDP 端点
	Addr string `json:"addr"`

	// Kind 地址类型：direct、relay、punch；缺省 direct
	Kind string `json:"kind,omitempty"`
}

// SessionTuning 会话调优项
type SessionTuning struct {
	// BacklogLimit 未确认字节积压上限
	BacklogLimit int `json:"backlog_limit,omitempty"`

	// WriteTimeout 背压阻塞的最长时间
	WriteTimeout Duration `json:"write_timeout,omitempty"`
}

// ReconnectTuning 重连调优项
type ReconnectTuning struct {
	// RetryBudget 单次断连的最大重连次数
	RetryBudget int `json:"retry_budget,omitempty"`

	// InitialBackoff 首次重试前的退避
	InitialBackoff Duration `json:"initial_backoff,omitempty"`

	// MaxBackoff 退避上限
	MaxBackoff Duration `json:"max_backoff,omitempty"`
}

// ToOptions 将用户配置转换为选项列表
func (c *UserConfig) ToOptions() ([]Option, error) {
	var opts []Option

	if c.KeyFile != "" {
		opts = append(opts, WithKeyFile(c.KeyFile))
	}
	if c.ListenAddr != "" {
		opts = append(opts, WithListenAddr(c.ListenAddr))
	}
	if c.STUNServer != "" {
		opts = append(opts, WithSTUNServer(c.STUNServer))
	}

	for _, p := range c.Peers {
		id, err := ParseNodeID(p.ID)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", p.ID, err)
		}
		for _, a := range p.Addrs {
			kind, err := parseAddrKind(a.Kind)
			if err != nil {
				return nil, fmt.Errorf("peer %q: %w", p.ID, err)
			}
			opts = append(opts, WithPeer(id, a.Addr, kind))
		}
	}

	if s := c.Session; s != nil {
		if s.BacklogLimit > 0 {
			opts = append(opts, WithBacklogLimit(s.BacklogLimit))
		}
		if s.WriteTimeout > 0 {
			opts = append(opts, WithWriteTimeout(time.Duration(s.WriteTimeout)))
		}
	}
	if r := c.Reconnect; r != nil {
		if r.RetryBudget > 0 {
			opts = append(opts, WithRetryBudget(r.RetryBudget))
		}
		if r.InitialBackoff > 0 && r.MaxBackoff >= r.InitialBackoff {
			opts = append(opts, WithBackoff(time.Duration(r.InitialBackoff), time.Duration(r.MaxBackoff)))
		}
	}

	return opts, nil
}

// parseAddrKind 解析地址类型字符串
func parseAddrKind(s string) (AddrKind, error) {
	switch s {
	case "", "direct":
		return KindDirect, nil
	case "relay":
		return KindRelay, nil
	case "punch":
		return KindPunch, nil
	default:
		return KindDirect, fmt.Errorf("unknown address kind %q", s)
	}
}

// ============================================================================
//                              Duration
// ============================================================================

// Duration 支持 JSON 字符串形式（"500ms"、"30s"）的时长
type Duration time.Duration

// MarshalJSON 序列化为 "1m30s" 形式的字符串
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 接受字符串（"500ms"）或纳秒数
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
		return nil
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
}
