package types

import (
	"fmt"
	"time"
)

// ============================================================================
//                              候选地址
// ============================================================================

// AddrKind 候选地址类型
type AddrKind int

const (
	// KindDirect 可直接拨号的地址（公网或同网段）
	KindDirect AddrKind = iota

	// KindRelay 需经中继转发的地址
	KindRelay

	// KindPunch 需打洞协调后才能直连的地址（NAT 后的反射地址）
	KindPunch
)

// String 返回地址类型的字符串表示
func (k AddrKind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindRelay:
		return "relay"
	case KindPunch:
		return "punch"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// CandidateAddress 候选传输地址
//
// 一个尚未验证可连通的端点假设。直连与打洞类型的 Addr 为
// "host:port" 形式的 UDP 端点；中继类型的 Addr 为中继节点的端点
// （实际转发能力由 Overlay 提供，Addr 仅用于去重与诊断）。
type CandidateAddress struct {
	// Addr 端点地址
	Addr string

	// Kind 地址类型
	Kind AddrKind

	// ObservedAt 该地址最近一次被观测到的时间
	ObservedAt time.Time

	// Priority 优先级评分（越大越优先）
	Priority int
}

// Key 返回用于去重的键（类型 + 地址）
func (c CandidateAddress) Key() string {
	return c.Kind.String() + "/" + c.Addr
}

// Expired 判断候选地址是否超过新鲜度阈值
//
// 超过阈值的地址不得交给协商器，必须先重新解析。
func (c CandidateAddress) Expired(now time.Time, threshold time.Duration) bool {
	return now.Sub(c.ObservedAt) > threshold
}

// ============================================================================
//                              解析结果
// ============================================================================

// ResolutionResult 一次地址解析的不可变快照
//
// 由解析器生成并按值传递给协商器；调用方不得修改 Candidates。
type ResolutionResult struct {
	// Peer 目标节点
	Peer NodeID

	// Candidates 候选地址集合（按优先级降序）
	Candidates []CandidateAddress

	// ResolvedAt 快照生成时间
	ResolvedAt time.Time
}

// Empty 判断解析结果是否为空
func (r ResolutionResult) Empty() bool {
	return len(r.Candidates) == 0
}

// SameAddrs 判断两次解析结果的地址集合是否一致（忽略时间戳与评分）
//
// 用于幂等性判断：地址集合未变化时，重复解析应产生一致的结果。
func (r ResolutionResult) SameAddrs(other ResolutionResult) bool {
	if len(r.Candidates) != len(other.Candidates) {
		return false
	}
	keys := make(map[string]struct{}, len(r.Candidates))
	for _, c := range r.Candidates {
		keys[c.Key()] = struct{}{}
	}
	for _, c := range other.Candidates {
		if _, ok := keys[c.Key()]; !ok {
			return false
		}
	}
	return true
}

// Fresh 返回仅包含未过期候选地址的副本
func (r ResolutionResult) Fresh(now time.Time, threshold time.Duration) ResolutionResult {
	out := ResolutionResult{Peer: r.Peer, ResolvedAt: r.ResolvedAt}
	for _, c := range r.Candidates {
		if !c.Expired(now, threshold) {
			out.Candidates = append(out.Candidates, c)
		}
	}
	return out
}
