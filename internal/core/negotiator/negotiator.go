// Package negotiator 实现传输通道的竞速协商
//
// 拿到候选地址集合后，为每个候选并行启动建立尝试（直连拨号、
// 中继拨号、打洞协调），第一个完成双向认证握手的通道获胜，
// 其余尝试取消并释放资源。
//
// 直连略慢于中继时整体体验更好，因此在固定的偏好窗口内暂缓
// 宣布中继/打洞获胜，给直连最后的机会。
package negotiator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/lib/log"
	"github.com/dep2p/go-p2shell/pkg/types"
)

var logger = log.Logger("core/negotiator")

// ============================================================================
//                              配置与依赖
// ============================================================================

// DialFunc 按候选地址建立安全通道
type DialFunc func(ctx context.Context, peer types.NodeID, candidate types.CandidateAddress) (interfaces.SecureChannel, error)

// Dialers 按地址类型注入的建立函数
type Dialers struct {
	// Direct 直连拨号
	Direct DialFunc

	// Relay 中继路径（经 Overlay 转发 + 端到端加密握手）
	Relay DialFunc

	// Punch 打洞协调后直连
	Punch DialFunc
}

// forKind 返回对应类型的建立函数；未注入时为 nil
func (d Dialers) forKind(kind types.AddrKind) DialFunc {
	switch kind {
	case types.KindDirect:
		return d.Direct
	case types.KindRelay:
		return d.Relay
	case types.KindPunch:
		return d.Punch
	default:
		return nil
	}
}

// Config 协商器配置
type Config struct {
	// DefaultDeadline 一轮协商的默认总时限
	DefaultDeadline time.Duration

	// DirectPreference 直连偏好窗口
	//
	// 非直连通道最先完成时，在该窗口内等待可能紧随其后的直连
	// 结果；窗口结束仍无直连则宣布已有通道获胜。
	DirectPreference time.Duration

	// FreshnessThreshold 候选地址的新鲜度阈值
	//
	// 超过阈值的候选直接拒绝，调用方必须先重新解析。
	FreshnessThreshold time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DefaultDeadline:    15 * time.Second,
		DirectPreference:   50 * time.Millisecond,
		FreshnessThreshold: 2 * time.Minute,
	}
}

// Validate 验证并修正配置
func (c *Config) Validate() {
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 15 * time.Second
	}
	if c.DirectPreference <= 0 {
		c.DirectPreference = 50 * time.Millisecond
	}
	if c.FreshnessThreshold <= 0 {
		c.FreshnessThreshold = 2 * time.Minute
	}
}

// ============================================================================
//                              协商错误
// ============================================================================

// NegotiationError 所有候选都失败时的聚合错误
//
// 保留每个候选的失败原因与尝试顺序，供诊断与监督器判定。
type NegotiationError struct {
	// Peer 目标节点
	Peer types.NodeID

	// Attempts 按启动顺序记录的候选键
	Attempts []string

	// Reasons 按候选键索引的失败原因
	Reasons map[string]error
}

// Error 实现 error
func (e *NegotiationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "negotiation with %s failed (%d candidates)",
		e.Peer.ShortString(), len(e.Attempts))
	for _, key := range e.Attempts {
		fmt.Fprintf(&sb, "; %s: %v", key, e.Reasons[key])
	}
	return sb.String()
}

// Unwrap 暴露聚合的原因链
func (e *NegotiationError) Unwrap() error {
	errs := make([]error, 0, len(e.Attempts))
	for _, key := range e.Attempts {
		errs = append(errs, e.Reasons[key])
	}
	return multierr.Combine(errs...)
}

// Is 使 errors.Is(err, types.ErrNegotiationFailed) 成立
func (e *NegotiationError) Is(target error) bool {
	return target == types.ErrNegotiationFailed
}

// ============================================================================
//                              Negotiator
// ============================================================================

// Negotiator 传输通道协商器
type Negotiator struct {
	config  Config
	dialers Dialers
	clk     clock.Clock
}

// New 创建协商器
func New(dialers Dialers, config Config, clk clock.Clock) *Negotiator {
	config.Validate()
	if clk == nil {
		clk = clock.New()
	}
	return &Negotiator{config: config, dialers: dialers, clk: clk}
}

// attempt 单个候选的完成通知
type attempt struct {
	candidate types.CandidateAddress
	ch        interfaces.SecureChannel
	err       error
}

// Negotiate 对候选集合竞速协商，返回第一个通过认证的通道
//
// 失败语义：
//   - 候选集合为空或全部过期 → ErrNoCandidates / ErrStaleCandidate
//   - 单个候选认证失败只废弃该候选，绝不中止其他尝试
//   - 全部失败 → *NegotiationError（匹配 ErrNegotiationFailed）
func (n *Negotiator) Negotiate(ctx context.Context, peer types.NodeID, result types.ResolutionResult) (interfaces.SecureChannel, error) {
	if result.Empty() {
		return nil, types.ErrNoCandidates
	}

	// 过期候选在启动任何尝试之前整体拒绝
	now := n.clk.Now()
	fresh := result.Fresh(now, n.config.FreshnessThreshold)
	if fresh.Empty() {
		return nil, fmt.Errorf("%w: all %d candidates exceed freshness threshold",
			types.ErrStaleCandidate, len(result.Candidates))
	}
	candidates := orderCandidates(fresh.Candidates)

	ctx, cancel := context.WithTimeout(ctx, n.config.DefaultDeadline)
	defer cancel()

	results := make(chan attempt, len(candidates))
	var wg sync.WaitGroup
	started := make([]string, 0, len(candidates))

	for _, cand := range candidates {
		dial := n.dialers.forKind(cand.Kind)
		if dial == nil {
			results <- attempt{candidate: cand,
				err: fmt.Errorf("no dialer for kind %s", cand.Kind)}
			started = append(started, cand.Key())
			continue
		}
		started = append(started, cand.Key())
		wg.Add(1)
		go func(cand types.CandidateAddress, dial DialFunc) {
			defer wg.Done()
			ch, err := dial(ctx, peer, cand)
			results <- attempt{candidate: cand, ch: ch, err: err}
		}(cand, dial)
	}

	winner, negErr := n.collect(ctx, peer, started, results, len(candidates))

	// 败者释放：取消未完成的尝试，晚到的成功通道直接关闭
	cancel()
	go func() {
		wg.Wait()
		close(results)
		for a := range results {
			if a.ch != nil {
				_ = a.ch.Close()
			}
		}
	}()

	if winner != nil {
		logger.Debug("协商完成",
			"peer", peer.ShortString(),
			"kind", winner.Kind().String())
		return winner, nil
	}
	return nil, negErr
}

// collect 等待竞速结果，带直连偏好窗口
func (n *Negotiator) collect(ctx context.Context, peer types.NodeID, started []string, results <-chan attempt, total int) (interfaces.SecureChannel, error) {
	reasons := make(map[string]error, total)
	var pending interfaces.SecureChannel

	var window *clock.Timer
	var windowC <-chan time.Time
	stopWindow := func() {
		if window != nil {
			window.Stop()
			window = nil
			windowC = nil
		}
	}

	finished := 0
	for finished < total {
		select {
		case <-ctx.Done():
			if pending != nil {
				return pending, nil
			}
			for _, key := range started {
				if _, ok := reasons[key]; !ok {
					reasons[key] = ctx.Err()
				}
			}
			return nil, &NegotiationError{Peer: peer, Attempts: started, Reasons: reasons}

		case <-windowC:
			// 偏好窗口结束，直连没有出现
			return pending, nil

		case a := <-results:
			finished++
			if a.err != nil {
				// 单候选失败（含认证失败）只记录原因
				reasons[a.candidate.Key()] = a.err
				logger.Debug("候选尝试失败",
					"candidate", a.candidate.Key(), "err", a.err)
				continue
			}
			if a.candidate.Kind == types.KindDirect {
				stopWindow()
				if pending != nil {
					_ = pending.Close()
				}
				return a.ch, nil
			}
			if pending == nil {
				pending = a.ch
				window = n.clk.Timer(n.config.DirectPreference)
				windowC = window.C
			} else {
				_ = a.ch.Close()
			}
		}
	}

	stopWindow()
	if pending != nil {
		return pending, nil
	}
	return nil, &NegotiationError{Peer: peer, Attempts: started, Reasons: reasons}
}

// orderCandidates 按优先级降序稳定排序（尝试顺序即诊断顺序）
func orderCandidates(cands []types.CandidateAddress) []types.CandidateAddress {
	out := make([]types.CandidateAddress, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

var _ error = (*NegotiationError)(nil)
