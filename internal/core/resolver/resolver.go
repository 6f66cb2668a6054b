// Package resolver 实现地址解析器
//
// 将节点身份映射为按优先级排序、带时效的候选地址集合：
//   - 一次性解析：Resolve（本地缓存优先，过期后查询覆盖网络）
//   - 持续模式：Subscribe（对端移动时持续给出增量更新，无需轮询）
//
// 解析器只消费覆盖网络的 Resolve 能力，重试策略按覆盖网络自身
// 文档化的行为对待，不额外重试。
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/lib/log"
	"github.com/dep2p/go-p2shell/pkg/types"
)

var logger = log.Logger("core/resolver")

// ============================================================================
//                              配置
// ============================================================================

// Config 解析器配置
type Config struct {
	// FreshnessThreshold 候选地址新鲜度阈值
	//
	// 超过该阈值的地址视为过期，不会交给协商器。
	FreshnessThreshold time.Duration

	// DefaultTimeout 未显式指定时的解析超时
	DefaultTimeout time.Duration

	// CacheSize 最近解析结果的 LRU 缓存容量
	CacheSize int

	// SubscribeBuffer 持续模式更新通道的缓冲大小
	SubscribeBuffer int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FreshnessThreshold: 2 * time.Minute,
		DefaultTimeout:     30 * time.Second,
		CacheSize:          128,
		SubscribeBuffer:    8,
	}
}

// Validate 验证并修正配置
func (c *Config) Validate() {
	if c.FreshnessThreshold <= 0 {
		c.FreshnessThreshold = 2 * time.Minute
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 128
	}
	if c.SubscribeBuffer <= 0 {
		c.SubscribeBuffer = 8
	}
}

// ============================================================================
//                              Resolver 实现
// ============================================================================

// Resolver 地址解析器
type Resolver struct {
	config  Config
	overlay interfaces.Overlay
	clock   clock.Clock

	// 最近一次解析结果缓存（本地优先查找）
	cache *lru.Cache[types.NodeID, types.ResolutionResult]

	mu sync.Mutex
}

// New 创建解析器
func New(overlay interfaces.Overlay, config Config, clk clock.Clock) (*Resolver, error) {
	if overlay == nil {
		return nil, errors.New("overlay is nil")
	}
	config.Validate()
	if clk == nil {
		clk = clock.New()
	}

	cache, err := lru.New[types.NodeID, types.ResolutionResult](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create resolution cache: %w", err)
	}

	return &Resolver{
		config:  config,
		overlay: overlay,
		clock:   clk,
		cache:   cache,
	}, nil
}

// FreshnessThreshold 返回配置的新鲜度阈值
func (r *Resolver) FreshnessThreshold() time.Duration {
	return r.config.FreshnessThreshold
}

// Resolve 解析节点地址
//
// 查找顺序（本地优先）：
//  1. LRU 缓存中未过期的结果
//  2. 覆盖网络查询（首个非空更新）
//
// 失败：超时返回 ErrResolutionTimeout；覆盖网络确定节点不存在
// 返回 ErrResolutionNotFound。
func (r *Resolver) Resolve(ctx context.Context, id types.NodeID, timeout time.Duration) (types.ResolutionResult, error) {
	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}
	now := r.clock.Now()

	// ==================== 1. 检查缓存 ====================
	if cached, ok := r.cache.Get(id); ok {
		fresh := cached.Fresh(now, r.config.FreshnessThreshold)
		if !fresh.Empty() {
			logger.Debug("解析命中缓存",
				"nodeID", id.ShortString(),
				"candidates", len(fresh.Candidates))
			return fresh, nil
		}
	}

	// ==================== 2. 覆盖网络查询 ====================
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	updates, err := r.overlay.Resolve(queryCtx, id)
	if err != nil {
		return types.ResolutionResult{}, fmt.Errorf("overlay resolve: %w", err)
	}

	for {
		select {
		case <-queryCtx.Done():
			if ctx.Err() != nil {
				return types.ResolutionResult{}, ctx.Err()
			}
			return types.ResolutionResult{}, fmt.Errorf("%w: %s after %v",
				types.ErrResolutionTimeout, id.ShortString(), timeout)

		case update, ok := <-updates:
			if !ok {
				return types.ResolutionResult{}, fmt.Errorf("%w: %s",
					types.ErrResolutionNotFound, id.ShortString())
			}
			result := r.absorb(id, update)
			if !result.Empty() {
				return result, nil
			}
			// 空更新继续等待
		}
	}
}

// Subscribe 持续解析节点地址
//
// 先给出当前已知的解析快照（若有），之后对端地址每次变化都会
// 产生一个新的完整快照。接收方处理过慢时会跳过中间快照，
// 只保证最终看到最新状态。通道在 ctx 取消后关闭。
func (r *Resolver) Subscribe(ctx context.Context, id types.NodeID) (<-chan types.ResolutionResult, error) {
	updates, err := r.overlay.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("overlay resolve: %w", err)
	}

	out := make(chan types.ResolutionResult, r.config.SubscribeBuffer)
	go func() {
		defer close(out)

		// 先给出缓存中的快照
		if cached, ok := r.cache.Get(id); ok {
			fresh := cached.Fresh(r.clock.Now(), r.config.FreshnessThreshold)
			if !fresh.Empty() {
				r.emit(ctx, out, fresh)
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				result := r.absorb(id, update)
				if result.Empty() {
					continue
				}
				r.emit(ctx, out, result)
			}
		}
	}()
	return out, nil
}

// absorb 合并一次覆盖网络更新并刷新缓存
//
// 更新与缓存中未过期的候选合并、去重、评分后形成新的不可变快照。
func (r *Resolver) absorb(id types.NodeID, update types.ResolutionResult) types.ResolutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	cands := update.Candidates
	if cached, ok := r.cache.Get(id); ok {
		for _, c := range cached.Candidates {
			if !c.Expired(now, r.config.FreshnessThreshold) {
				cands = append(cands, c)
			}
		}
	}

	result := types.ResolutionResult{
		Peer:       id,
		Candidates: rank(cands, now, r.config.FreshnessThreshold),
		ResolvedAt: now,
	}
	if !result.Empty() {
		r.cache.Add(id, result)
	}
	return result
}

// emit 发送快照；接收方缓冲已满时丢弃最旧的快照
func (r *Resolver) emit(ctx context.Context, out chan types.ResolutionResult, result types.ResolutionResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case out <- result:
			return
		default:
			// 腾出一个位置：丢弃最旧的未消费快照
			select {
			case <-out:
			default:
			}
		}
	}
}
