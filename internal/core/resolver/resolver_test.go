package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-p2shell/pkg/types"
)

// fakeOverlay 测试用覆盖网络：按脚本回放解析更新
type fakeOverlay struct {
	updates  []types.ResolutionResult
	keepOpen bool // true: 发送完后保持通道打开（等待超时场景）
	calls    int
}

func (f *fakeOverlay) Resolve(ctx context.Context, id types.NodeID) (<-chan types.ResolutionResult, error) {
	f.calls++
	ch := make(chan types.ResolutionResult, len(f.updates)+1)
	for _, u := range f.updates {
		ch <- u
	}
	if !f.keepOpen {
		close(ch)
	}
	return ch, nil
}

func (f *fakeOverlay) Relay(ctx context.Context, id types.NodeID) (net.Conn, error) {
	return nil, types.ErrResolutionNotFound
}

func (f *fakeOverlay) RelayInbound(ctx context.Context) (<-chan net.Conn, error) {
	ch := make(chan net.Conn)
	close(ch)
	return ch, nil
}

func (f *fakeOverlay) Signal(ctx context.Context, id types.NodeID, payload []byte) ([]byte, error) {
	return nil, nil
}

func (f *fakeOverlay) HandleSignal(fn func(from types.NodeID, payload []byte) ([]byte, error)) {}

func testNodeID(b byte) types.NodeID {
	var id types.NodeID
	id[0] = b
	return id
}

func TestResolveRanksDirectFirst(t *testing.T) {
	clk := clock.NewMock()
	now := clk.Now()
	id := testNodeID(1)

	overlay := &fakeOverlay{updates: []types.ResolutionResult{{
		Peer: id,
		Candidates: []types.CandidateAddress{
			{Addr: "192.0.2.9:4001", Kind: types.KindRelay, ObservedAt: now},
			{Addr: "192.0.2.1:4001", Kind: types.KindDirect, ObservedAt: now},
			{Addr: "203.0.113.5:4001", Kind: types.KindPunch, ObservedAt: now},
		},
	}}}

	r, err := New(overlay, DefaultConfig(), clk)
	require.NoError(t, err)

	result, err := r.Resolve(context.Background(), id, time.Second)
	require.NoError(t, err)
	require.Len(t, result.Candidates, 3)

	// 直连 > 打洞 > 中继
	assert.Equal(t, types.KindDirect, result.Candidates[0].Kind)
	assert.Equal(t, types.KindPunch, result.Candidates[1].Kind)
	assert.Equal(t, types.KindRelay, result.Candidates[2].Kind)
	assert.Greater(t, result.Candidates[0].Priority, result.Candidates[1].Priority)
}

func TestResolveDedupes(t *testing.T) {
	clk := clock.NewMock()
	now := clk.Now()
	id := testNodeID(2)

	overlay := &fakeOverlay{updates: []types.ResolutionResult{{
		Peer: id,
		Candidates: []types.CandidateAddress{
			{Addr: "192.0.2.1:4001", Kind: types.KindDirect, ObservedAt: now.Add(-time.Second)},
			{Addr: "192.0.2.1:4001", Kind: types.KindDirect, ObservedAt: now},
		},
	}}}

	r, err := New(overlay, DefaultConfig(), clk)
	require.NoError(t, err)

	result, err := r.Resolve(context.Background(), id, time.Second)
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
	// 保留观测时间最新的一条
	assert.Equal(t, now, result.Candidates[0].ObservedAt)
}

func TestResolveIdempotent(t *testing.T) {
	clk := clock.NewMock()
	now := clk.Now()
	id := testNodeID(3)

	update := types.ResolutionResult{Peer: id, Candidates: []types.CandidateAddress{
		{Addr: "192.0.2.1:4001", Kind: types.KindDirect, ObservedAt: now},
		{Addr: "192.0.2.9:4001", Kind: types.KindRelay, ObservedAt: now},
	}}
	overlay := &fakeOverlay{updates: []types.ResolutionResult{update, update}}

	r, err := New(overlay, DefaultConfig(), clk)
	require.NoError(t, err)

	first, err := r.Resolve(context.Background(), id, time.Second)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), id, time.Second)
	require.NoError(t, err)

	// 地址集合未变化时，重复解析产生一致的结果（忽略时间戳）
	assert.True(t, first.SameAddrs(second))
	// 第二次命中缓存，不应再次查询覆盖网络
	assert.Equal(t, 1, overlay.calls)
}

func TestResolveNotFound(t *testing.T) {
	clk := clock.NewMock()
	id := testNodeID(4)
	overlay := &fakeOverlay{} // 通道直接关闭

	r, err := New(overlay, DefaultConfig(), clk)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), id, time.Second)
	assert.ErrorIs(t, err, types.ErrResolutionNotFound)
}

func TestResolveTimeout(t *testing.T) {
	clk := clock.New() // 真实时钟：context 超时不受 mock 控制
	id := testNodeID(5)
	overlay := &fakeOverlay{keepOpen: true} // 永不应答

	r, err := New(overlay, DefaultConfig(), clk)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), id, 50*time.Millisecond)
	assert.ErrorIs(t, err, types.ErrResolutionTimeout)
}

func TestSubscribeEmitsUpdates(t *testing.T) {
	clk := clock.NewMock()
	now := clk.Now()
	id := testNodeID(6)

	overlay := &fakeOverlay{
		keepOpen: true,
		updates: []types.ResolutionResult{
			{Peer: id, Candidates: []types.CandidateAddress{
				{Addr: "192.0.2.1:4001", Kind: types.KindDirect, ObservedAt: now},
			}},
			{Peer: id, Candidates: []types.CandidateAddress{
				{Addr: "198.51.100.7:4001", Kind: types.KindDirect, ObservedAt: now},
			}},
		},
	}

	r, err := New(overlay, DefaultConfig(), clk)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := r.Subscribe(ctx, id)
	require.NoError(t, err)

	first := <-sub
	require.Len(t, first.Candidates, 1)
	assert.Equal(t, "192.0.2.1:4001", first.Candidates[0].Addr)

	// 第二次更新与首次合并：两个地址都在
	second := <-sub
	assert.Len(t, second.Candidates, 2)
}

func TestFreshExcludesStale(t *testing.T) {
	clk := clock.NewMock()
	now := clk.Now()
	id := testNodeID(7)

	overlay := &fakeOverlay{updates: []types.ResolutionResult{{
		Peer: id,
		Candidates: []types.CandidateAddress{
			{Addr: "192.0.2.1:4001", Kind: types.KindDirect, ObservedAt: now},
		},
	}}}

	cfg := DefaultConfig()
	r, err := New(overlay, cfg, clk)
	require.NoError(t, err)

	result, err := r.Resolve(context.Background(), id, time.Second)
	require.NoError(t, err)

	// 时间推进超过新鲜度阈值后，结果中的候选全部过期
	clk.Add(cfg.FreshnessThreshold + time.Second)
	fresh := result.Fresh(clk.Now(), cfg.FreshnessThreshold)
	assert.True(t, fresh.Empty())
}
