package negotiator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/types"
)

// ============================================================================
//                              测试辅助
// ============================================================================

// fakeChannel 竞速测试用的空壳通道
type fakeChannel struct {
	kind types.AddrKind

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ interfaces.SecureChannel = (*fakeChannel)(nil)

func newFakeChannel(kind types.AddrKind) *fakeChannel {
	return &fakeChannel{kind: kind, done: make(chan struct{})}
}

func (c *fakeChannel) Read([]byte) (int, error)  { return 0, io.EOF }
func (c *fakeChannel) Write(p []byte) (int, error) { return len(p), nil }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) RemotePeer() types.NodeID { return types.NodeID{} }
func (c *fakeChannel) Kind() types.AddrKind     { return c.kind }
func (c *fakeChannel) Done() <-chan struct{}    { return c.done }
func (c *fakeChannel) Err() error               { return nil }

func (c *fakeChannel) OpenStream(context.Context) (io.ReadWriteCloser, error) {
	return nil, types.ErrNoMultiplex
}

// dialAfter 延迟 delay 后返回通道（或错误）
func dialAfter(delay time.Duration, ch *fakeChannel, err error) DialFunc {
	return func(ctx context.Context, _ types.NodeID, _ types.CandidateAddress) (interfaces.SecureChannel, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

func cand(kind types.AddrKind, addr string, priority int) types.CandidateAddress {
	return types.CandidateAddress{
		Addr:       addr,
		Kind:       kind,
		ObservedAt: time.Now(),
		Priority:   priority,
	}
}

func resolution(cands ...types.CandidateAddress) types.ResolutionResult {
	return types.ResolutionResult{
		Peer:       types.NodeID{1},
		Candidates: cands,
		ResolvedAt: time.Now(),
	}
}

func testNegotiatorConfig() Config {
	return Config{
		DefaultDeadline:    2 * time.Second,
		DirectPreference:   50 * time.Millisecond,
		FreshnessThreshold: time.Minute,
	}
}

// ============================================================================
//                              竞速语义
// ============================================================================

// 直连先完成：立即获胜
func TestNegotiateDirectWinsOutright(t *testing.T) {
	direct := newFakeChannel(types.KindDirect)
	relay := newFakeChannel(types.KindRelay)

	n := New(Dialers{
		Direct: dialAfter(10*time.Millisecond, direct, nil),
		Relay:  dialAfter(100*time.Millisecond, relay, nil),
	}, testNegotiatorConfig(), nil)

	ch, err := n.Negotiate(context.Background(), types.NodeID{1},
		resolution(cand(types.KindDirect, "1.2.3.4:1", 300), cand(types.KindRelay, "r:1", 100)))
	require.NoError(t, err)
	assert.Equal(t, types.KindDirect, ch.Kind())

	// 败者（迟到的中继）最终被释放
	assert.Eventually(t, relay.isClosed, time.Second, 10*time.Millisecond)
}

// 中继先完成但直连在偏好窗口内赶到：直连获胜，中继关闭
func TestNegotiateDirectPreferredWithinWindow(t *testing.T) {
	direct := newFakeChannel(types.KindDirect)
	relay := newFakeChannel(types.KindRelay)

	n := New(Dialers{
		Direct: dialAfter(30*time.Millisecond, direct, nil),
		Relay:  dialAfter(5*time.Millisecond, relay, nil),
	}, testNegotiatorConfig(), nil)

	ch, err := n.Negotiate(context.Background(), types.NodeID{1},
		resolution(cand(types.KindDirect, "1.2.3.4:1", 300), cand(types.KindRelay, "r:1", 100)))
	require.NoError(t, err)
	assert.Equal(t, types.KindDirect, ch.Kind())
	assert.Eventually(t, relay.isClosed, time.Second, 10*time.Millisecond)
}

// 窗口结束直连仍未完成：已就绪的中继获胜
func TestNegotiateRelayWinsAfterWindow(t *testing.T) {
	relay := newFakeChannel(types.KindRelay)

	n := New(Dialers{
		Direct: dialAfter(500*time.Millisecond, newFakeChannel(types.KindDirect), nil),
		Relay:  dialAfter(5*time.Millisecond, relay, nil),
	}, testNegotiatorConfig(), nil)

	start := time.Now()
	ch, err := n.Negotiate(context.Background(), types.NodeID{1},
		resolution(cand(types.KindDirect, "1.2.3.4:1", 300), cand(types.KindRelay, "r:1", 100)))
	require.NoError(t, err)
	assert.Equal(t, types.KindRelay, ch.Kind())
	// 不应等满直连的 500ms
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

// 单候选认证失败只废弃该候选，不中止其他尝试
func TestNegotiateAuthFailureIsolated(t *testing.T) {
	relay := newFakeChannel(types.KindRelay)

	n := New(Dialers{
		Direct: dialAfter(5*time.Millisecond, nil,
			fmt.Errorf("%w: certificate mismatch", types.ErrAuthFailure)),
		Relay: dialAfter(20*time.Millisecond, relay, nil),
	}, testNegotiatorConfig(), nil)

	ch, err := n.Negotiate(context.Background(), types.NodeID{1},
		resolution(cand(types.KindDirect, "1.2.3.4:1", 300), cand(types.KindRelay, "r:1", 100)))
	require.NoError(t, err)
	assert.Equal(t, types.KindRelay, ch.Kind())
}

// 全部失败：聚合错误携带每个候选的原因
func TestNegotiateAllFail(t *testing.T) {
	authErr := fmt.Errorf("%w: bad cert", types.ErrAuthFailure)
	dialErr := errors.New("connection refused")

	n := New(Dialers{
		Direct: dialAfter(time.Millisecond, nil, dialErr),
		Relay:  dialAfter(time.Millisecond, nil, authErr),
	}, testNegotiatorConfig(), nil)

	_, err := n.Negotiate(context.Background(), types.NodeID{1},
		resolution(cand(types.KindDirect, "1.2.3.4:1", 300), cand(types.KindRelay, "r:1", 100)))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNegotiationFailed)

	var negErr *NegotiationError
	require.ErrorAs(t, err, &negErr)
	assert.Len(t, negErr.Attempts, 2)
	assert.ErrorIs(t, err, types.ErrAuthFailure)
	assert.ErrorIs(t, err, dialErr)
	// 尝试顺序按优先级：直连在前
	assert.Equal(t, "direct/1.2.3.4:1", negErr.Attempts[0])
}

// ============================================================================
//                              输入校验
// ============================================================================

func TestNegotiateNoCandidates(t *testing.T) {
	n := New(Dialers{}, testNegotiatorConfig(), nil)
	_, err := n.Negotiate(context.Background(), types.NodeID{1}, types.ResolutionResult{})
	assert.ErrorIs(t, err, types.ErrNoCandidates)
}

// 过期候选在启动任何尝试之前整体拒绝
func TestNegotiateStaleCandidates(t *testing.T) {
	dialed := false
	n := New(Dialers{
		Direct: func(context.Context, types.NodeID, types.CandidateAddress) (interfaces.SecureChannel, error) {
			dialed = true
			return nil, errors.New("should not be called")
		},
	}, testNegotiatorConfig(), nil)

	stale := types.CandidateAddress{
		Addr: "1.2.3.4:1", Kind: types.KindDirect,
		ObservedAt: time.Now().Add(-time.Hour), Priority: 300,
	}
	_, err := n.Negotiate(context.Background(), types.NodeID{1}, resolution(stale))
	assert.ErrorIs(t, err, types.ErrStaleCandidate)
	assert.False(t, dialed)
}

// 缺少对应类型拨号函数的候选记入失败原因
func TestNegotiateMissingDialer(t *testing.T) {
	n := New(Dialers{}, testNegotiatorConfig(), nil)
	_, err := n.Negotiate(context.Background(), types.NodeID{1},
		resolution(cand(types.KindPunch, "5.6.7.8:9", 200)))
	require.Error(t, err)

	var negErr *NegotiationError
	require.ErrorAs(t, err, &negErr)
	assert.Contains(t, negErr.Reasons["punch/5.6.7.8:9"].Error(), "no dialer")
}
