package supervisor

import (
	"context"
	"errors"
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
//                              测试替身
// ============================================================================

type fakeChannel struct {
	kind types.AddrKind
	done chan struct{}
}

func newFakeChannel(kind types.AddrKind) *fakeChannel {
	return &fakeChannel{kind: kind, done: make(chan struct{})}
}

func (c *fakeChannel) Read([]byte) (int, error)    { return 0, io.EOF }
func (c *fakeChannel) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeChannel) Close() error                { return nil }
func (c *fakeChannel) RemotePeer() types.NodeID    { return types.NodeID{} }
func (c *fakeChannel) Kind() types.AddrKind        { return c.kind }
func (c *fakeChannel) Done() <-chan struct{}       { return c.done }
func (c *fakeChannel) Err() error                  { return nil }
func (c *fakeChannel) OpenStream(context.Context) (io.ReadWriteCloser, error) {
	return nil, types.ErrNoMultiplex
}

// fakeSession 记录挂接与终结调用的会话替身
type fakeSession struct {
	mu       sync.Mutex
	attaches int
	failed   error

	lost chan error
	done chan struct{}
	once sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{lost: make(chan error, 1), done: make(chan struct{})}
}

func (s *fakeSession) Attach(_ context.Context, _ interfaces.SecureChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attaches++
	return nil
}

func (s *fakeSession) Lost() <-chan error        { return s.lost }
func (s *fakeSession) Done() <-chan struct{}     { return s.done }
func (s *fakeSession) Stats() types.SessionStats { return types.SessionStats{} }

func (s *fakeSession) Fail(err error) {
	s.mu.Lock()
	s.failed = err
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSession) attachCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attaches
}

// fakeResolver 返回固定结果的解析器替身
type fakeResolver struct {
	mu     sync.Mutex
	result types.ResolutionResult
	err    error
	calls  int
}

func (r *fakeResolver) Resolve(context.Context, types.NodeID, time.Duration) (types.ResolutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.result, r.err
}

func (r *fakeResolver) Subscribe(ctx context.Context, _ types.NodeID) (<-chan types.ResolutionResult, error) {
	out := make(chan types.ResolutionResult)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

// fakeNegotiator 按脚本依次返回结果
type fakeNegotiator struct {
	mu      sync.Mutex
	scripts []func() (interfaces.SecureChannel, error)
	calls   int
}

func (n *fakeNegotiator) Negotiate(context.Context, types.NodeID, types.ResolutionResult) (interfaces.SecureChannel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	script := n.scripts[len(n.scripts)-1]
	if n.calls < len(n.scripts) {
		script = n.scripts[n.calls]
	}
	n.calls++
	return script()
}

func succeed(kind types.AddrKind) func() (interfaces.SecureChannel, error) {
	return func() (interfaces.SecureChannel, error) { return newFakeChannel(kind), nil }
}

func failWith(err error) func() (interfaces.SecureChannel, error) {
	return func() (interfaces.SecureChannel, error) { return nil, err }
}

func testSupConfig() Config {
	return Config{
		RetryBudget:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            0,
		ResolveTimeout:    time.Second,
	}
}

func goodResolution() types.ResolutionResult {
	return types.ResolutionResult{
		Peer: types.NodeID{1},
		Candidates: []types.CandidateAddress{
			{Addr: "1.2.3.4:1", Kind: types.KindDirect, ObservedAt: time.Now(), Priority: 300},
		},
		ResolvedAt: time.Now(),
	}
}

func waitState(t *testing.T, s *Supervisor, want types.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		2*time.Second, 5*time.Millisecond, "期望状态 %s，当前 %s", want, s.State())
}

// ============================================================================
//                              状态机
// ============================================================================

func TestSupervisorConnectLifecycle(t *testing.T) {
	sess := newFakeSession()
	res := &fakeResolver{result: goodResolution()}
	neg := &fakeNegotiator{scripts: []func() (interfaces.SecureChannel, error){
		succeed(types.KindDirect),
	}}

	s := New(types.NodeID{1}, sess, res, neg, testSupConfig(), nil, nil)
	assert.Equal(t, types.StateIdle, s.State())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, types.StateConnected, s.State())
	assert.Equal(t, 1, sess.attachCount())

	// 状态迁移顺序：Resolving → Negotiating → Connected
	var seen []types.SessionState
	for len(seen) < 3 {
		seen = append(seen, <-s.Events())
	}
	assert.Equal(t, []types.SessionState{
		types.StateResolving, types.StateNegotiating, types.StateConnected,
	}, seen)

	require.NoError(t, s.Close())
	waitState(t, s, types.StateClosed)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done 未关闭")
	}
}

// 首次建立失败：Start 返回错误，状态回到 Idle，可重新 Start
func TestSupervisorStartFailure(t *testing.T) {
	sess := newFakeSession()
	res := &fakeResolver{err: types.ErrResolutionNotFound}
	neg := &fakeNegotiator{scripts: []func() (interfaces.SecureChannel, error){
		succeed(types.KindDirect),
	}}

	s := New(types.NodeID{1}, sess, res, neg, testSupConfig(), nil, nil)
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, types.ErrResolutionNotFound)
	assert.Equal(t, types.StateIdle, s.State())

	// 解析恢复后可重新启动
	res.mu.Lock()
	res.err = nil
	res.result = goodResolution()
	res.mu.Unlock()
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, types.StateConnected, s.State())
	_ = s.Close()
}

// 通道丢失触发重连：会话保留，重新挂接后回到 Connected
func TestSupervisorReconnectOnLoss(t *testing.T) {
	sess := newFakeSession()
	res := &fakeResolver{result: goodResolution()}
	neg := &fakeNegotiator{scripts: []func() (interfaces.SecureChannel, error){
		succeed(types.KindDirect),
		failWith(errors.New("dial refused")), // 第一次重试失败
		succeed(types.KindPunch),             // 第二次成功
	}}

	s := New(types.NodeID{1}, sess, res, neg, testSupConfig(), nil, nil)
	require.NoError(t, s.Start(context.Background()))

	sess.lost <- types.ErrChannelLost
	waitState(t, s, types.StateConnected)
	assert.Equal(t, 2, sess.attachCount())
	_ = s.Close()
}

// 重试预算耗尽：终态 Failed，错误链包含预算哨兵与各次原因
func TestSupervisorRetryBudgetExhausted(t *testing.T) {
	sess := newFakeSession()
	res := &fakeResolver{result: goodResolution()}
	dialErr := errors.New("host unreachable")
	neg := &fakeNegotiator{scripts: []func() (interfaces.SecureChannel, error){
		succeed(types.KindDirect),
		failWith(dialErr),
	}}

	s := New(types.NodeID{1}, sess, res, neg, testSupConfig(), nil, nil)
	require.NoError(t, s.Start(context.Background()))

	sess.lost <- types.ErrChannelLost
	waitState(t, s, types.StateFailed)

	err := s.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRetryBudgetExceeded)
	assert.Contains(t, err.Error(), "host unreachable")

	// 会话被终结，终态后 Done 关闭
	sess.mu.Lock()
	assert.ErrorIs(t, sess.failed, types.ErrRetryBudgetExceeded)
	sess.mu.Unlock()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done 未关闭")
	}

	// 1 次初连 + 3 次预算内重试
	neg.mu.Lock()
	assert.Equal(t, 4, neg.calls)
	neg.mu.Unlock()
}

// 重连挂起期间主动 Close：终态保持 Closed，不得被 Failed 覆盖
func TestSupervisorCloseDuringReconnect(t *testing.T) {
	sess := newFakeSession()
	res := &fakeResolver{result: goodResolution()}
	neg := &fakeNegotiator{scripts: []func() (interfaces.SecureChannel, error){
		succeed(types.KindDirect),
	}}

	// 退避拉长到小时级，确保 Close 发生在重连等待期间
	cfg := testSupConfig()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	s := New(types.NodeID{1}, sess, res, neg, cfg, nil, nil)
	require.NoError(t, s.Start(context.Background()))

	sess.lost <- types.ErrChannelLost
	waitState(t, s, types.StateReconnecting)

	require.NoError(t, s.Close())
	waitState(t, s, types.StateClosed)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done 未关闭")
	}
	assert.Equal(t, types.StateClosed, s.State())
	assert.NoError(t, s.Err())
}

// 会话自行结束（对端关闭）：监督循环退出，状态 Closed
func TestSupervisorSessionEnds(t *testing.T) {
	sess := newFakeSession()
	res := &fakeResolver{result: goodResolution()}
	neg := &fakeNegotiator{scripts: []func() (interfaces.SecureChannel, error){
		succeed(types.KindDirect),
	}}

	s := New(types.NodeID{1}, sess, res, neg, testSupConfig(), nil, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, sess.Close())
	waitState(t, s, types.StateClosed)
}

// ============================================================================
//                              退避
// ============================================================================

func TestBackoffGrowth(t *testing.T) {
	b := backoff{initial: 100 * time.Millisecond, max: time.Second, multiplier: 2, jitter: 0}
	assert.Equal(t, 100*time.Millisecond, b.delay(0))
	assert.Equal(t, 200*time.Millisecond, b.delay(1))
	assert.Equal(t, 400*time.Millisecond, b.delay(2))
	assert.Equal(t, time.Second, b.delay(5)) // 封顶
}

func TestBackoffJitterBounds(t *testing.T) {
	b := backoff{initial: 100 * time.Millisecond, max: time.Second, multiplier: 2, jitter: 0.25}
	for i := 0; i < 50; i++ {
		d := b.delay(1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}
