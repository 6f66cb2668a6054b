package session

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/types"
)

// ============================================================================
//                              测试通道
// ============================================================================

// testChannel 用 net.Pipe 模拟安全通道
type testChannel struct {
	net.Conn
	once sync.Once
	done chan struct{}
}

var _ interfaces.SecureChannel = (*testChannel)(nil)

func newTestChannel(conn net.Conn) *testChannel {
	return &testChannel{Conn: conn, done: make(chan struct{})}
}

func (c *testChannel) RemotePeer() types.NodeID { return types.NodeID{} }
func (c *testChannel) Kind() types.AddrKind     { return types.KindDirect }
func (c *testChannel) Done() <-chan struct{}    { return c.done }
func (c *testChannel) Err() error               { return nil }

func (c *testChannel) OpenStream(context.Context) (io.ReadWriteCloser, error) {
	return nil, types.ErrNoMultiplex
}

func (c *testChannel) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
	return nil
}

// channelPair 返回一对互联的测试通道
func channelPair() (*testChannel, *testChannel) {
	a, b := net.Pipe()
	return newTestChannel(a), newTestChannel(b)
}

// testConfig 测试用的小间隔配置
func testConfig() Config {
	c := DefaultConfig()
	c.AckInterval = 10 * time.Millisecond
	c.HandshakeTimeout = 2 * time.Second
	return c
}

// connectPair 创建两个引擎并通过一对通道完成首次挂接
func connectPair(t *testing.T, ea, eb *Engine) {
	t.Helper()
	ca, cb := channelPair()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- ea.Attach(ctx, ca) }()

	r, br, err := ReadResume(ctx, cb)
	require.NoError(t, err)
	require.NoError(t, eb.AttachResponder(ctx, cb, br, r))
	require.NoError(t, <-errCh)
}

// attachInitiator 在后台执行发起方挂接，由脚本化对端驱动握手
func attachInitiator(t *testing.T, e *Engine, ch interfaces.SecureChannel) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errCh <- e.Attach(ctx, ch)
	}()
	return errCh
}

// collectData 从脚本化对端读取 DATA 帧直至收满 total 字节
//
// 返回按到达顺序记录的帧起始序号与重组后的字节。
func collectData(t *testing.T, conn net.Conn, br *bufio.Reader, total int) ([]uint64, map[uint64][]byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	defer conn.SetReadDeadline(time.Time{})

	var offsets []uint64
	segs := make(map[uint64][]byte)
	got := 0
	for got < total {
		f, err := readFrame(br)
		require.NoError(t, err)
		if f.Type != frameData {
			continue
		}
		offsets = append(offsets, f.Offset)
		segs[f.Offset] = f.Payload
		got += len(f.Payload)
	}
	return offsets, segs
}

// waitUntil 轮询等待条件成立
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ============================================================================
//                              基本行为
// ============================================================================

func TestEngineEcho(t *testing.T) {
	ea := New(testConfig(), nil)
	eb := NewWithID(ea.SessionID(), testConfig(), nil)
	defer ea.Close()
	defer eb.Close()

	connectPair(t, ea, eb)

	_, err := ea.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := eb.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	// 反向
	_, err = eb.Write([]byte("world"))
	require.NoError(t, err)
	n, err = ea.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
}

func TestEngineCleanCloseEOF(t *testing.T) {
	ea := New(testConfig(), nil)
	eb := NewWithID(ea.SessionID(), testConfig(), nil)
	defer eb.Close()

	connectPair(t, ea, eb)

	_, err := ea.Write([]byte("goodbye"))
	require.NoError(t, err)
	require.NoError(t, ea.Close())

	// 关闭前写入的字节先交付，之后 EOF
	out, err := io.ReadAll(eb)
	require.NoError(t, err)
	assert.Equal(t, "goodbye", string(out))

	select {
	case <-eb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("被动方未随 CLOSE 帧结束")
	}
}

func TestEngineAttachAfterClose(t *testing.T) {
	e := New(testConfig(), nil)
	require.NoError(t, e.Close())

	ca, _ := channelPair()
	err := e.Attach(context.Background(), ca)
	assert.ErrorIs(t, err, types.ErrSessionClosed)
}

func TestEngineWriteBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.BacklogLimit = 64
	cfg.WriteTimeout = 50 * time.Millisecond
	e := New(cfg, nil)
	defer e.Close()

	// 未挂接通道：积压只进不出
	n, err := e.Write(make([]byte, 64))
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	n, err = e.Write([]byte{1})
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, types.ErrBackpressureTimeout)

	// 确认腾出空间后恢复
	e.send.ack(32)
	n, err = e.Write([]byte{1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// ============================================================================
//                              重挂接与重传
// ============================================================================

// 脚本化对端场景：发送 100 字节，对端确认 60，通道断开；
// 重挂接时对端报告 RecvNext=60，引擎必须且只能重传 [60,100)。
func TestEngineRetransmitOnlyUnacked(t *testing.T) {
	e := New(testConfig(), nil)
	defer e.Close()

	conn1, raw1 := net.Pipe()
	ch1 := newTestChannel(conn1)
	br1 := bufio.NewReader(raw1)
	defer raw1.Close()

	errCh := attachInitiator(t, e, ch1)

	// 握手：对端确认同一会话，双方均从 0 开始
	f, err := readFrame(br1)
	require.NoError(t, err)
	require.Equal(t, frameResume, f.Type)
	assert.Equal(t, e.SessionID(), f.Session)
	assert.Equal(t, uint64(0), f.SendNext)
	require.NoError(t, writeFrame(raw1, frame{
		Type: frameResumeAck, Session: e.SessionID(),
	}))
	require.NoError(t, <-errCh)

	payload := seqBytes(0, 100)
	_, err = e.Write(payload)
	require.NoError(t, err)

	_, segs := collectData(t, raw1, br1, 100)
	assert.Equal(t, payload, segs[0])

	// 累计确认 60
	require.NoError(t, writeFrame(raw1, frame{Type: frameAck, Ack: 60}))
	waitUntil(t, func() bool { return e.Stats().BytesAcked == 60 }, "确认未被处理")

	// 通道断开
	_ = raw1.Close()
	select {
	case lost := <-e.Lost():
		assert.ErrorIs(t, lost, types.ErrChannelLost)
	case <-time.After(2 * time.Second):
		t.Fatal("通道丢失未被上报")
	}

	// 重挂接：对端报告已连续收到 60
	conn2, raw2 := net.Pipe()
	ch2 := newTestChannel(conn2)
	br2 := bufio.NewReader(raw2)
	defer raw2.Close()

	errCh = attachInitiator(t, e, ch2)

	f, err = readFrame(br2)
	require.NoError(t, err)
	require.Equal(t, frameResume, f.Type)
	assert.Equal(t, uint64(100), f.SendNext)
	require.NoError(t, writeFrame(raw2, frame{
		Type: frameResumeAck, Session: e.SessionID(), RecvNext: 60,
	}))
	require.NoError(t, <-errCh)

	// 只重传 [60,100)，不含任何更早的序号
	offsets, segs := collectData(t, raw2, br2, 40)
	for _, off := range offsets {
		assert.GreaterOrEqual(t, off, uint64(60))
	}
	assert.Equal(t, seqBytes(60, 100), segs[60])

	stats := e.Stats()
	assert.Equal(t, uint64(40), stats.BytesRetransmitted)
	assert.Equal(t, 1, stats.Reattaches)
}

// 握手返回陌生会话标识时挂接必须失败
func TestEngineAttachSessionMismatch(t *testing.T) {
	e := New(testConfig(), nil)
	defer e.Close()

	conn, raw := net.Pipe()
	ch := newTestChannel(conn)
	br := bufio.NewReader(raw)

	errCh := attachInitiator(t, e, ch)

	f, err := readFrame(br)
	require.NoError(t, err)
	require.Equal(t, frameResume, f.Type)

	wrong := uuid.UUID{0: 0xFF}
	require.NoError(t, writeFrame(raw, frame{
		Type: frameResumeAck, Session: wrong,
	}))

	assert.ErrorIs(t, <-errCh, types.ErrSessionMismatch)
}

// 被动方拒绝会话标识不匹配的 RESUME
func TestEngineResponderSessionMismatch(t *testing.T) {
	ea := New(testConfig(), nil)
	eb := New(testConfig(), nil) // 不同会话
	defer ea.Close()
	defer eb.Close()

	ca, cb := channelPair()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ea.Attach(ctx, ca)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, br, err := ReadResume(ctx, cb)
	require.NoError(t, err)
	assert.ErrorIs(t, eb.AttachResponder(ctx, cb, br, r), types.ErrSessionMismatch)
}

// ============================================================================
//                              跨通道更替的精确一次交付
// ============================================================================

func TestEngineExactlyOnceAcrossChurn(t *testing.T) {
	ea := New(testConfig(), nil)
	eb := NewWithID(ea.SessionID(), testConfig(), nil)
	defer eb.Close()

	connectPair(t, ea, eb)

	payload := make([]byte, 8<<10)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	half := len(payload) / 2

	// 后台持续读取被动方交付的字节
	var mu sync.Mutex
	var got bytes.Buffer
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 4096)
		for {
			n, err := eb.Read(buf)
			if n > 0 {
				mu.Lock()
				got.Write(buf[:n])
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	_, err := ea.Write(payload[:half])
	require.NoError(t, err)

	// 等前半段到达后掐断通道
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.Len() >= half
	}, "前半段未交付")

	ea.mu.Lock()
	active := ea.active
	ea.mu.Unlock()
	require.NotNil(t, active)
	_ = active.Close()

	select {
	case <-ea.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("发起方未感知通道丢失")
	}
	select {
	case <-eb.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("被动方未感知通道丢失")
	}

	// 重挂接并发送后半段
	connectPair(t, ea, eb)
	_, err = ea.Write(payload[half:])
	require.NoError(t, err)

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.Len() >= len(payload)
	}, "后半段未交付")

	require.NoError(t, ea.Close())
	<-readDone

	// 整个流不丢、不重、按序
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, payload, got.Bytes())

	stats := eb.Stats()
	assert.Equal(t, uint64(len(payload)), stats.BytesReceived)
	assert.Equal(t, 1, stats.Reattaches)
}

// 重复与乱序帧经缺口缓冲去重后不会污染交付流
func TestEngineDuplicateFramesSuppressed(t *testing.T) {
	e := New(testConfig(), nil)
	defer e.Close()

	conn, raw := net.Pipe()
	ch := newTestChannel(conn)
	br := bufio.NewReader(raw)
	defer raw.Close()

	errCh := attachInitiator(t, e, ch)
	f, err := readFrame(br)
	require.NoError(t, err)
	require.Equal(t, frameResume, f.Type)
	require.NoError(t, writeFrame(raw, frame{
		Type: frameResumeAck, Session: e.SessionID(),
	}))
	require.NoError(t, <-errCh)

	// 乱序 + 重复注入
	require.NoError(t, writeFrame(raw, frame{Type: frameData, Offset: 5, Payload: seqBytes(5, 10)}))
	require.NoError(t, writeFrame(raw, frame{Type: frameData, Offset: 0, Payload: seqBytes(0, 5)}))
	require.NoError(t, writeFrame(raw, frame{Type: frameData, Offset: 0, Payload: seqBytes(0, 10)}))

	buf := make([]byte, 32)
	n, err := e.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, seqBytes(0, 10), buf[:n])

	// 重复帧被丢弃：没有更多可读字节
	waitUntil(t, func() bool {
		return e.Stats().BytesReceived == 10
	}, "交付字节数不符")
}

// 并发泵交错插入重叠段时交付流仍严格按序
func TestEngineConcurrentSegmentsDeliverInOrder(t *testing.T) {
	for i := 0; i < 500; i++ {
		e := New(testConfig(), nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.handleData(frame{Type: frameData, Offset: 0, Payload: seqBytes(0, 1)})
		}()
		go func() {
			defer wg.Done()
			e.handleData(frame{Type: frameData, Offset: 0, Payload: seqBytes(0, 2)})
		}()
		wg.Wait()

		buf := make([]byte, 4)
		n, err := e.Read(buf)
		require.NoError(t, err)
		if n < 2 {
			m, err := e.Read(buf[n:])
			require.NoError(t, err)
			n += m
		}
		require.Equal(t, seqBytes(0, 2), buf[:n], "交付字节乱序")
		require.NoError(t, e.Close())
	}
}

// gatedReader 在门闩打开前阻塞所有读取
type gatedReader struct {
	gate <-chan struct{}
	r    io.Reader
}

func (g *gatedReader) Read(p []byte) (int, error) {
	<-g.gate
	return g.r.Read(p)
}

// 被替换通道读缓冲里残留的数据帧不得进入会话
func TestEngineStaleChannelFramesDropped(t *testing.T) {
	e := New(testConfig(), nil)
	defer e.Close()

	// 第一条通道：一个 DATA 帧滞留在读缓冲里，门闩打开前不可见
	var pending bytes.Buffer
	require.NoError(t, writeFrame(&pending, frame{
		Type: frameData, Offset: 0, Payload: seqBytes(0, 10),
	}))
	gate := make(chan struct{})
	ch1, _ := channelPair()
	require.NoError(t, e.adopt(ch1, bufio.NewReader(&gatedReader{gate: gate, r: &pending}), 0))

	// 第二条通道替换第一条
	ch2, peer2 := channelPair()
	defer peer2.Close()
	require.NoError(t, e.adopt(ch2, bufio.NewReader(ch2), 0))

	// 放行滞留帧：旧泵读到它时挂接代数已被替换，必须丢弃
	close(gate)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(0), e.Stats().BytesReceived)
	assert.Equal(t, uint64(0), e.recvContiguous())
}

// 持续外发数据时累计确认不得被饿死
func TestEngineAcksDuringSustainedSend(t *testing.T) {
	clk := clock.NewMock()
	cfg := testConfig()
	cfg.ChunkSize = 1024
	e := New(cfg, clk)
	defer e.Close()

	conn, raw := net.Pipe()
	ch := newTestChannel(conn)
	br := bufio.NewReader(raw)
	defer raw.Close()

	errCh := attachInitiator(t, e, ch)
	f, err := readFrame(br)
	require.NoError(t, err)
	require.Equal(t, frameResume, f.Type)
	require.NoError(t, writeFrame(raw, frame{
		Type: frameResumeAck, Session: e.SessionID(),
	}))
	require.NoError(t, <-errCh)

	// 入站数据推动累计确认前沿
	require.NoError(t, writeFrame(raw, frame{Type: frameData, Offset: 0, Payload: seqBytes(0, 10)}))
	waitUntil(t, func() bool { return e.recvContiguous() == 10 }, "入站数据未被吸收")

	// 出站积压 4 个分片，写泵持续外发
	_, err = e.Write(make([]byte, 4*cfg.ChunkSize))
	require.NoError(t, err)

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(2*time.Second)))
	f, err = readFrame(br)
	require.NoError(t, err)
	require.Equal(t, frameData, f.Type)

	// 拨快时钟触发确认节拍；此时发送缓冲远未排空
	clk.Add(cfg.AckInterval)

	sawAck := false
	for dataFrames := 1; dataFrames < 4; {
		f, err := readFrame(br)
		require.NoError(t, err)
		switch f.Type {
		case frameData:
			dataFrames++
		case frameAck:
			sawAck = true
			assert.Equal(t, uint64(10), f.Ack)
		}
	}
	assert.True(t, sawAck, "持续外发期间未回送确认")
}
