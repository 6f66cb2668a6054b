// Package session 实现会话连续性引擎
//
// 引擎让 shell 协作方在通道不断更替的情况下，始终看到每个方向上
// 一条连续、按序、不丢不重的字节流：
//   - 发送侧：字节按单调递增序号缓冲，收到累计确认前绝不丢弃；
//     重连后从最旧的未确认序号起重传。
//   - 接收侧：乱序/重复段进入缺口缓冲，只交付从期望序号起的
//     最长连续前缀，并周期性回送累计确认。
//   - 重挂接：新通道先交换 {已发送序号, 已连续接收序号} 再恢复
//     数据流，弥合断档期间丢失的确认。
//
// 会话状态（SessionState）只由本引擎持有和修改；引擎跨越多个
// SecureChannel 存活，同一时刻至多挂接一个通道。
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dep2p/go-p2shell/pkg/interfaces"
	"github.com/dep2p/go-p2shell/pkg/lib/log"
	"github.com/dep2p/go-p2shell/pkg/types"
)

var logger = log.Logger("core/session")

// ============================================================================
//                              配置
// ============================================================================

// Config 会话引擎配置
type Config struct {
	// BacklogLimit 未确认字节积压上限（字节）
	//
	// 达到上限后 Write 阻塞（背压），直到确认腾出空间。
	BacklogLimit int

	// WriteTimeout 背压阻塞的最长时间；0 表示无限等待
	//
	// 超时后 Write 返回已写入字节数和 ErrBackpressureTimeout，
	// 对会话非致命。
	WriteTimeout time.Duration

	// AckInterval 累计确认的发送间隔
	AckInterval time.Duration

	// ChunkSize 单个 DATA 帧的最大载荷
	ChunkSize int

	// HandshakeTimeout 重挂接握手超时
	HandshakeTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		BacklogLimit:     1 << 20,
		WriteTimeout:     0,
		AckInterval:      100 * time.Millisecond,
		ChunkSize:        16 << 10,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Validate 验证并修正配置
func (c *Config) Validate() {
	if c.BacklogLimit <= 0 {
		c.BacklogLimit = 1 << 20
	}
	if c.AckInterval <= 0 {
		c.AckInterval = 100 * time.Millisecond
	}
	if c.ChunkSize <= 0 || c.ChunkSize > maxFramePayload {
		c.ChunkSize = 16 << 10
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// ============================================================================
//                              Engine 实现
// ============================================================================

// Engine 会话连续性引擎
//
// 实现 io.ReadWriteCloser，即暴露给 shell 协作方的稳定字节流。
type Engine struct {
	config Config
	clock  clock.Clock
	id     uuid.UUID

	send      *sendBuffer
	delivered *recvQueue

	// recvMu 保护 gaps
	recvMu sync.Mutex
	gaps   *gapBuffer

	// wmu 串行化当前通道上的所有帧写出（帧不交错）
	wmu sync.Mutex

	// mu 保护以下挂接与关闭状态
	mu        sync.Mutex
	active    interfaces.SecureChannel
	stop      chan struct{} // 当前挂接的停止信号
	gen       int           // 挂接代数：旧通道的泵据此失效
	attaches  int
	highWater uint64 // 曾经发出过的最大序号（重传统计用）
	closed    bool
	closeErr  error
	stats     types.SessionStats

	dataCh chan struct{}
	pongCh chan struct{}
	lostCh chan error
	done   chan struct{}
}

// New 创建发起方引擎（生成新的会话标识）
func New(config Config, clk clock.Clock) *Engine {
	return NewWithID(uuid.New(), config, clk)
}

// NewWithID 以给定会话标识创建引擎（被动方重建已知会话时使用）
func NewWithID(id uuid.UUID, config Config, clk clock.Clock) *Engine {
	config.Validate()
	if clk == nil {
		clk = clock.New()
	}

	e := &Engine{
		config:    config,
		clock:     clk,
		id:        id,
		delivered: newRecvQueue(),
		gaps:      newGapBuffer(),
		dataCh:    make(chan struct{}, 1),
		pongCh:    make(chan struct{}, 1),
		lostCh:    make(chan error, 1),
		done:      make(chan struct{}),
	}
	e.send = newSendBuffer(config.BacklogLimit, func() {
		select {
		case e.dataCh <- struct{}{}:
		default:
		}
	})
	return e
}

// SessionID 返回会话标识
func (e *Engine) SessionID() uuid.UUID {
	return e.id
}

// Lost 返回通道丢失通知通道
//
// 当前通道失效且会话尚未关闭时收到一条 ErrChannelLost（带原因）。
// 监督器据此触发重连。
func (e *Engine) Lost() <-chan error {
	return e.lostCh
}

// Done 会话结束（干净关闭或终态失败）时关闭
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Stats 返回统计快照
func (e *Engine) Stats() types.SessionStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.BytesAcked = e.send.baseOffset()
	return s
}

// ============================================================================
//                              字节流接口
// ============================================================================

// Write 写入应用字节（可能因背压阻塞）
func (e *Engine) Write(p []byte) (int, error) {
	n, err := e.send.append(p, e.config.WriteTimeout, e.clock)
	if n > 0 {
		e.mu.Lock()
		e.stats.BytesSent += uint64(n)
		e.mu.Unlock()
	}
	return n, err
}

// Read 读取对端按序交付的字节（阻塞直到有数据或会话结束）
func (e *Engine) Read(p []byte) (int, error) {
	return e.delivered.Read(p)
}

// Close 干净关闭会话
//
// 尽力把 CLOSE 帧发给对端；调用方后续 Read 在排空缓冲后返回 EOF。
func (e *Engine) Close() error {
	e.shutdown(nil, closeReasonNormal, true)
	return nil
}

// Fail 以终态错误结束会话（监督器在重试预算耗尽时调用）
func (e *Engine) Fail(err error) {
	e.shutdown(err, closeReasonError, true)
}

// ============================================================================
//                              通道挂接
// ============================================================================

// Attach 发起方挂接新通道
//
// 先执行重挂接握手（交换 RESUME / RESUMEACK），校验会话标识，
// 再根据对端的已接收序号收敛重传边界，然后启动数据泵。
// 旧通道（若有）在新通道承载数据之前关闭。
func (e *Engine) Attach(ctx context.Context, ch interfaces.SecureChannel) error {
	if e.isClosed() {
		_ = ch.Close()
		return types.ErrSessionClosed
	}

	br := bufio.NewReader(ch)

	e.wmu.Lock()
	err := writeFrame(ch, frame{
		Type:     frameResume,
		Session:  e.id,
		SendNext: e.send.nextOffset(),
		RecvNext: e.recvContiguous(),
	})
	e.wmu.Unlock()
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("send resume: %w", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, e.config.HandshakeTimeout)
	defer cancel()
	f, err := readFrameCtx(hsCtx, br)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("read resume ack: %w", err)
	}
	if f.Type != frameResumeAck {
		_ = ch.Close()
		return fmt.Errorf("unexpected frame %d in resume handshake", f.Type)
	}
	if f.Session != e.id {
		_ = ch.Close()
		return fmt.Errorf("%w: expected %s, got %s",
			types.ErrSessionMismatch, e.id, f.Session)
	}

	return e.adopt(ch, br, f.RecvNext)
}

// Resume 入站通道上的重挂接握手请求
type Resume struct {
	Session  uuid.UUID
	SendNext uint64
	RecvNext uint64
}

// ReadResume 读取入站通道上的首个 RESUME 帧
//
// 被动方的监听器用它获取会话标识，以便在会话注册表中查找或
// 创建对应的引擎。返回的 Reader 必须原样传给 AttachResponder
// （其中可能已缓冲后续帧的字节）。
func ReadResume(ctx context.Context, ch io.Reader) (Resume, *bufio.Reader, error) {
	br := bufio.NewReader(ch)
	f, err := readFrameCtx(ctx, br)
	if err != nil {
		return Resume{}, nil, fmt.Errorf("read resume: %w", err)
	}
	if f.Type != frameResume {
		return Resume{}, nil, fmt.Errorf("unexpected frame %d, want resume", f.Type)
	}
	return Resume{Session: f.Session, SendNext: f.SendNext, RecvNext: f.RecvNext}, br, nil
}

// AttachResponder 被动方挂接入站通道
//
// 监听器已通过 ReadResume 读取对端的握手请求；此处写回
// RESUMEACK 并启动数据泵。
func (e *Engine) AttachResponder(ctx context.Context, ch interfaces.SecureChannel, br *bufio.Reader, r Resume) error {
	if e.isClosed() {
		_ = ch.Close()
		return types.ErrSessionClosed
	}
	if r.Session != e.id {
		_ = ch.Close()
		return fmt.Errorf("%w: expected %s, got %s",
			types.ErrSessionMismatch, e.id, r.Session)
	}

	e.wmu.Lock()
	err := writeFrame(ch, frame{
		Type:     frameResumeAck,
		Session:  e.id,
		SendNext: e.send.nextOffset(),
		RecvNext: e.recvContiguous(),
	})
	e.wmu.Unlock()
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("send resume ack: %w", err)
	}

	return e.adopt(ch, br, r.RecvNext)
}

// adopt 完成挂接：替换活动通道并启动数据泵
//
// 不变式：同一时刻至多一个活动通道；被替换的通道先关闭，
// 之后会话数据才会路由到后继通道。
func (e *Engine) adopt(ch interfaces.SecureChannel, br *bufio.Reader, peerRecv uint64) error {
	// 第一步：摘下旧通道
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = ch.Close()
		return types.ErrSessionClosed
	}
	old := e.active
	oldStop := e.stop
	e.active = nil
	e.stop = nil
	e.gen++
	e.mu.Unlock()

	if oldStop != nil {
		close(oldStop)
	}
	if old != nil {
		_ = old.Close()
	}

	// 第二步：对端已收到但确认丢失的字节无需重传
	e.send.ack(peerRecv)

	// 第三步：挂上新通道并启动泵
	e.mu.Lock()
	e.gen++
	gen := e.gen
	stop := make(chan struct{})
	e.active = ch
	e.stop = stop
	e.attaches++
	if e.attaches > 1 {
		e.stats.Reattaches++
	}
	e.mu.Unlock()

	start := e.send.baseOffset()
	ackStart := e.recvContiguous()

	logger.Debug("通道已挂接",
		"session", e.id.String()[:8],
		"kind", ch.Kind().String(),
		"retransmitFrom", start,
		"peerRecv", peerRecv)

	go e.readLoop(ch, br, gen)
	go e.writeLoop(ch, stop, gen, start, ackStart)
	go e.watchChannel(ch, gen)
	return nil
}

// ============================================================================
//                              数据泵
// ============================================================================

// readLoop 读取并分发对端帧
//
// 每帧处理前校验挂接代数：通道被替换后，其缓冲区里残留的帧
// 一律丢弃，陈旧通道的数据不会进入会话。
func (e *Engine) readLoop(ch interfaces.SecureChannel, br *bufio.Reader, gen int) {
	for {
		f, err := readFrame(br)
		if err != nil {
			e.channelLost(gen, err)
			return
		}
		if e.staleGen(gen) {
			return
		}
		switch f.Type {
		case frameData:
			e.handleData(f)
		case frameAck:
			e.send.ack(f.Ack)
		case framePing:
			select {
			case e.pongCh <- struct{}{}:
			default:
			}
		case framePong:
			// 保活应答，无需处理
		case frameClose:
			var err error
			if f.Reason == closeReasonError {
				err = types.ErrSessionClosed
			}
			e.shutdown(err, closeReasonNormal, false)
			return
		default:
			// RESUME/RESUMEACK 只应出现在握手阶段，忽略
		}
	}
}

// handleData 吸收一段数据并交付新连续的前缀
//
// 插入与交付在同一临界区内完成：交付顺序严格等于缺口缓冲的
// 裁剪顺序，并发泵不会把字节推乱。
func (e *Engine) handleData(f frame) {
	e.recvMu.Lock()
	ready := e.gaps.insert(f.Offset, f.Payload)
	if len(ready) > 0 {
		e.delivered.push(ready)
	}
	e.recvMu.Unlock()

	if len(ready) > 0 {
		e.mu.Lock()
		e.stats.BytesReceived += uint64(len(ready))
		e.mu.Unlock()
	}
}

// writeLoop 发送数据帧与周期性累计确认
//
// 每次挂接独享一个写泵；cursor 为本通道上下一个待发送序号，
// 从重传边界（最旧未确认序号）开始。
func (e *Engine) writeLoop(ch interfaces.SecureChannel, stop chan struct{}, gen int, cursor, lastAck uint64) {
	ticker := e.clock.Ticker(e.config.AckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		default:
		}

		// 优先排空待发送数据
		chunk, off := e.send.snapshotRange(cursor, e.config.ChunkSize)
		if len(chunk) > 0 {
			e.wmu.Lock()
			err := writeFrame(ch, frame{Type: frameData, Offset: off, Payload: chunk})
			e.wmu.Unlock()
			if err != nil {
				e.channelLost(gen, err)
				return
			}
			cursor = off + uint64(len(chunk))
			e.noteSent(off, len(chunk))
			// 持续外发期间确认同样按节拍回送，不等发送侧空闲
			select {
			case <-ticker.C:
				if err := e.flushAck(ch, &lastAck); err != nil {
					e.channelLost(gen, err)
					return
				}
			default:
			}
			continue
		}

		select {
		case <-stop:
			return
		case <-e.dataCh:
		case <-e.pongCh:
			e.wmu.Lock()
			err := writeFrame(ch, frame{Type: framePong})
			e.wmu.Unlock()
			if err != nil {
				e.channelLost(gen, err)
				return
			}
		case <-ticker.C:
			if err := e.flushAck(ch, &lastAck); err != nil {
				e.channelLost(gen, err)
				return
			}
		}
	}
}

// flushAck 在累计确认推进时写出 ACK 帧
func (e *Engine) flushAck(ch interfaces.SecureChannel, lastAck *uint64) error {
	cur := e.recvContiguous()
	if cur <= *lastAck {
		return nil
	}
	e.wmu.Lock()
	err := writeFrame(ch, frame{Type: frameAck, Ack: cur})
	e.wmu.Unlock()
	if err != nil {
		return err
	}
	*lastAck = cur
	return nil
}

// watchChannel 监听通道自身的失效信号（保活超时等）
func (e *Engine) watchChannel(ch interfaces.SecureChannel, gen int) {
	select {
	case <-ch.Done():
		err := ch.Err()
		if err == nil {
			err = types.ErrChannelLost
		}
		e.channelLost(gen, err)
	case <-e.done:
	}
}

// noteSent 更新发送统计；重传区间内的字节计入重传量
func (e *Engine) noteSent(off uint64, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	end := off + uint64(n)
	if end <= e.highWater {
		e.stats.BytesRetransmitted += uint64(n)
	} else {
		if off < e.highWater {
			e.stats.BytesRetransmitted += e.highWater - off
		}
		e.highWater = end
	}
}

// recvContiguous 返回接收侧已连续收到的序号
func (e *Engine) recvContiguous() uint64 {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()
	return e.gaps.contiguous()
}

// ============================================================================
//                              失效与关闭
// ============================================================================

// channelLost 处理当前通道失效
//
// 过期代数（已被替换的通道）的失效信号直接忽略——引擎绝不
// 接收来自陈旧通道的数据或事件。
func (e *Engine) channelLost(gen int, cause error) {
	e.mu.Lock()
	if e.closed || gen != e.gen {
		e.mu.Unlock()
		return
	}
	ch := e.active
	stop := e.stop
	e.active = nil
	e.stop = nil
	e.gen++
	e.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if ch != nil {
		_ = ch.Close()
	}

	logger.Debug("通道丢失", "session", e.id.String()[:8], "cause", cause)

	select {
	case e.lostCh <- fmt.Errorf("%w: %v", types.ErrChannelLost, cause):
	default:
	}
}

// shutdown 结束会话
//
// err 为 nil 表示干净关闭（Read 在排空缓冲后返回 EOF），
// 否则为终态错误（Read/Write 返回该错误）。
func (e *Engine) shutdown(err error, reason byte, sendClose bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.closeErr = err
	ch := e.active
	stop := e.stop
	e.active = nil
	e.stop = nil
	e.gen++
	e.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if ch != nil && sendClose {
		// 尽力排空尚未发出的字节再发 CLOSE；与写泵的重复发送
		// 由对端的缺口缓冲去重，无妨。
		e.mu.Lock()
		cursor := e.highWater
		e.mu.Unlock()
		for {
			chunk, off := e.send.snapshotRange(cursor, e.config.ChunkSize)
			if len(chunk) == 0 {
				break
			}
			e.wmu.Lock()
			err := writeFrame(ch, frame{Type: frameData, Offset: off, Payload: chunk})
			e.wmu.Unlock()
			if err != nil {
				break
			}
			cursor = off + uint64(len(chunk))
		}
		e.wmu.Lock()
		_ = writeFrame(ch, frame{Type: frameClose, Reason: reason})
		e.wmu.Unlock()
	}
	if ch != nil {
		_ = ch.Close()
	}

	e.delivered.close(err)
	e.send.close(err)
	close(e.done)
}

// isClosed 判断会话是否已结束
func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// staleGen 判断挂接代数是否已被替换
func (e *Engine) staleGen(gen int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen != e.gen
}

// ============================================================================
//                              辅助
// ============================================================================

// readFrameCtx 带取消的帧读取
//
// ctx 取消时返回其错误；底层读阻塞的 goroutine 在通道关闭后退出。
func readFrameCtx(ctx context.Context, br *bufio.Reader) (frame, error) {
	type result struct {
		f   frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := readFrame(br)
		ch <- result{f, err}
	}()
	select {
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case r := <-ch:
		return r.f, r.err
	}
}
