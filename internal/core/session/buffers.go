package session

import (
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-p2shell/pkg/types"
)

// ============================================================================
//                              发送缓冲
// ============================================================================

// sendBuffer 发送侧积压缓冲
//
// 保存 [base, base+len(buf)) 区间内所有尚未被对端确认的字节。
// 任何字节在收到覆盖其序号的累计确认之前绝不丢弃；重连后可以
// 从最旧的未确认序号起完整重传。
//
// 积压达到上限时 append 阻塞（背压），由累计确认腾出空间。
type sendBuffer struct {
	mu      sync.Mutex
	notFull *sync.Cond

	// base 第一个未确认字节的序号
	base uint64
	// buf [base, base+len(buf)) 的字节
	buf []byte

	limit  int
	closed bool
	err    error

	// onData 新数据到达时的通知回调（唤醒写泵）
	onData func()
}

func newSendBuffer(limit int, onData func()) *sendBuffer {
	b := &sendBuffer{limit: limit, onData: onData}
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// append 追加待发送字节，积压满时阻塞
//
// timeout > 0 时最多阻塞 timeout；超时返回已写入的字节数和
// ErrBackpressureTimeout（非致命，调用方可稍后重试）。
func (b *sendBuffer) append(p []byte, timeout time.Duration, clk clock.Clock) (int, error) {
	expired := false
	var timer *clock.Timer
	if timeout > 0 {
		timer = clk.AfterFunc(timeout, func() {
			b.mu.Lock()
			expired = true
			b.notFull.Broadcast()
			b.mu.Unlock()
		})
		defer timer.Stop()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for n < len(p) {
		if b.closed {
			return n, b.err
		}
		if space := b.limit - len(b.buf); space > 0 {
			take := len(p) - n
			if take > space {
				take = space
			}
			b.buf = append(b.buf, p[n:n+take]...)
			n += take
			if b.onData != nil {
				b.onData()
			}
			continue
		}
		if expired {
			return n, types.ErrBackpressureTimeout
		}
		b.notFull.Wait()
	}
	return n, nil
}

// ack 处理累计确认：丢弃 cum 之前的字节
func (b *sendBuffer) ack(cum uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cum <= b.base {
		return
	}
	drop := cum - b.base
	if drop > uint64(len(b.buf)) {
		drop = uint64(len(b.buf))
	}
	b.buf = b.buf[drop:]
	b.base += drop
	b.notFull.Broadcast()
}

// baseOffset 返回第一个未确认字节的序号
func (b *sendBuffer) baseOffset() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base
}

// nextOffset 返回下一个新字节将被赋予的序号
func (b *sendBuffer) nextOffset() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base + uint64(len(b.buf))
}

// snapshotRange 取 [from, from+max) 区间内未确认字节的副本
//
// from 小于 base 时从 base 开始（更早的字节已被确认）。
// 返回副本的起始序号；无数据时返回 nil。
func (b *sendBuffer) snapshotRange(from uint64, max int) ([]byte, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if from < b.base {
		from = b.base
	}
	end := b.base + uint64(len(b.buf))
	if from >= end {
		return nil, from
	}
	n := end - from
	if n > uint64(max) {
		n = uint64(max)
	}
	out := make([]byte, n)
	copy(out, b.buf[from-b.base:from-b.base+n])
	return out, from
}

// close 关闭缓冲；err 为 nil 时后续 append 返回 ErrSessionClosed
func (b *sendBuffer) close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if err == nil {
		err = types.ErrSessionClosed
	}
	b.err = err
	b.notFull.Broadcast()
}

// ============================================================================
//                              接收缺口缓冲
// ============================================================================

// gapBuffer 接收侧乱序重组缓冲
//
// 接受任意序号的数据段：重复字节丢弃，乱序段暂存，只把从
// next 开始的最长连续前缀交付出去。
type gapBuffer struct {
	// next 下一个期望交付的序号
	next uint64

	// segs 暂存的乱序段，按起始序号索引
	segs map[uint64][]byte
}

func newGapBuffer() *gapBuffer {
	return &gapBuffer{segs: make(map[uint64][]byte)}
}

// insert 插入一段数据，返回新变为连续、可交付的字节
func (g *gapBuffer) insert(offset uint64, data []byte) []byte {
	end := offset + uint64(len(data))

	// 完全重复：已交付过
	if end <= g.next {
		return nil
	}
	// 部分重复：裁掉已交付前缀
	if offset < g.next {
		data = data[g.next-offset:]
		offset = g.next
	}

	if offset > g.next {
		// 乱序段：暂存（同起点保留较长的一段）
		if prev, ok := g.segs[offset]; ok && len(prev) >= len(data) {
			return nil
		}
		g.segs[offset] = append([]byte(nil), data...)
		return nil
	}

	// offset == next：交付并尝试排空暂存段
	out := append([]byte(nil), data...)
	g.next += uint64(len(data))
	g.drain(&out)
	return out
}

// drain 反复吸收与连续前缀接上的暂存段
func (g *gapBuffer) drain(out *[]byte) {
	for changed := true; changed; {
		changed = false
		for start, seg := range g.segs {
			segEnd := start + uint64(len(seg))
			if segEnd <= g.next {
				// 已被覆盖
				delete(g.segs, start)
				continue
			}
			if start <= g.next {
				*out = append(*out, seg[g.next-start:]...)
				g.next = segEnd
				delete(g.segs, start)
				changed = true
			}
		}
	}
}

// contiguous 返回已连续收到的序号（即累计确认值）
func (g *gapBuffer) contiguous() uint64 {
	return g.next
}

// pendingSegments 返回暂存的乱序段数（诊断用）
func (g *gapBuffer) pendingSegments() int {
	return len(g.segs)
}

// ============================================================================
//                              交付队列
// ============================================================================

// recvQueue 已按序交付、等待调用方 Read 的字节队列
type recvQueue struct {
	mu     sync.Mutex
	avail  *sync.Cond
	buf    []byte
	closed bool
	err    error
}

func newRecvQueue() *recvQueue {
	q := &recvQueue{}
	q.avail = sync.NewCond(&q.mu)
	return q
}

// push 追加已按序的字节
func (q *recvQueue) push(p []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.buf = append(q.buf, p...)
	q.avail.Broadcast()
}

// Read 阻塞读取；关闭后先排空缓冲再返回 EOF 或关闭原因
func (q *recvQueue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.buf) == 0 && !q.closed {
		q.avail.Wait()
	}
	if len(q.buf) == 0 {
		if q.err != nil {
			return 0, q.err
		}
		return 0, io.EOF
	}
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	return n, nil
}

// close 关闭队列；err 为 nil 表示干净关闭（Read 最终返回 EOF）
func (q *recvQueue) close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	q.avail.Broadcast()
}
