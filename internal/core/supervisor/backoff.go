package supervisor

import (
	"math/rand"
	"time"
)

// backoff 指数退避计算
//
// 第 attempt 次重试（从 0 起）的等待时间：
//
//	initial * multiplier^attempt，封顶 max，叠加 ±jitter 比例的随机抖动
//
// 抖动避免多个会话在同一时刻同时重连。
type backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
}

// delay 返回第 attempt 次重试前的等待时间
func (b backoff) delay(attempt int) time.Duration {
	d := float64(b.initial)
	for i := 0; i < attempt; i++ {
		d *= b.multiplier
		if d >= float64(b.max) {
			d = float64(b.max)
			break
		}
	}
	if b.jitter > 0 {
		d += d * b.jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
