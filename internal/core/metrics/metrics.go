// Package metrics 暴露核心组件的运行指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-p2shell/pkg/types"
)

// 协商结果标签值
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics 核心指标集合
type Metrics struct {
	// NegotiationAttempts 按路径类型与结果计数的协商尝试
	NegotiationAttempts *prometheus.CounterVec

	// Reconnections 通道丢失后成功重连的次数
	Reconnections prometheus.Counter

	// RetransmittedBytes 重挂接后重传的字节数
	RetransmittedBytes prometheus.Counter

	// BacklogBytes 当前未确认的发送积压
	BacklogBytes prometheus.Gauge

	// ActiveSessions 当前存活的会话数
	ActiveSessions prometheus.Gauge

	// ChannelsByKind 当前按路径类型统计的活动通道数
	ChannelsByKind *prometheus.GaugeVec
}

// New 创建并注册指标集合
//
// reg 为 nil 时使用默认注册表。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		NegotiationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2shell",
			Subsystem: "negotiator",
			Name:      "attempts_total",
			Help:      "Negotiation attempts by candidate kind and outcome.",
		}, []string{"kind", "outcome"}),
		Reconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p2shell",
			Subsystem: "supervisor",
			Name:      "reconnections_total",
			Help:      "Successful channel reattachments after loss.",
		}),
		RetransmittedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p2shell",
			Subsystem: "session",
			Name:      "retransmitted_bytes_total",
			Help:      "Bytes retransmitted after reattachment.",
		}),
		BacklogBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p2shell",
			Subsystem: "session",
			Name:      "backlog_bytes",
			Help:      "Unacknowledged bytes currently buffered for send.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p2shell",
			Subsystem: "session",
			Name:      "active_sessions",
			Help:      "Number of live sessions.",
		}),
		ChannelsByKind: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "p2shell",
			Subsystem: "channel",
			Name:      "active_by_kind",
			Help:      "Active secure channels by establishment path.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.NegotiationAttempts,
		m.Reconnections,
		m.RetransmittedBytes,
		m.BacklogBytes,
		m.ActiveSessions,
		m.ChannelsByKind,
	)
	return m
}

// ObserveNegotiation 记录一次协商尝试的结果
func (m *Metrics) ObserveNegotiation(kind types.AddrKind, success bool) {
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	m.NegotiationAttempts.WithLabelValues(kind.String(), outcome).Inc()
}

// ObserveNegotiationFailure 记录一次所有候选均失败的协商
func (m *Metrics) ObserveNegotiationFailure() {
	m.NegotiationAttempts.WithLabelValues("all", OutcomeFailure).Inc()
}

// Nop 返回不注册到任何地方的指标集合（测试与禁用场景）
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
