// Package metrics 定义 tier 与 proxy 的 prometheus 指标。每个运行单元使用独立的
// Registry，保证同一进程内多个 tier 不会发生重复注册。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "tierhub"

// NewRegistry 创建带有 Go/进程采集器的独立 Registry。
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Tier 汇总单个 tier 的命中、回源与淘汰指标。所有方法对 nil 接收者安全。
type Tier struct {
	hits            prometheus.Counter
	misses          prometheus.Counter
	upstreamFetches prometheus.Counter
	upstreamErrors  *prometheus.CounterVec
	coalesced       prometheus.Counter
}

// NewTier 在 reg 上注册 tier 指标，unit 作为常量标签。
func NewTier(reg prometheus.Registerer, unit string, gauges TierGauges) *Tier {
	labels := prometheus.Labels{"unit": unit}
	m := &Tier{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tier", Name: "hits_total",
			Help: "Local cache hits.", ConstLabels: labels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tier", Name: "misses_total",
			Help: "Local cache misses.", ConstLabels: labels,
		}),
		upstreamFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tier", Name: "upstream_fetches_total",
			Help: "Upstream round trips started after coalescing.", ConstLabels: labels,
		}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tier", Name: "upstream_errors_total",
			Help: "Upstream fetches that failed, by error kind.", ConstLabels: labels,
		}, []string{"kind"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tier", Name: "coalesced_waits_total",
			Help: "Gets that shared another caller's upstream fetch.", ConstLabels: labels,
		}),
	}
	collectorsToRegister := []prometheus.Collector{
		m.hits, m.misses, m.upstreamFetches, m.upstreamErrors, m.coalesced,
	}
	if gauges.Entries != nil {
		collectorsToRegister = append(collectorsToRegister, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tier", Name: "entries",
			Help: "Entries currently stored.", ConstLabels: labels,
		}, gauges.Entries))
	}
	if gauges.Bytes != nil {
		collectorsToRegister = append(collectorsToRegister, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tier", Name: "bytes",
			Help: "Bytes currently stored.", ConstLabels: labels,
		}, gauges.Bytes))
	}
	if gauges.Evictions != nil {
		collectorsToRegister = append(collectorsToRegister, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tier", Name: "evictions_total",
			Help: "Entries evicted by the LRU budget.", ConstLabels: labels,
		}, gauges.Evictions))
	}
	if reg != nil {
		reg.MustRegister(collectorsToRegister...)
	}
	return m
}

// TierGauges 提供从 store 读取实时数值的回调。
type TierGauges struct {
	Entries   func() float64
	Bytes     func() float64
	Evictions func() float64
}

func (m *Tier) Hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *Tier) Miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *Tier) UpstreamFetch() {
	if m != nil {
		m.upstreamFetches.Inc()
	}
}

func (m *Tier) UpstreamError(kind string) {
	if m != nil {
		m.upstreamErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Tier) Coalesced() {
	if m != nil {
		m.coalesced.Inc()
	}
}

// Proxy 记录反向代理的响应结果与耗时。
type Proxy struct {
	responses *prometheus.CounterVec
	duration  prometheus.Histogram
}

// NewProxy 在 reg 上注册 proxy 指标。
func NewProxy(reg prometheus.Registerer, unit string) *Proxy {
	labels := prometheus.Labels{"unit": unit}
	m := &Proxy{
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "proxy", Name: "responses_total",
			Help: "Client responses by terminal state.", ConstLabels: labels,
		}, []string{"state"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "proxy", Name: "request_duration_seconds",
			Help: "Time from request receipt to response.", ConstLabels: labels,
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.responses, m.duration)
	}
	return m
}

// Observe 记录一次请求的终态与耗时（秒）。
func (m *Proxy) Observe(state string, seconds float64) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(state).Inc()
	m.duration.Observe(seconds)
}
