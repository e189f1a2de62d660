package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics 流水线指标
type Metrics struct {
	Registry *prometheus.Registry

	ReadingsTotal    *prometheus.CounterVec // result: normal|warning|critical|rejected|error
	AlertsTotal      *prometheus.CounterVec // severity
	AnchorTotal      *prometheus.CounterVec // result: anchored|failed
	DispatchTotal    *prometheus.CounterVec // result: delivered|failed|no_hospital
	StoreErrorsTotal prometheus.Counter
	AnchorLatency    prometheus.Histogram
	LaneQueueDepth   prometheus.Gauge
}

// New 创建并注册指标（独立 Registry，测试间互不干扰）
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		ReadingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vitals",
			Name:      "readings_total",
			Help:      "Readings processed, by evaluation result.",
		}, []string{"result"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vitals",
			Name:      "alerts_total",
			Help:      "Alerts stored, by severity.",
		}, []string{"severity"}),
		AnchorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vitals",
			Name:      "anchor_total",
			Help:      "Ledger anchoring outcomes.",
		}, []string{"result"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vitals",
			Name:      "dispatch_total",
			Help:      "Hospital notification outcomes.",
		}, []string{"result"}),
		StoreErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vitals",
			Name:      "store_errors_total",
			Help:      "Alerts lost because the store exhausted its retries.",
		}),
		AnchorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vitals",
			Name:      "anchor_duration_seconds",
			Help:      "Time from stored to anchored, including retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		LaneQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vitals",
			Name:      "lane_queue_depth",
			Help:      "Readings queued across all patient lanes.",
		}),
	}

	reg.MustRegister(
		m.ReadingsTotal,
		m.AlertsTotal,
		m.AnchorTotal,
		m.DispatchTotal,
		m.StoreErrorsTotal,
		m.AnchorLatency,
		m.LaneQueueDepth,
	)
	return m
}
