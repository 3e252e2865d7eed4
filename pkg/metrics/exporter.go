package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "conntrack"

// TableSizer 报告表的当前大小与容量
type TableSizer interface {
	Len() int
	Cap() int
}

// Exporter 以 Prometheus 格式导出 Collector 与各跟踪表
type Exporter struct {
	collector *Collector
	tables    map[string]TableSizer
	listen    string
	path      string
	registry  *prometheus.Registry
	server    *http.Server
	logger    zerolog.Logger

	lastPackets uint64
	packetRate  prometheus.Gauge

	totalPackets *prometheus.Desc
	totalBytes   *prometheus.Desc
	dropped      *prometheus.Desc
	malformed    *prometheus.Desc
	icmpType     *prometheus.Desc
	icmpCode     *prometheus.Desc
	zeroWindow   *prometheus.Desc
	smallWindow  *prometheus.Desc
	tableEntries *prometheus.Desc
	tableCap     *prometheus.Desc
}

// NewExporter 创建导出器
func NewExporter(collector *Collector, listen, path string, logger zerolog.Logger) *Exporter {
	if path == "" {
		path = "/metrics"
	}
	e := &Exporter{
		collector: collector,
		tables:    make(map[string]TableSizer),
		listen:    listen,
		path:      path,
		registry:  prometheus.NewRegistry(),
		logger:    logger.With().Str("component", "metrics").Logger(),

		packetRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "packets_per_second",
			Help:      "Packet rate over the last update interval.",
		}),

		totalPackets: prometheus.NewDesc(namespace+"_packets_total", "IPv4 packets seen.", nil, nil),
		totalBytes:   prometheus.NewDesc(namespace+"_bytes_total", "Bytes seen, from the IP total length.", nil, nil),
		dropped:      prometheus.NewDesc(namespace+"_dropped_total", "Packets dropped by a filter rule.", nil, nil),
		malformed:    prometheus.NewDesc(namespace+"_malformed_total", "Packets with a truncated or invalid header.", nil, nil),
		icmpType:     prometheus.NewDesc(namespace+"_icmp_type_total", "ICMP packets by type (types below 16).", []string{"type"}, nil),
		icmpCode:     prometheus.NewDesc(namespace+"_icmp_code_total", "ICMP packets by code.", []string{"code"}, nil),
		zeroWindow:   prometheus.NewDesc(namespace+"_tcp_zero_window_total", "SYN packets advertising a zero window.", nil, nil),
		smallWindow:  prometheus.NewDesc(namespace+"_tcp_small_window_total", "SYN packets advertising a window below 1000.", nil, nil),
		tableEntries: prometheus.NewDesc(namespace+"_table_entries", "Entries in a tracking table.", []string{"table"}, nil),
		tableCap:     prometheus.NewDesc(namespace+"_table_capacity", "Capacity of a tracking table.", []string{"table"}, nil),
	}
	e.registry.MustRegister(e, e.packetRate)

	mux := http.NewServeMux()
	mux.Handle(e.path, e.Handler())
	e.server = &http.Server{
		Addr:              e.listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return e
}

// AddTable 导出一个跟踪表的大小
func (e *Exporter) AddTable(name string, t TableSizer) {
	e.tables[name] = t
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.totalPackets
	ch <- e.totalBytes
	ch <- e.dropped
	ch <- e.malformed
	ch <- e.icmpType
	ch <- e.icmpCode
	ch <- e.zeroWindow
	ch <- e.smallWindow
	ch <- e.tableEntries
	ch <- e.tableCap
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.collector.GetStats()

	ch <- prometheus.MustNewConstMetric(e.totalPackets, prometheus.CounterValue, float64(s.TotalPackets))
	ch <- prometheus.MustNewConstMetric(e.totalBytes, prometheus.CounterValue, float64(s.TotalBytes))
	ch <- prometheus.MustNewConstMetric(e.dropped, prometheus.CounterValue, float64(s.Dropped))
	ch <- prometheus.MustNewConstMetric(e.malformed, prometheus.CounterValue, float64(s.Malformed))
	ch <- prometheus.MustNewConstMetric(e.zeroWindow, prometheus.CounterValue, float64(s.ZeroWindow))
	ch <- prometheus.MustNewConstMetric(e.smallWindow, prometheus.CounterValue, float64(s.SmallWindow))

	for t, v := range s.ICMPTypeCounts {
		if v > 0 {
			ch <- prometheus.MustNewConstMetric(e.icmpType, prometheus.CounterValue, float64(v), strconv.Itoa(t))
		}
	}
	for c, v := range s.ICMPCodeCounts {
		if v > 0 {
			ch <- prometheus.MustNewConstMetric(e.icmpCode, prometheus.CounterValue, float64(v), strconv.Itoa(c))
		}
	}

	for name, t := range e.tables {
		ch <- prometheus.MustNewConstMetric(e.tableEntries, prometheus.GaugeValue, float64(t.Len()), name)
		ch <- prometheus.MustNewConstMetric(e.tableCap, prometheus.GaugeValue, float64(t.Cap()), name)
	}
}

// Handler 返回 metrics HTTP handler
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Start 启动 metrics 服务器, 阻塞直到 Shutdown
func (e *Exporter) Start() error {
	e.logger.Info().Str("listen", e.listen).Str("path", e.path).Msg("metrics server started")
	if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 关闭 metrics 服务器
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}

// StartUpdateLoop 周期性更新包速率并输出摘要日志
func (e *Exporter) StartUpdateLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.update(interval)
		}
	}
}

func (e *Exporter) update(interval time.Duration) {
	s := e.collector.GetStats()
	delta := s.TotalPackets - e.lastPackets
	if s.TotalPackets < e.lastPackets {
		delta = s.TotalPackets // reset in between
	}
	e.lastPackets = s.TotalPackets
	e.packetRate.Set(float64(delta) / interval.Seconds())

	e.logger.Debug().
		Uint64("packets", s.TotalPackets).
		Uint64("dropped", s.Dropped).
		Uint64("malformed", s.Malformed).
		Msg("stats")
}
