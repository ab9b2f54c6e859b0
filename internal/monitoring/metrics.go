package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 转发指标
	EmailsForwarded prometheus.Counter
	EmailsReplied   prometheus.Counter
	EmailsDropped   *prometheus.CounterVec // 按 reason 维度
	EmailsBlocked   *prometheus.CounterVec

	// 地址解析指标
	ResolverMisses *prometheus.CounterVec // email_for_unknown_address 等
	MasksCreated   prometheus.Counter

	// 退信与投诉指标
	BouncesReceived    *prometheus.CounterVec // 按 bounce_type 维度
	ComplaintsReceived prometheus.Counter

	// 队列指标
	QueueLoadDuration      prometheus.Histogram
	MessageProcessDuration prometheus.Histogram
	QueueBacklog           *prometheus.GaugeVec // visible/delayed/not_visible

	// 跟踪器指标
	TrackersRemoved prometheus.Counter

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 系统指标
	SystemUptime        prometheus.Gauge
	DatabaseConnections prometheus.Gauge
	RedisConnections    prometheus.Gauge
}

// NewMetrics 创建监控指标并注册到默认注册表
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry 创建监控指标并注册到指定注册表，测试中用独立注册表避免冲突
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// HTTP 请求指标
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		// 转发指标
		EmailsForwarded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_emails_forwarded_total",
				Help: "Total number of emails forwarded to users",
			},
		),

		EmailsReplied: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_emails_replied_total",
				Help: "Total number of replies relayed back to senders",
			},
		),

		EmailsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_emails_dropped_total",
				Help: "Total number of emails dropped, by reason",
			},
			[]string{"reason"},
		),

		EmailsBlocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_emails_blocked_total",
				Help: "Total number of emails blocked by mask settings",
			},
			[]string{"reason"},
		),

		// 地址解析指标
		ResolverMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_resolver_misses_total",
				Help: "Total number of recipient addresses that resolved to no mask",
			},
			[]string{"kind"},
		),

		MasksCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_masks_created_total",
				Help: "Total number of masks auto-created on delivery",
			},
		),

		// 退信与投诉指标
		BouncesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_bounces_received_total",
				Help: "Total number of bounce notifications processed",
			},
			[]string{"bounce_type"},
		),

		ComplaintsReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_complaints_received_total",
				Help: "Total number of complaint notifications processed",
			},
		),

		// 队列指标
		QueueLoadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_queue_load_duration_seconds",
				Help:    "Time spent polling the inbound queue",
				Buckets: prometheus.DefBuckets,
			},
		),

		MessageProcessDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_message_process_duration_seconds",
				Help:    "Time spent processing one queue message",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),

		QueueBacklog: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_queue_backlog",
				Help: "Approximate inbound queue depth",
			},
			[]string{"state"},
		),

		// 跟踪器指标
		TrackersRemoved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_trackers_removed_total",
				Help: "Total number of tracker links rewritten in forwarded mail",
			},
		),

		// 错误指标
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_panics_total",
				Help: "Total number of panics",
			},
		),

		// 系统指标
		SystemUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_system_uptime_seconds",
				Help: "System uptime in seconds",
			},
		),

		DatabaseConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_database_connections",
				Help: "Number of database connections",
			},
		),

		RedisConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_redis_connections",
				Help: "Number of Redis connections",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordForwarded 记录成功转发
func (m *Metrics) RecordForwarded() {
	m.EmailsForwarded.Inc()
}

// RecordReplied 记录成功回信
func (m *Metrics) RecordReplied() {
	m.EmailsReplied.Inc()
}

// RecordDropped 记录按策略丢弃
func (m *Metrics) RecordDropped(reason string) {
	m.EmailsDropped.WithLabelValues(reason).Inc()
}

// RecordBlocked 记录掩码设置拦截
func (m *Metrics) RecordBlocked(reason string) {
	m.EmailsBlocked.WithLabelValues(reason).Inc()
}

// RecordResolverMiss 记录地址解析未命中
func (m *Metrics) RecordResolverMiss(kind string) {
	m.ResolverMisses.WithLabelValues(kind).Inc()
}

// RecordMaskCreated 记录投递时自动建掩码
func (m *Metrics) RecordMaskCreated() {
	m.MasksCreated.Inc()
}

// RecordBounce 记录退信通知
func (m *Metrics) RecordBounce(bounceType string) {
	m.BouncesReceived.WithLabelValues(bounceType).Inc()
}

// RecordComplaint 记录投诉通知
func (m *Metrics) RecordComplaint() {
	m.ComplaintsReceived.Inc()
}

// RecordQueueLoad 记录一次队列拉取耗时
func (m *Metrics) RecordQueueLoad(duration time.Duration) {
	m.QueueLoadDuration.Observe(duration.Seconds())
}

// RecordMessageProcess 记录单条消息处理耗时
func (m *Metrics) RecordMessageProcess(duration time.Duration) {
	m.MessageProcessDuration.Observe(duration.Seconds())
}

// UpdateQueueBacklog 更新队列积压量
func (m *Metrics) UpdateQueueBacklog(visible, delayed, notVisible int) {
	m.QueueBacklog.WithLabelValues("visible").Set(float64(visible))
	m.QueueBacklog.WithLabelValues("delayed").Set(float64(delayed))
	m.QueueBacklog.WithLabelValues("not_visible").Set(float64(notVisible))
}

// RecordTrackersRemoved 记录被改写的跟踪器链接数
func (m *Metrics) RecordTrackersRemoved(count int) {
	m.TrackersRemoved.Add(float64(count))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// UpdateSystemUptime 更新系统运行时间
func (m *Metrics) UpdateSystemUptime(uptime time.Duration) {
	m.SystemUptime.Set(uptime.Seconds())
}

// UpdateDatabaseConnections 更新数据库连接数
func (m *Metrics) UpdateDatabaseConnections(count int) {
	m.DatabaseConnections.Set(float64(count))
}

// UpdateRedisConnections 更新 Redis 连接数
func (m *Metrics) UpdateRedisConnections(count int) {
	m.RedisConnections.Set(float64(count))
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
