package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 表单指标
	SubmissionsTotal *prometheus.CounterVec
	AttachmentsTotal *prometheus.CounterVec
	AttachmentSize   prometheus.Histogram

	// 队列与 worker 指标
	JobsProcessed    *prometheus.CounterVec
	JobDuration      prometheus.Histogram
	QueueDepth       *prometheus.GaugeVec
	DispatchDeferred prometheus.Counter
	WorkerPoolActive prometheus.Gauge
	WorkerPoolQueued prometheus.Gauge

	// 扫描与投递
	ScansTotal    *prometheus.CounterVec
	ScanDuration  prometheus.Histogram
	MailSendTotal *prometheus.CounterVec

	// 工单
	TicketRequests *prometheus.CounterVec

	// 错误指标
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 创建监控指标，注册到独立的 registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formrelay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		SubmissionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formrelay_submissions_total",
				Help: "Form submissions by form and intake outcome",
			},
			[]string{"form", "outcome"},
		),

		AttachmentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formrelay_attachments_total",
				Help: "Attachments by verdict (staged, rejected reason, attached, blocked)",
			},
			[]string{"verdict"},
		),

		AttachmentSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "formrelay_attachment_size_bytes",
				Help:    "Size of staged attachments",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 9),
			},
		),

		JobsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formrelay_jobs_processed_total",
				Help: "Jobs processed by the worker, by form and outcome",
			},
			[]string{"form", "outcome"},
		),

		JobDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "formrelay_job_duration_seconds",
				Help:    "Time from claim to completion of a job",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),

		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "formrelay_queue_jobs",
				Help: "Jobs currently in each queue directory",
			},
			[]string{"state"},
		),

		DispatchDeferred: f.NewCounter(
			prometheus.CounterOpts{
				Name: "formrelay_dispatch_deferred_total",
				Help: "Dispatches deferred to the sweep because the worker pool was full",
			},
		),

		WorkerPoolActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "formrelay_worker_pool_active",
				Help: "Tasks currently running in the worker pool",
			},
		),

		WorkerPoolQueued: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "formrelay_worker_pool_queued",
				Help: "Tasks waiting in the worker pool queue",
			},
		),

		ScansTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formrelay_scans_total",
				Help: "Malware scans by engine and status",
			},
			[]string{"engine", "status"},
		),

		ScanDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "formrelay_scan_duration_seconds",
				Help:    "Malware scan duration including lock wait",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),

		MailSendTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formrelay_mail_send_total",
				Help: "Relay send attempts by result",
			},
			[]string{"result"},
		),

		TicketRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formrelay_ticket_requests_total",
				Help: "Ticket operations by operation and result",
			},
			[]string{"operation", "result"},
		),

		PanicsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "formrelay_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		RateLimitBlocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formrelay_rate_limit_blocks_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),
	}
}

// Registry 返回指标 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSubmission 记录表单入口结果
func (m *Metrics) RecordSubmission(form, outcome string) {
	m.SubmissionsTotal.WithLabelValues(form, outcome).Inc()
}

// RecordAttachment 记录附件判定
func (m *Metrics) RecordAttachment(verdict string) {
	m.AttachmentsTotal.WithLabelValues(verdict).Inc()
}

// RecordAttachmentSize 记录附件大小
func (m *Metrics) RecordAttachmentSize(size int64) {
	m.AttachmentSize.Observe(float64(size))
}

// RecordJob 记录 job 处理结果
func (m *Metrics) RecordJob(form, outcome string, duration time.Duration) {
	m.JobsProcessed.WithLabelValues(form, outcome).Inc()
	m.JobDuration.Observe(duration.Seconds())
}

// RecordScan 记录一次扫描
func (m *Metrics) RecordScan(engine, status string, duration time.Duration) {
	if engine == "" {
		engine = "none"
	}
	m.ScansTotal.WithLabelValues(engine, status).Inc()
	m.ScanDuration.Observe(duration.Seconds())
}

// RecordMailSend 记录一次投递尝试
func (m *Metrics) RecordMailSend(result string) {
	m.MailSendTotal.WithLabelValues(result).Inc()
}

// RecordTicketRequest 记录工单操作
func (m *Metrics) RecordTicketRequest(operation, result string) {
	m.TicketRequests.WithLabelValues(operation, result).Inc()
}

// RecordDispatchDeferred 记录 worker pool 满时的延迟派发
func (m *Metrics) RecordDispatchDeferred() {
	m.DispatchDeferred.Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(endpoint string) {
	m.RateLimitBlocks.WithLabelValues(endpoint).Inc()
}

// UpdateQueueDepth 更新队列深度
func (m *Metrics) UpdateQueueDepth(pending, processing, dead int) {
	m.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	m.QueueDepth.WithLabelValues("processing").Set(float64(processing))
	m.QueueDepth.WithLabelValues("dead").Set(float64(dead))
}

// UpdateWorkerPool 更新 worker pool 状态
func (m *Metrics) UpdateWorkerPool(active, queued int) {
	m.WorkerPoolActive.Set(float64(active))
	m.WorkerPoolQueued.Set(float64(queued))
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
