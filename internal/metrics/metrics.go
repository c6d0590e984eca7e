package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 持有服务暴露的 Prometheus 指标。所有 Record 方法对 nil 接收者安全，
// 便于测试和未开启指标时直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	BackoffAttempts *prometheus.CounterVec
	BackoffDelay    *prometheus.HistogramVec

	TurnsTotal   *prometheus.CounterVec
	TurnDuration prometheus.Histogram

	BridgesActive  prometheus.Gauge
	BridgesTotal   *prometheus.CounterVec
	FramesDropped  prometheus.Counter
	LiveAudioBytes *prometheus.CounterVec

	WorkerTasks *prometheus.CounterVec
}

// New 创建并注册全部指标。
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "pitchroom"
	}

	registry := prometheus.NewRegistry()

	backoffAttempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backoff_attempts_total",
			Help:      "Upstream call attempts made through the backoff controller",
		},
		[]string{"operation", "outcome"},
	)

	backoffDelay := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backoff_delay_seconds",
			Help:      "Delay scheduled before retrying a rate-limited call",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"operation"},
	)

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turn-mode requests by outcome",
		},
		[]string{"outcome"},
	)

	turnDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "End-to-end latency of a turn-mode request",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 15, 30, 60},
		},
	)

	bridgesActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_bridges_active",
			Help:      "Number of open realtime bridges",
		},
	)

	bridgesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_bridges_total",
			Help:      "Realtime bridges closed, by final status",
		},
		[]string{"status"},
	)

	framesDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_frames_dropped_total",
			Help:      "Outbound frames dropped because a client could not keep up",
		},
	)

	liveAudioBytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_audio_bytes_total",
			Help:      "Audio bytes relayed by realtime bridges",
		},
		[]string{"direction"},
	)

	workerTasks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_total",
			Help:      "Background tasks by name and outcome",
		},
		[]string{"task", "outcome"},
	)

	registry.MustRegister(
		backoffAttempts,
		backoffDelay,
		turnsTotal,
		turnDuration,
		bridgesActive,
		bridgesTotal,
		framesDropped,
		liveAudioBytes,
		workerTasks,
	)

	return &Metrics{
		registry:        registry,
		BackoffAttempts: backoffAttempts,
		BackoffDelay:    backoffDelay,
		TurnsTotal:      turnsTotal,
		TurnDuration:    turnDuration,
		BridgesActive:   bridgesActive,
		BridgesTotal:    bridgesTotal,
		FramesDropped:   framesDropped,
		LiveAudioBytes:  liveAudioBytes,
		WorkerTasks:     workerTasks,
	}
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAttempt 记录一次上游调用尝试；delay 为本次失败后安排的等待（无重试时为 0）。
func (m *Metrics) RecordAttempt(operation, outcome string, delay time.Duration) {
	if m == nil {
		return
	}
	m.BackoffAttempts.WithLabelValues(operation, outcome).Inc()
	if delay > 0 {
		m.BackoffDelay.WithLabelValues(operation).Observe(delay.Seconds())
	}
}

// RecordTurn 记录一次回合请求的结果与耗时。
func (m *Metrics) RecordTurn(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(duration.Seconds())
}

// RecordBridgeOpen 记录一个流式桥接建立。
func (m *Metrics) RecordBridgeOpen() {
	if m == nil {
		return
	}
	m.BridgesActive.Inc()
}

// RecordBridgeClosed 记录流式桥接关闭。
func (m *Metrics) RecordBridgeClosed(status string) {
	if m == nil {
		return
	}
	m.BridgesActive.Dec()
	m.BridgesTotal.WithLabelValues(status).Inc()
}

// RecordDroppedFrame 记录一次因客户端过慢而丢弃的出站帧。
func (m *Metrics) RecordDroppedFrame() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// RecordLiveAudio 记录转发的音频字节数，direction 为 "inbound" 或 "outbound"。
func (m *Metrics) RecordLiveAudio(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LiveAudioBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordTask 记录后台任务的结果。
func (m *Metrics) RecordTask(task, outcome string) {
	if m == nil {
		return
	}
	m.WorkerTasks.WithLabelValues(task, outcome).Inc()
}
