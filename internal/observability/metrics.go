package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	turnsTotal        *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	retryTotal        *prometheus.CounterVec
	trimTotal         prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	sandboxDeniedTotal    *prometheus.CounterVec

	checkpointTotal     prometheus.Counter
	rollbackMessages    prometheus.Counter
	resumeTotal         *prometheus.CounterVec
	persistWarnings     *prometheus.CounterVec
	storeOpDuration     *prometheus.HistogramVec
	retentionPrunedRows *prometheus.CounterVec

	hookOutcomeTotal *prometheus.CounterVec
	hookErrorsTotal  *prometheus.CounterVec

	providerCooldown *prometheus.GaugeVec
	progressClients  prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{Name: "keel_queue_size", Help: "Current queue size by lane."},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "keel_enqueue_total", Help: "Total enqueue operations by lane."},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "keel_dequeue_total", Help: "Total completed queue tasks by lane and status."},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "keel_task_duration_seconds",
					Help:    "Queued task duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "keel_turns_total", Help: "Total agent turns by outcome."},
				[]string{"outcome"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "keel_run_duration_seconds",
					Help:    "Agent run duration in seconds by stop reason.",
					Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900},
				},
				[]string{"stop_reason"},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "keel_model_call_total", Help: "Total model calls by provider and status."},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "keel_model_call_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			retryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "keel_retry_total", Help: "Total retried attempts by operation kind."},
				[]string{"kind"},
			),
			trimTotal: prometheus.NewCounter(
				prometheus.CounterOpts{Name: "keel_context_trim_total", Help: "Total context trims."},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "keel_tool_execution_total", Help: "Total tool executions by tool and status."},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "keel_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			sandboxDeniedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "keel_sandbox_denied_total", Help: "Total sandbox denials by access kind."},
				[]string{"access"},
			),
			checkpointTotal: prometheus.NewCounter(
				prometheus.CounterOpts{Name: "keel_checkpoint_total", Help: "Total checkpoints written."},
			),
			rollbackMessages: prometheus.NewCounter(
				prometheus.CounterOpts{Name: "keel_rollback_messages_total", Help: "Total messages removed by resume rollback."},
			),
			resumeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "keel_resume_total", Help: "Total session resumes by mode."},
				[]string{"mode"},
			),
			persistWarnings: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "keel_persist_warnings_total", Help: "Total persistence failures downgraded to warnings."},
				[]string{"kind"},
			),
			storeOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "keel_store_op_duration_seconds",
					Help:    "Store operation duration in seconds by operation.",
					Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
				},
				[]string{"op"},
			),
			retentionPrunedRows: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "keel_retention_pruned_rows_total", Help: "Total rows removed by retention by table."},
				[]string{"table"},
			),
			hookOutcomeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "keel_hook_outcome_total", Help: "Total resolved hook outcomes by event and kind."},
				[]string{"event", "outcome"},
			),
			hookErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "keel_hook_errors_total", Help: "Total hook failures by hook."},
				[]string{"hook"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{Name: "keel_provider_cooldown_active", Help: "Provider cooldown active state (1 active, 0 inactive)."},
				[]string{"provider"},
			),
			progressClients: prometheus.NewGauge(
				prometheus.GaugeOpts{Name: "keel_progress_clients", Help: "Connected progress stream clients."},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.turnsTotal,
			m.runDuration,
			m.modelCallTotal,
			m.modelCallDuration,
			m.retryTotal,
			m.trimTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.sandboxDeniedTotal,
			m.checkpointTotal,
			m.rollbackMessages,
			m.resumeTotal,
			m.persistWarnings,
			m.storeOpDuration,
			m.retentionPrunedRows,
			m.hookOutcomeTotal,
			m.hookErrorsTotal,
			m.providerCooldown,
			m.progressClients,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, status(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordTurn counts a finished turn. outcome is "tool_calls", "final" or "error".
func RecordTurn(outcome string) {
	getMetrics().turnsTotal.WithLabelValues(outcome).Inc()
}

func RecordRun(stopReason string, duration time.Duration) {
	getMetrics().runDuration.WithLabelValues(stopReason).Observe(duration.Seconds())
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, status(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordRetry counts a failed attempt that will be retried. kind is "model" or "tool".
func RecordRetry(kind string) {
	getMetrics().retryTotal.WithLabelValues(kind).Inc()
}

func RecordContextTrim() {
	getMetrics().trimTotal.Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordSandboxDenied(access string) {
	getMetrics().sandboxDeniedTotal.WithLabelValues(access).Inc()
}

func RecordCheckpoint() {
	getMetrics().checkpointTotal.Inc()
}

func RecordRollback(removed int64) {
	getMetrics().rollbackMessages.Add(float64(removed))
}

// RecordResume counts a resume. mode is "checkpoint" or "legacy".
func RecordResume(mode string) {
	getMetrics().resumeTotal.WithLabelValues(mode).Inc()
}

// RecordPersistWarning counts a store write that failed without aborting the turn.
func RecordPersistWarning(kind string) {
	getMetrics().persistWarnings.WithLabelValues(kind).Inc()
}

func RecordStoreOp(op string, duration time.Duration) {
	getMetrics().storeOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordRetentionPruned(table string, rows int64) {
	getMetrics().retentionPrunedRows.WithLabelValues(table).Add(float64(rows))
}

func RecordHookOutcome(event, outcome string) {
	getMetrics().hookOutcomeTotal.WithLabelValues(event, outcome).Inc()
}

func RecordHookError(hook string) {
	getMetrics().hookErrorsTotal.WithLabelValues(hook).Inc()
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func SetProgressClients(count int) {
	getMetrics().progressClients.Set(float64(count))
}
