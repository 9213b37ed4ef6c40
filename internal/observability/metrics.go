package observability

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	types "github.com/yungbote/pgcoord/internal/domain"
	"github.com/yungbote/pgcoord/internal/platform/logger"
)

type Metrics struct {
	aggregateLatency   *HistogramVec
	aggregateConflicts *CounterVec
	aggregateRetries   *CounterVec

	jobClaims   *CounterVec
	jobRuns     *CounterVec
	jobDuration *HistogramVec
	queueDepth  *GaugeVec

	opsRequests *CounterVec
	opsLatency  *HistogramVec
}

// Enabled is false only when METRICS_ENABLED is explicitly off.
func Enabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED"))) {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

// Init returns a metrics registry, or nil when metrics are disabled. Every
// method is safe to call on a nil *Metrics.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		if log != nil {
			log.Info("metrics disabled")
		}
		return nil
	}
	return New()
}

func New() *Metrics {
	return &Metrics{
		aggregateLatency: NewHistogramVec(
			"pgc_aggregate_operation_duration_seconds",
			"Aggregate write latency in seconds by operation/status.",
			[]string{"op", "status"},
			nil,
		),
		aggregateConflicts: NewCounterVec("pgc_aggregate_conflicts_total", "Aggregate writes rejected by optimistic or uniqueness conflicts.", []string{"op"}),
		aggregateRetries:   NewCounterVec("pgc_aggregate_retryable_total", "Aggregate writes that failed with a retryable store error.", []string{"op"}),
		jobClaims:          NewCounterVec("pgc_job_claims_total", "Claim attempts by result (claimed/empty/error).", []string{"result"}),
		jobRuns:            NewCounterVec("pgc_job_runs_total", "Finished job attempts by type/outcome.", []string{"job_type", "outcome"}),
		jobDuration: NewHistogramVec(
			"pgc_job_run_duration_seconds",
			"Job attempt duration in seconds by type/outcome.",
			[]string{"job_type", "outcome"},
			[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
		),
		queueDepth:  NewGaugeVec("pgc_job_queue_depth", "Jobs per status, sampled from queue stats.", []string{"status"}),
		opsRequests: NewCounterVec("pgc_ops_http_requests_total", "Ops HTTP requests by method/route/status.", []string{"method", "route", "status"}),
		opsLatency: NewHistogramVec(
			"pgc_ops_http_request_duration_seconds",
			"Ops HTTP latency in seconds by method/route.",
			[]string{"method", "route"},
			nil,
		),
	}
}

func (m *Metrics) collectors() []collector {
	return []collector{
		m.aggregateLatency,
		m.aggregateConflicts,
		m.aggregateRetries,
		m.jobClaims,
		m.jobRuns,
		m.jobDuration,
		m.queueDepth,
		m.opsRequests,
		m.opsLatency,
	}
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, _ *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	for _, c := range m.collectors() {
		if err := c.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAggregateOperation(op, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.aggregateLatency.Observe(dur.Seconds(), op, status)
}

func (m *Metrics) IncAggregateConflict(op string) {
	if m == nil {
		return
	}
	m.aggregateConflicts.Inc(op)
}

func (m *Metrics) IncAggregateRetry(op string) {
	if m == nil {
		return
	}
	m.aggregateRetries.Inc(op)
}

func (m *Metrics) IncClaim(result string) {
	if m == nil {
		return
	}
	m.jobClaims.Inc(result)
}

func (m *Metrics) ObserveJobRun(jobType, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.Inc(jobType, outcome)
	m.jobDuration.Observe(dur.Seconds(), jobType, outcome)
}

func (m *Metrics) ObserveOpsRequest(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.opsRequests.Inc(method, route, status)
	m.opsLatency.Observe(dur.Seconds(), method, route)
}

// SetQueueDepth publishes one stats sample, zeroing statuses absent from it.
func (m *Metrics) SetQueueDepth(stats types.QueueStats) {
	if m == nil {
		return
	}
	for status, n := range stats.ByStatus() {
		m.queueDepth.Set(float64(n), string(status))
	}
}

// StartJobQueueCollector samples queue depth every interval until ctx ends.
func (m *Metrics) StartJobQueueCollector(ctx context.Context, log *logger.Logger, interval time.Duration, stats func(context.Context) (types.QueueStats, error)) {
	if m == nil || stats == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s, err := stats(ctx)
				if err != nil {
					if log != nil && ctx.Err() == nil {
						log.Warn("metrics: job queue stats failed", "error", err)
					}
					continue
				}
				m.SetQueueDepth(s)
			}
		}
	}()
}
