// Package metrics collects run statistics for the daemon: Prometheus
// counters per job plus a point-in-time system snapshot (CPU, memory,
// scratch disk) used by the heartbeat log and the doctor command.
//
// All collectors live on a private registry so tests and embedding callers
// never fight over the global default registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/multierr"
)

// Recorder tracks job run outcomes. Create instances with NewRecorder.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	running     prometheus.Gauge
}

// NewRecorder builds a Recorder with its own registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backuprs_job_runs_total",
			Help: "Completed job runs by job and result.",
		}, []string{"job", "result"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backuprs_job_duration_seconds",
			Help:    "Wall-clock duration of job runs.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"job"}),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backuprs_job_last_success_timestamp_seconds",
			Help: "Unix timestamp of the job's last successful run.",
		}, []string{"job"}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backuprs_jobs_running",
			Help: "Number of job runs currently executing.",
		}),
	}
}

// RunStarted marks a job run as in flight.
func (r *Recorder) RunStarted(job string) {
	r.running.Inc()
}

// RunFinished records a completed run.
func (r *Recorder) RunFinished(job string, failed bool, duration time.Duration, endedAt time.Time) {
	r.running.Dec()
	result := "success"
	if failed {
		result = "failure"
	}
	r.runsTotal.WithLabelValues(job, result).Inc()
	r.runDuration.WithLabelValues(job).Observe(duration.Seconds())
	if !failed {
		r.lastSuccess.WithLabelValues(job).Set(float64(endedAt.Unix()))
	}
}

// Handler exposes the recorder's registry in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// SystemSnapshot is a point-in-time view of host load.
type SystemSnapshot struct {
	CPUPercent        float64
	MemoryUsedPercent float64
	ScratchFreeBytes  uint64
}

// System gathers a snapshot. Collection is best-effort: available fields
// are filled even when one probe fails, and all probe errors come back
// aggregated.
func System(ctx context.Context, scratchDir string) (SystemSnapshot, error) {
	var snap SystemSnapshot
	var errs error

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = multierr.Append(errs, err)
	} else if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		snap.MemoryUsedPercent = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, scratchDir); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		snap.ScratchFreeBytes = du.Free
	}

	return snap, errs
}
