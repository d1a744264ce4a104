// Package metrics exposes prometheus counters for dispatcher activity.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricsNamespace = "testfleet"
)

var (
	nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

	workersSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "workers_spawned_total",
		Help:      "Count of worker processes started",
	})

	workersStopped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "workers_stopped_total",
		Help:      "Count of worker processes that exited",
	}, []string{
		"reason",
	})

	payloadsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "payloads_dispatched_total",
		Help:      "Count of payloads sent to workers",
	})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "retries_total",
		Help:      "Count of test attempts re-queued after a failure",
	})

	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "results_total",
		Help:      "Count of test attempts by status",
	}, []string{
		"status",
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of worker errors",
	}, []string{
		"error",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of the last run",
	}, []string{
		"run_id",
		"status",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordWorkerSpawned() {
	workersSpawned.Inc()
}

// RecordWorkerStopped counts a worker exit. reason is "stopped" for a
// requested shutdown and "crashed" otherwise.
func RecordWorkerStopped(reason string) {
	workersStopped.WithLabelValues(reason).Inc()
}

func RecordPayloadDispatched() {
	payloadsDispatched.Inc()
}

func RecordRetry() {
	retriesTotal.Inc()
}

func RecordResult(status string) {
	resultsTotal.WithLabelValues(status).Inc()
}

// RecordError counts err under label, folding the message into the label.
func RecordError(label string, err error) {
	if err == nil {
		return
	}
	errorsTotal.WithLabelValues(label + "." + errToLabel(err)).Inc()
}

func RecordRun(runID, status string, duration time.Duration) {
	runDuration.WithLabelValues(runID, status).Set(duration.Seconds())
}

// Serve exposes the default registry on addr until ctx ends.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
