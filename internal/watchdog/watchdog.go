package watchdog

import (
	"context"
	"sync"
	"time"

	"kraken-trading-bot/internal/kraken"
	"kraken-trading-bot/internal/logging"
)

// Status summarizes API health for the loop
type Status struct {
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AvgLatency          time.Duration `json:"avg_latency"`
	LastProbeAt         time.Time     `json:"last_probe_at"`
	LastError           string        `json:"last_error,omitempty"`
	RecoveryAttempted   bool          `json:"recovery_attempted"`
}

// Watchdog probes venue health once per tick via the server-time endpoint.
// It never takes market actions; it only feeds a health signal and runs the
// auth-reset recovery when failures pile up.
type Watchdog struct {
	exchange     kraken.Exchange
	maxFailures  int
	maxLatency   time.Duration
	probeTimeout time.Duration
	log          *logging.Logger

	mu        sync.Mutex
	failures  int
	latencies []time.Duration
	status    Status
}

const latencyWindow = 20

func New(exchange kraken.Exchange, maxFailures int, maxLatency, probeTimeout time.Duration) *Watchdog {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Watchdog{
		exchange:     exchange,
		maxFailures:  maxFailures,
		maxLatency:   maxLatency,
		probeTimeout: probeTimeout,
		log:          logging.WithComponent("watchdog"),
	}
}

// Probe runs one health check. Returns the updated status and whether the
// caller should raise a CRITICAL anomaly (recovery ran and the API is
// still failing).
func (w *Watchdog) Probe(ctx context.Context) (Status, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, w.probeTimeout)
	defer cancel()

	start := time.Now()
	_, err := w.exchange.ServerTime(probeCtx)
	latency := time.Since(start)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.status.LastProbeAt = time.Now().UTC()
	w.status.RecoveryAttempted = false

	failed := err != nil
	if !failed && w.maxLatency > 0 && latency > w.maxLatency {
		failed = true
		w.log.Warn("probe latency over limit", "latency", latency.String(), "max", w.maxLatency.String())
	}

	if failed {
		w.failures++
		if err != nil {
			w.status.LastError = err.Error()
		} else {
			w.status.LastError = "latency over limit"
		}
	} else {
		w.failures = 0
		w.status.LastError = ""
		w.latencies = append(w.latencies, latency)
		if len(w.latencies) > latencyWindow {
			w.latencies = w.latencies[1:]
		}
	}

	w.status.ConsecutiveFailures = w.failures
	w.status.AvgLatency = avgDuration(w.latencies)
	w.status.Healthy = w.failures < w.maxFailures

	critical := false
	if w.failures >= w.maxFailures {
		w.log.Error("consecutive probe failures reached limit, resetting auth", "failures", w.failures)
		w.exchange.ResetAuth()
		w.status.RecoveryAttempted = true

		// One immediate re-probe decides whether recovery worked
		recoveryCtx, cancelRecovery := context.WithTimeout(ctx, w.probeTimeout)
		_, rerr := w.exchange.ServerTime(recoveryCtx)
		cancelRecovery()
		if rerr == nil {
			w.failures = 0
			w.status.ConsecutiveFailures = 0
			w.status.Healthy = true
			w.status.LastError = ""
			w.log.Info("recovery probe succeeded")
		} else {
			critical = true
			w.status.LastError = rerr.Error()
		}
	}

	return w.status, critical
}

// Status returns the last probe result
func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func avgDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total / time.Duration(len(ds))
}
