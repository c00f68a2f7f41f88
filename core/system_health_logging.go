package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics captures a snapshot of chain and node health statistics.
type Metrics struct {
	Height        int64  `json:"height"`
	LastHash      string `json:"last_hash"`
	PeerCount     int    `json:"peer_count"`
	StakeTotal    uint64 `json:"stake_total"`
	MemAlloc      uint64 `json:"mem_alloc"`
	NumGoroutines int    `json:"goroutines"`
	Timestamp     int64  `json:"timestamp"`
}

// HealthLogger provides simple system monitoring and structured logging
// around a Chain, matching the original per-node JSON health log plus a
// Prometheus scrape endpoint.
type HealthLogger struct {
	chain *Chain
	peers PeerSource

	log  *logrus.Logger
	file *os.File
	mu   sync.Mutex

	registry        *prometheus.Registry
	heightGauge     prometheus.Gauge
	peerCountGauge  prometheus.Gauge
	stakeTotalGauge prometheus.Gauge
	memAllocGauge   prometheus.Gauge
	goroutinesGauge prometheus.Gauge
	errorCounter    prometheus.Counter
	stalledCounter  prometheus.Counter

	lastHeight  int64
	stallRounds int
}

// NewHealthLogger configures a HealthLogger writing JSON logs to the given
// path. peers may be nil if the node has no peer source yet.
func NewHealthLogger(c *Chain, peers PeerSource, path string) (*HealthLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})
	lg.SetOutput(f)
	reg := prometheus.NewRegistry()

	h := &HealthLogger{chain: c, peers: peers, log: lg, file: f, registry: reg, lastHeight: -1}

	h.heightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synnergy_block_height",
		Help: "Current block height of the node",
	})
	h.peerCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synnergy_peer_count",
		Help: "Number of known peers",
	})
	h.stakeTotalGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synnergy_stake_total",
		Help: "Sum of stake across all stakeholders in the current snapshot",
	})
	h.memAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synnergy_mem_alloc_bytes",
		Help: "Current memory allocation in bytes",
	})
	h.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "synnergy_goroutines",
		Help: "Number of running goroutines",
	})
	h.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synnergy_log_errors_total",
		Help: "Total number of error events logged",
	})
	h.stalledCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "synnergy_stalled_rounds_total",
		Help: "Number of metrics collection rounds where block height did not advance",
	})

	reg.MustRegister(
		h.heightGauge,
		h.peerCountGauge,
		h.stakeTotalGauge,
		h.memAllocGauge,
		h.goroutinesGauge,
		h.errorCounter,
		h.stalledCounter,
	)

	return h, nil
}

// Close logs a shutdown event tagged with the last recorded chain height and
// releases the underlying log file.
func (h *HealthLogger) Close() error {
	h.logEventFields(logrus.InfoLevel, "health logger shutting down", logrus.Fields{"closedAt": time.Now().Unix()})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

// Rotate switches logging to a new file path, carrying the rotation itself
// into the new file as its first record so a reader can tell where the
// previous file left off.
func (h *HealthLogger) Rotate(path string) error {
	h.mu.Lock()
	if err := h.file.Close(); err != nil {
		h.mu.Unlock()
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.log.SetOutput(f)
	h.file = f
	h.mu.Unlock()
	h.logEventFields(logrus.InfoLevel, "rotated health log", logrus.Fields{"path": path})
	return nil
}

// LogEvent records an arbitrary message with the specified log level,
// tagged with the chain height from the most recent RecordMetrics call
// (-1 before the first).
func (h *HealthLogger) LogEvent(level logrus.Level, msg string) {
	h.logEventFields(level, msg, nil)
}

func (h *HealthLogger) logEventFields(level logrus.Level, msg string, fields logrus.Fields) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if level >= logrus.ErrorLevel {
		h.errorCounter.Inc()
	}
	entry := h.log.WithField("height", h.lastHeight)
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Log(level, msg)
}

// MetricsSnapshot gathers current metrics from the chain, peer source and runtime.
func (h *HealthLogger) MetricsSnapshot() Metrics {
	m := Metrics{Timestamp: time.Now().Unix(), NumGoroutines: runtime.NumGoroutine()}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemAlloc = mem.Alloc

	if h.chain != nil {
		m.Height = h.chain.LastBlockIndex()
		m.LastHash = h.chain.LastBlockHash()
		for _, s := range h.chain.Bank().GetStakeholders() {
			m.StakeTotal += s.Stake
		}
	}
	if h.peers != nil {
		m.PeerCount = len(h.peers.Peers())
	}
	return m
}

// RecordMetrics captures the current snapshot, updates Prometheus gauges and
// tracks whether block production has stalled (height unchanged across
// consecutive collection rounds, the signal a miner node's slot-leader loop
// has wedged).
func (h *HealthLogger) RecordMetrics() {
	m := h.MetricsSnapshot()
	h.heightGauge.Set(float64(m.Height))
	h.peerCountGauge.Set(float64(m.PeerCount))
	h.stakeTotalGauge.Set(float64(m.StakeTotal))
	h.memAllocGauge.Set(float64(m.MemAlloc))
	h.goroutinesGauge.Set(float64(m.NumGoroutines))

	h.mu.Lock()
	if h.chain != nil && m.Height == h.lastHeight {
		h.stallRounds++
	} else {
		h.stallRounds = 0
	}
	h.lastHeight = m.Height
	stalled := h.stallRounds
	h.mu.Unlock()

	if stalled >= 3 {
		h.stalledCounter.Inc()
		h.LogEvent(logrus.WarnLevel, "block height has not advanced in 3 consecutive collection rounds")
		return
	}
	h.LogEvent(logrus.InfoLevel, "metrics recorded")
}

// RunMetricsCollector periodically records metrics until the context is canceled.
func (h *HealthLogger) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.RecordMetrics()
		case <-ctx.Done():
			return
		}
	}
}

// StartMetricsServer exposes a Prometheus metrics endpoint plus a /healthz
// endpoint reporting the latest snapshot as JSON, on the given address. It
// returns the underlying http.Server so callers may manage its lifecycle.
func (h *HealthLogger) StartMetricsServer(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(h.MetricsSnapshot()); err != nil {
			h.LogEvent(logrus.ErrorLevel, err.Error())
		}
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.LogEvent(logrus.ErrorLevel, err.Error())
		}
	}()
	return srv, nil
}

// ShutdownMetricsServer gracefully stops the metrics HTTP server, logging the
// chain height observed at shutdown.
func (h *HealthLogger) ShutdownMetricsServer(ctx context.Context, srv *http.Server) error {
	h.LogEvent(logrus.InfoLevel, "stopping metrics server")
	return srv.Shutdown(ctx)
}
