// Package monitoring serves the optional health and metrics endpoint.
// Inference itself never depends on it; the server is best-effort and dies
// with the process.
package monitoring

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	UptimeSec float64   `json:"uptime_sec"`

	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`

	ModelPath   string  `json:"model_path"`
	ModelLoaded bool    `json:"model_loaded"`
	Tokens      int     `json:"tokens"`
	TokPerSec   float64 `json:"tok_per_sec"`
}

// Monitor tracks run progress and serves /healthz and /metrics.
type Monitor struct {
	start time.Time

	mu        sync.RWMutex
	modelPath string
	loaded    bool
	tokens    int
	tokPerSec float64
}

func New() *Monitor {
	return &Monitor{start: time.Now()}
}

// Serve starts the endpoint in the background. Failures are logged, not
// fatal: a busy port must not stop inference.
func (m *Monitor) Serve(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", m.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Log.Info("monitoring endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Warn("monitoring endpoint failed", "addr", addr, "error", err)
		}
	}()
}

// SetModel records which checkpoint is being served.
func (m *Monitor) SetModel(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelPath = path
	m.loaded = true
}

// RecordProgress updates the running token count and throughput.
func (m *Monitor) RecordProgress(tokens int, tokPerSec float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = tokens
	m.tokPerSec = tokPerSec
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	st := HealthStatus{
		Status:      "healthy",
		Timestamp:   time.Now(),
		UptimeSec:   time.Since(m.start).Seconds(),
		GoVersion:   runtime.Version(),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		ModelPath:   m.modelPath,
		ModelLoaded: m.loaded,
		Tokens:      m.tokens,
		TokPerSec:   m.tokPerSec,
	}
	m.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !st.ModelLoaded {
		st.Status = "starting"
	}
	if err := json.NewEncoder(w).Encode(st); err != nil {
		logger.Log.Warn("health encode failed", "error", err)
	}
}
