package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/config"
	"github.com/nats-io/nats.go"
)

const probeTimeout = 5 * time.Second

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StorePinger is satisfied by the metadata store.
type StorePinger interface {
	Ping() error
}

// ClusterPinger is satisfied by the Elasticsearch client.
type ClusterPinger interface {
	Ping(ctx context.Context) error
}

// BucketPinger is satisfied by the S3 client.
type BucketPinger interface {
	Ping(ctx context.Context, bucket string) error
}

// BufferState reports whether an output's buffer accepts data.
type BufferState interface {
	Storable() bool
}

// HealthDeps lists what readiness depends on. Nil members are skipped.
type HealthDeps struct {
	NATS          *nats.Conn
	Meta          StorePinger
	Elasticsearch ClusterPinger
	S3            BucketPinger
	PolicyBuckets []string
	Buffers       map[string]BufferState
}

// HealthChecker runs health probes.
type HealthChecker struct {
	deps        HealthDeps
	provisioned atomic.Bool
}

// NewHealthChecker creates a new health checker. Readiness stays false until
// SetProvisioned(true) is called.
func NewHealthChecker(deps HealthDeps) *HealthChecker {
	return &HealthChecker{deps: deps}
}

// SetProvisioned marks startup provisioning of all data streams as done.
func (h *HealthChecker) SetProvisioned(v bool) {
	h.provisioned.Store(v)
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can accept and write records.
func (h *HealthChecker) Readiness(ctx context.Context) HealthStatus {
	status := HealthStatus{OK: true}
	add := func(name string, err error, okStatus, badStatus string) {
		if err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: name, Status: badStatus, Error: err.Error()})
			return
		}
		status.Checks = append(status.Checks, Check{Name: name, Status: okStatus})
	}

	if h.provisioned.Load() {
		status.Checks = append(status.Checks, Check{Name: "provisioning", Status: "done"})
	} else {
		status.OK = false
		status.Checks = append(status.Checks, Check{Name: "provisioning", Status: "pending"})
	}

	if h.deps.NATS != nil {
		if h.deps.NATS.IsConnected() {
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "connected"})
		} else {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "disconnected"})
		}
	}

	if h.deps.Meta != nil {
		add("metadata", h.deps.Meta.Ping(), "ok", "error")
	}

	if h.deps.Elasticsearch != nil {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		add("elasticsearch", h.deps.Elasticsearch.Ping(pctx), "ok", "error")
		cancel()
	}

	if h.deps.S3 != nil {
		for _, bucket := range h.deps.PolicyBuckets {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			add("s3:"+bucket, h.deps.S3.Ping(pctx, bucket), "ok", "error")
			cancel()
		}
	}

	names := make([]string, 0, len(h.deps.Buffers))
	for name := range h.deps.Buffers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if h.deps.Buffers[name].Storable() {
			status.Checks = append(status.Checks, Check{Name: "buffer:" + name, Status: "storable"})
		} else {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "buffer:" + name, Status: "full"})
		}
	}

	return status
}

// HealthHandler serves the liveness and readiness endpoints.
func HealthHandler(cfg config.HealthConfig, checker *HealthChecker) http.Handler {
	mux := http.NewServeMux()

	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Readiness(r.Context()))
	})
	return mux
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: HealthHandler(cfg, checker),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
