// Package serve exposes output status over HTTP and NATS request-reply.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/config"
	"go.uber.org/zap"
)

type handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler returns the HTTP API routes backed by svc.
func NewHandler(svc *Service, logger *zap.Logger) http.Handler {
	h := &handler{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/outputs", h.handleOutputs)
	mux.HandleFunc("GET /v1/outputs/{name}", h.handleOutput)
	return mux
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, svc *Service, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHandler(svc, logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

func (h *handler) handleOutputs(w http.ResponseWriter, r *http.Request) {
	outputs, err := h.svc.Outputs(r.Context())
	if err != nil {
		h.logger.Warn("listing outputs failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, outputs)
}

func (h *handler) handleOutput(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.Output(r.Context(), r.PathValue("name"))
	if errors.Is(err, ErrUnknownOutput) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Warn("reading output failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
