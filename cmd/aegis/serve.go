package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aegis-sec/aegis/internal/approval"
	"github.com/aegis-sec/aegis/internal/config"
	"github.com/aegis-sec/aegis/internal/metrics"
	"github.com/aegis-sec/aegis/internal/orchestrator"
	"github.com/aegis-sec/aegis/internal/workflow"
)

const defaultBind = "127.0.0.1:8070"

// submitRequest is the POST /api/workflows body. The time limit is a
// duration string like "30m".
type submitRequest struct {
	Target      string `json:"target"`
	Intent      string `json:"intent"`
	Constraints struct {
		Environment      string   `json:"environment,omitempty"`
		Scope            []string `json:"scope,omitempty"`
		TimeLimit        string   `json:"timeLimit,omitempty"`
		MinTestsPerPhase int      `json:"minTestsPerPhase,omitempty"`
		ExcludeTests     []string `json:"excludeTests,omitempty"`
		RequiresAuth     bool     `json:"requiresAuth,omitempty"`
	} `json:"constraints"`
}

type decisionRequest struct {
	Approved   bool     `json:"approved"`
	Approver   string   `json:"approver"`
	Reason     string   `json:"reason,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
}

// serve runs the HTTP surface: metrics plus the workflow and approval
// API. It blocks until an interrupt signal.
func serve(ctx context.Context, cancel context.CancelFunc, orch *orchestrator.Orchestrator, m *metrics.Metrics, cfgManager *config.RWMutexManager, configPath string, dev bool, logger *slog.Logger) {
	bind := strings.TrimSpace(cfgManager.Get().Metrics.Bind)
	if bind == "" {
		bind = defaultBind
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("POST /api/workflows", func(w http.ResponseWriter, r *http.Request) {
		handleSubmit(w, r, orch)
	})
	mux.HandleFunc("GET /api/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		snap, err := orch.Status(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})
	mux.HandleFunc("POST /api/workflows/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if err := orch.Cancel(r.PathValue("id")); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	})
	mux.HandleFunc("GET /api/approvals", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, orch.PendingApprovals())
	})
	mux.HandleFunc("POST /api/approvals/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleDecision(w, r, orch)
	})

	srv := &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("aegis serving", "bind", bind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	waitForSignals(cancel, orch, cfgManager, configPath, dev, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
}

func handleSubmit(w http.ResponseWriter, r *http.Request, orch *orchestrator.Orchestrator) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	constraints := workflow.Constraints{
		Environment:      req.Constraints.Environment,
		Scope:            req.Constraints.Scope,
		MinTestsPerPhase: req.Constraints.MinTestsPerPhase,
		ExcludeTests:     req.Constraints.ExcludeTests,
		RequiresAuth:     req.Constraints.RequiresAuth,
	}
	if req.Constraints.TimeLimit != "" {
		d, err := time.ParseDuration(req.Constraints.TimeLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timeLimit: %w", err))
			return
		}
		constraints.TimeLimit = d
	}

	id, err := orch.Submit(req.Target, req.Intent, constraints)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"workflowId": id})
}

func handleDecision(w http.ResponseWriter, r *http.Request, orch *orchestrator.Orchestrator) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if strings.TrimSpace(req.Approver) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("approver is required"))
		return
	}

	resolved, err := orch.ProcessApproval(r.PathValue("id"), approval.Decision{
		Approved:   req.Approved,
		Approver:   req.Approver,
		Reason:     req.Reason,
		Conditions: req.Conditions,
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
