package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aonescu/tiops/internal/formatting"
	"github.com/aonescu/tiops/internal/trigger"
	"github.com/aonescu/tiops/internal/types"
)

const (
	webhookSource = "webhook"

	maxTriggerBody = 1 << 20
)

// POST /api/v1/trigger
// Body: {"mode": "deploy", "signals": [{"kind": "vulnerability", "identifier": "CVE-2020-27350"}]}
func (api *APIServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxTriggerBody)
	var req trigger.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if api.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, api.timeout)
		defer cancel()
	}

	reply := trigger.Dispatch(ctx, api.runner, webhookSource, req, api.providers)
	switch {
	case reply.Usage != "":
		api.respondStatus(w, http.StatusBadRequest, reply)
		return
	case reply.Error != "":
		api.respondStatus(w, http.StatusInternalServerError, reply)
		return
	}

	api.respondJSON(w, map[string]interface{}{
		"report":  reply.Report,
		"summary": formatting.GenerateSummary(reply.Report.Outcomes),
	})
}

// GET /api/v1/jobs?id=verify-t1059-004-a1b2c3
func (api *APIServer) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if api.jobs == nil {
		http.Error(w, "Verification runner not configured", http.StatusServiceUnavailable)
		return
	}

	job, err := api.jobs.Status(r.Context(), id)
	if err != nil {
		if types.IsNotFound(err) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	api.respondJSON(w, job)
}

// GET /api/v1/outcomes?limit=50
func (api *APIServer) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	outcomes, err := api.ledger.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if outcomes == nil {
		outcomes = []types.Outcome{}
	}
	api.respondJSON(w, outcomes)
}

// GET /api/v1/stats
func (api *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := api.ledger.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	byStatus := make(map[string]int, len(counts))
	total := 0
	for status, n := range counts {
		byStatus[string(status)] = n
		total += n
	}

	api.respondJSON(w, map[string]interface{}{
		"total_outcomes": total,
		"by_status":      byStatus,
	})
}

// GET /health
func (api *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	}

	// Only durable ledgers can lose their connection.
	if p, ok := api.ledger.(interface{ Ping() error }); ok {
		if err := p.Ping(); err != nil {
			health["status"] = "unhealthy"
			health["database"] = "disconnected"
			api.respondStatus(w, http.StatusServiceUnavailable, health)
			return
		}
		health["database"] = "connected"
	}

	api.respondJSON(w, health)
}

// GET /ready
func (api *APIServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := map[string]interface{}{
		"ready":   true,
		"cluster": "not configured",
	}

	if api.cluster != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := api.cluster.Ping(ctx); err != nil {
			ready["ready"] = false
			ready["cluster"] = err.Error()
			api.respondStatus(w, http.StatusServiceUnavailable, ready)
			return
		}
		ready["cluster"] = "reachable"
	}

	api.respondJSON(w, ready)
}

func (api *APIServer) respondJSON(w http.ResponseWriter, data interface{}) {
	api.respondStatus(w, http.StatusOK, data)
}

func (api *APIServer) respondStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.log.Error(err, "Failed to encode response")
	}
}

func (api *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		api.log.V(1).Info("Request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		api.log.V(1).Info("Request completed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (api *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
