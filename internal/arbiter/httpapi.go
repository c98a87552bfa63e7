package arbiter

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arbiterhq/arbiter/internal/errs"
	"github.com/arbiterhq/arbiter/internal/queue"
	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/security"
	"github.com/arbiterhq/arbiter/internal/waiver"
)

// newHTTPAPI builds the status/control HTTP surface. Transport carries no
// business logic of its own; every handler is a thin JSON shim over one
// orchestrator operation.
func newHTTPAPI(orch *Orchestrator, promReg *prometheus.Registry) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}).Methods("GET")

	r.Handle("/metrics", promHandler(promReg)).Methods("GET")

	r.HandleFunc("/api/v1/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, orch.GetStatus(req.Context()))
	}).Methods("GET")

	r.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			TaskType                string         `json:"task_type"`
			Priority                int            `json:"priority"`
			RequiredLanguages       []string       `json:"required_languages"`
			RequiredSpecializations []string       `json:"required_specializations"`
			Payload                 map[string]any `json:"payload"`
			UserID                  string         `json:"user_id"`
			SessionID               string         `json:"session_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, errs.New(errs.KindInvalidInput, "invalid-request", "malformed task body"))
			return
		}

		res, err := orch.SubmitTask(req.Context(), SubmitInput{
			Task: queue.Task{
				TaskType:                body.TaskType,
				Priority:                body.Priority,
				RequiredLanguages:       body.RequiredLanguages,
				RequiredSpecializations: body.RequiredSpecializations,
				Payload:                 body.Payload,
				SubmittedAt:             time.Now(),
			},
			Credentials: bearerCredentials(req),
			UserID:      body.UserID,
			SessionID:   body.SessionID,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}).Methods("POST")

	r.HandleFunc("/api/v1/tasks/{id}", func(w http.ResponseWriter, req *http.Request) {
		st, ok := orch.GetTaskStatus(mux.Vars(req)["id"])
		if !ok {
			writeError(w, errs.New(errs.KindNotFound, "task-not-found", "no such task"))
			return
		}
		writeJSON(w, http.StatusOK, st)
	}).Methods("GET")

	r.HandleFunc("/api/v1/tasks/{id}", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": orch.CancelTask(mux.Vars(req)["id"])})
	}).Methods("DELETE")

	r.HandleFunc("/api/v1/agents", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			ID              string   `json:"id"`
			Name            string   `json:"name"`
			ModelFamily     string   `json:"model_family"`
			TaskTypes       []string `json:"task_types"`
			Languages       []string `json:"languages"`
			Specializations []string `json:"specializations"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, errs.New(errs.KindInvalidInput, "invalid-request", "malformed agent body"))
			return
		}

		p, err := orch.RegisterAgent(req.Context(), registry.RegisterInput{
			ID:              body.ID,
			Name:            body.Name,
			ModelFamily:     body.ModelFamily,
			TaskTypes:       body.TaskTypes,
			Languages:       body.Languages,
			Specializations: body.Specializations,
		}, bearerCredentials(req))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": p.ID})
	}).Methods("POST")

	r.HandleFunc("/api/v1/agents/{id}", func(w http.ResponseWriter, req *http.Request) {
		p, err := orch.GetAgentProfile(mux.Vars(req)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agentView(p))
	}).Methods("GET")

	r.HandleFunc("/api/v1/agents/{id}/performance", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Success    bool    `json:"success"`
			Quality    float64 `json:"quality"`
			LatencyMs  float64 `json:"latency_ms"`
			TokensUsed int     `json:"tokens_used"`
			TaskType   string  `json:"task_type"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, errs.New(errs.KindInvalidInput, "invalid-request", "malformed metrics body"))
			return
		}
		if err := orch.UpdateAgentPerformance(req.Context(), mux.Vars(req)["id"], registry.Outcome{
			Success:    body.Success,
			Quality:    body.Quality,
			LatencyMs:  body.LatencyMs,
			TokensUsed: body.TokensUsed,
			TaskType:   body.TaskType,
		}); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods("PUT")

	r.HandleFunc("/api/v1/assignments/{id}/ack", func(w http.ResponseWriter, req *http.Request) {
		respondTransition(w, orch.Acknowledge(mux.Vars(req)["id"]))
	}).Methods("POST")

	r.HandleFunc("/api/v1/assignments/{id}/start", func(w http.ResponseWriter, req *http.Request) {
		respondTransition(w, orch.StartWork(mux.Vars(req)["id"]))
	}).Methods("POST")

	r.HandleFunc("/api/v1/assignments/{id}/heartbeat", func(w http.ResponseWriter, req *http.Request) {
		respondTransition(w, orch.Heartbeat(mux.Vars(req)["id"]))
	}).Methods("POST")

	r.HandleFunc("/api/v1/assignments/{id}/complete", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Quality    float64 `json:"quality"`
			LatencyMs  float64 `json:"latency_ms"`
			TokensUsed int     `json:"tokens_used"`
			TaskType   string  `json:"task_type"`
			Output     string  `json:"output"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, errs.New(errs.KindInvalidInput, "invalid-request", "malformed outcome body"))
			return
		}
		// Outputs reported without a quality score go through the judge.
		if body.Output != "" && body.Quality == 0 {
			respondTransition(w, orch.ScoreAndComplete(req.Context(), mux.Vars(req)["id"],
				body.TaskType, "", body.Output, body.LatencyMs, body.TokensUsed))
			return
		}
		respondTransition(w, orch.CompleteTask(req.Context(), mux.Vars(req)["id"], registry.Outcome{
			Quality: body.Quality, LatencyMs: body.LatencyMs, TokensUsed: body.TokensUsed, TaskType: body.TaskType,
		}))
	}).Methods("POST")

	r.HandleFunc("/api/v1/assignments/{id}/fail", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Reason    string  `json:"reason"`
			LatencyMs float64 `json:"latency_ms"`
			TaskType  string  `json:"task_type"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, errs.New(errs.KindInvalidInput, "invalid-request", "malformed outcome body"))
			return
		}
		respondTransition(w, orch.FailTask(req.Context(), mux.Vars(req)["id"], registry.Outcome{
			LatencyMs: body.LatencyMs, TaskType: body.TaskType,
		}, errs.New(errs.KindDependencyFailure, "agent-reported-failure", body.Reason)))
	}).Methods("POST")

	r.HandleFunc("/api/v1/waivers", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			PolicyID         string    `json:"policy_id"`
			OperationPattern string    `json:"operation_pattern"`
			Reason           string    `json:"reason"`
			Justification    string    `json:"justification"`
			RequestedBy      string    `json:"requested_by"`
			ExpiresAt        time.Time `json:"expires_at"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, errs.New(errs.KindInvalidInput, "invalid-request", "malformed waiver body"))
			return
		}
		wv, err := orch.RequestWaiver(waiver.RequestInput{
			PolicyID:         body.PolicyID,
			OperationPattern: body.OperationPattern,
			Reason:           body.Reason,
			Justification:    body.Justification,
			RequestedBy:      body.RequestedBy,
			ExpiresAt:        body.ExpiresAt,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"waiver_id": wv.ID})
	}).Methods("POST")

	r.HandleFunc("/api/v1/waivers/{id}/approve", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Approver string `json:"approver"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		_, err := orch.ApproveWaiver(req.Context(), mux.Vars(req)["id"], body.Approver)
		respondTransition(w, err)
	}).Methods("POST")

	r.HandleFunc("/api/v1/waivers/{id}/reject", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Rejecter string `json:"rejecter"`
			Reason   string `json:"reason"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		_, err := orch.RejectWaiver(mux.Vars(req)["id"], body.Rejecter, body.Reason)
		respondTransition(w, err)
	}).Methods("POST")

	return r
}

func bearerCredentials(req *http.Request) *security.Credentials {
	auth := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return nil
	}
	return &security.Credentials{Token: auth[len(prefix):]}
}

// agentView is the wire shape of a registry.Profile; set-typed capability
// fields flatten back to lists.
func agentView(p registry.Profile) map[string]any {
	return map[string]any{
		"id":           p.ID,
		"name":         p.Name,
		"model_family": p.ModelFamily,
		"performance": map[string]any{
			"success_rate":       p.Performance.SuccessRate,
			"average_quality":    p.Performance.AverageQuality,
			"average_latency_ms": p.Performance.AverageLatencyMs,
			"task_count":         p.Performance.TaskCount,
		},
		"load": map[string]any{
			"active_tasks":        p.Load.ActiveTasks,
			"queued_tasks":        p.Load.QueuedTasks,
			"utilization_percent": p.Load.UtilizationPercent,
		},
		"registered_at":  p.RegisteredAt,
		"last_active_at": p.LastActiveAt,
	}
}

func respondTransition(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the tagged error taxonomy to HTTP statuses; only this
// transport layer converts error kinds to user-visible codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.Is(err, errs.KindInvalidInput):
		status = http.StatusBadRequest
	case errs.Is(err, errs.KindNotFound):
		status = http.StatusNotFound
	case errs.Is(err, errs.KindConflict):
		status = http.StatusConflict
	case errs.Is(err, errs.KindResourceExhaustion):
		status = http.StatusTooManyRequests
	case errs.Is(err, errs.KindPolicyBlock):
		status = http.StatusForbidden
	case errs.Is(err, errs.KindTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    errs.CodeOf(err),
			"message": err.Error(),
		},
	})
}
