// Copyright 2026 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tollgate/platform/audit"
	"tollgate/platform/budget"
	"tollgate/platform/decision"
	"tollgate/platform/pricing"
	"tollgate/platform/shared/logger"
	"tollgate/platform/shared/types"
)

// Handlers is the HTTP surface over the core components. The Brain handles
// request processing; the read-side endpoints expose the audit, budget and
// pricing views directly.
type Handlers struct {
	service *Service
	auditor *audit.Logger
	budgets *budget.Tracker
	monitor *budget.Monitor
	prices  *pricing.Engine
	log     *logger.Logger
}

// NewHandlers bundles the route handlers. monitor may be nil; the budget
// status endpoint then omits alerts.
func NewHandlers(service *Service, auditor *audit.Logger, budgets *budget.Tracker, monitor *budget.Monitor, prices *pricing.Engine) *Handlers {
	return &Handlers{
		service: service,
		auditor: auditor,
		budgets: budgets,
		monitor: monitor,
		prices:  prices,
		log:     logger.New("gateway-http"),
	}
}

// Register mounts the authenticated API routes on the given router.
func (h *Handlers) Register(api *mux.Router) {
	api.HandleFunc("/requests", h.handleRequest).Methods(http.MethodPost)
	api.HandleFunc("/audit/trail/{request_id}", h.handleTrail).Methods(http.MethodGet)
	api.HandleFunc("/audit/verify", h.handleVerify).Methods(http.MethodPost)
	api.HandleFunc("/audit/report", h.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/budget/status", h.handleBudgetStatus).Methods(http.MethodGet)
	api.HandleFunc("/pricing/compare", h.handlePricingCompare).Methods(http.MethodGet)
}

// requestPayload is the intake body for POST /api/v1/requests. Identity
// fields the pipeline requires are validated there, not here: a missing
// provider yields a REJECTED decision, not a 400.
type requestPayload struct {
	RequestID       string                 `json:"request_id,omitempty"`
	PrincipalID     string                 `json:"principal_id"`
	ProjectID       string                 `json:"project_id"`
	AgentID         string                 `json:"agent_id,omitempty"`
	Provider        string                 `json:"provider"`
	Model           string                 `json:"model"`
	Operation       string                 `json:"operation,omitempty"`
	Endpoint        string                 `json:"endpoint,omitempty"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	EstimatedTokens int                    `json:"estimated_tokens,omitempty"`
	Source          string                 `json:"source,omitempty"`
}

func (h *Handlers) handleRequest(w http.ResponseWriter, r *http.Request) {
	var payload requestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req := &types.Request{
		RequestID:       payload.RequestID,
		PrincipalID:     payload.PrincipalID,
		ProjectID:       payload.ProjectID,
		AgentID:         payload.AgentID,
		Provider:        payload.Provider,
		Model:           payload.Model,
		Operation:       types.Operation(payload.Operation),
		Endpoint:        payload.Endpoint,
		Parameters:      payload.Parameters,
		EstimatedTokens: payload.EstimatedTokens,
	}
	if req.Operation == "" {
		req.Operation = types.OperationChat
	}
	// Token identity fills in whatever the body omits.
	if caller, ok := CallerFromContext(r.Context()); ok {
		if req.PrincipalID == "" {
			req.PrincipalID = caller.PrincipalID
		}
		if req.ProjectID == "" {
			req.ProjectID = caller.ProjectID
		}
	}

	result := h.service.Handle(r.Context(), req, payload.Source)

	status := http.StatusOK
	if result.Decision != nil {
		switch result.Decision.Outcome {
		case decision.OutcomeRejected:
			status = http.StatusForbidden
		case decision.OutcomeError:
			status = http.StatusInternalServerError
		}
	}
	if result.Decision != nil && result.Decision.IsApproved() && !result.Success {
		// Approved but execution failed downstream.
		status = http.StatusBadGateway
	}
	h.writeJSON(w, status, result)
}

func (h *Handlers) handleTrail(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	trail, err := h.auditor.GetTrail(requestID)
	if err != nil {
		if errors.Is(err, audit.ErrTrailNotFound) {
			h.writeError(w, http.StatusNotFound, "no audit trail for "+requestID)
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, trail)
}

// verifyPayload selects what to verify: one request's trail or a whole day
// file (YYYYMMDD).
type verifyPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Date      string `json:"date,omitempty"`
}

func (h *Handlers) handleVerify(w http.ResponseWriter, r *http.Request) {
	var payload verifyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var (
		report *audit.IntegrityReport
		err    error
	)
	switch {
	case payload.RequestID != "":
		report, err = h.auditor.VerifyTrail(payload.RequestID)
	case payload.Date != "":
		report, err = h.auditor.VerifyDay(payload.Date)
	default:
		h.writeError(w, http.StatusBadRequest, "request_id or date is required")
		return
	}
	if err != nil {
		if errors.Is(err, audit.ErrTrailNotFound) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) handleReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	principalID := q.Get("principal_id")
	if principalID == "" {
		h.writeError(w, http.StatusBadRequest, "principal_id is required")
		return
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	var err error
	if from := q.Get("from"); from != "" {
		if start, err = time.Parse("2006-01-02", from); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid from date, want YYYY-MM-DD")
			return
		}
	}
	if to := q.Get("to"); to != "" {
		if end, err = time.Parse("2006-01-02", to); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid to date, want YYYY-MM-DD")
			return
		}
		// Make the end date inclusive.
		end = end.AddDate(0, 0, 1)
	}

	report, err := h.auditor.GenerateComplianceReport(principalID, start, end, q.Get("project_id"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	principalID, projectID := q.Get("principal_id"), q.Get("project_id")
	if principalID == "" || projectID == "" {
		h.writeError(w, http.StatusBadRequest, "principal_id and project_id are required")
		return
	}

	status, err := h.budgets.Status(r.Context(), principalID, projectID, true)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "budget status unavailable: "+err.Error())
		return
	}

	response := map[string]interface{}{"status": status}
	if h.monitor != nil {
		response["alerts"] = h.monitor.CheckSpendingStatus(r.Context(), principalID, projectID)
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *Handlers) handlePricingCompare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pairs, err := parseProviderModels(q.Get("models"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inputTokens := intParam(q.Get("input_tokens"), 1000)
	outputTokens := intParam(q.Get("output_tokens"), 0)

	estimates, err := h.prices.Compare(r.Context(), pairs, inputTokens, outputTokens)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "comparison failed: "+err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"estimates":     estimates,
	})
}

// parseProviderModels splits "openai/gpt-4o,anthropic/claude-3-haiku" into
// provider-model pairs.
func parseProviderModels(raw string) ([]pricing.ProviderModel, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("models is required, e.g. models=openai/gpt-4o,anthropic/claude-3-haiku")
	}
	var pairs []pricing.ProviderModel
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, errors.New("invalid models entry " + strconv.Quote(item) + ", want provider/model")
		}
		pairs = append(pairs, pricing.ProviderModel{Provider: parts[0], Model: parts[1]})
	}
	if len(pairs) == 0 {
		return nil, errors.New("models is required")
	}
	return pairs, nil
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "tollgate-gateway",
		"timestamp": time.Now().UTC(),
		"version":   "1.0.0",
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("", "", "encode response failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
