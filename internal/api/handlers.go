package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/mosaic0/mosaic/internal/admission"
	"github.com/mosaic0/mosaic/internal/engine"
	"github.com/mosaic0/mosaic/internal/quota"
	"github.com/mosaic0/mosaic/internal/tenant"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 1 << 20 // 1 MiB

type handlers struct {
	engine Engine
	logger *slog.Logger
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, h.logger)
}

func (h *handlers) catalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"archetypes": h.engine.Catalog()}, h.logger)
}

// queryRequest is the body of POST /api/v1/instances/{id}/query.
type queryRequest struct {
	Prompt string `json:"prompt"`
	UserID string `json:"user_id"`
}

// queryResponse is the execution envelope. Internal pipeline failures come
// back as 200 with success=false; the interaction is recorded and charged
// either way.
type queryResponse struct {
	Success       bool   `json:"success"`
	Response      string `json:"response,omitempty"`
	Model         string `json:"model,omitempty"`
	TokensIn      int    `json:"tokens_in"`
	TokensOut     int    `json:"tokens_out"`
	ResponseTime  int64  `json:"response_time_ms"`
	ContextChunks int    `json:"context_chunks"`
	InteractionID string `json:"interaction_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (h *handlers) query(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req queryRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	result, err := h.engine.Query(r.Context(), engine.QueryRequest{
		InstanceID: instanceID,
		UserID:     req.UserID,
		Prompt:     req.Prompt,
	})
	if err != nil {
		h.writeQueryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Success:       result.Success,
		Response:      result.Response,
		Model:         result.Model,
		TokensIn:      result.TokensIn,
		TokensOut:     result.TokensOut,
		ResponseTime:  result.ResponseTime.Milliseconds(),
		ContextChunks: result.ContextChunks,
		InteractionID: result.InteractionID.String(),
		Error:         result.ErrorMessage,
	}, h.logger)
}

// writeQueryError maps engine errors onto HTTP statuses. Deny reasons get
// distinct statuses so clients can react without parsing messages.
func (h *handlers) writeQueryError(w http.ResponseWriter, err error) {
	var denied *engine.DeniedError
	switch {
	case errors.Is(err, engine.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, "empty_prompt", "prompt is required", h.logger)
	case errors.Is(err, engine.ErrInstanceNotFound), errors.Is(err, engine.ErrTenantNotFound):
		writeError(w, http.StatusNotFound, "not_found", "instance not found", h.logger)
	case errors.As(err, &denied):
		switch denied.Reason {
		case quota.DenyTrialExpired:
			writeError(w, http.StatusPaymentRequired, string(denied.Reason), "trial expired or exhausted", h.logger)
		case quota.DenyInstanceQuotaExhausted:
			writeError(w, http.StatusTooManyRequests, string(denied.Reason), "instance query quota exhausted", h.logger)
		default: // instance-inactive
			writeError(w, http.StatusForbidden, string(denied.Reason), "instance is not active", h.logger)
		}
	case errors.Is(err, admission.ErrAdmissionTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "admission_timeout", "engine at capacity, retry later", h.logger)
	case errors.Is(err, admission.ErrExecutionTimeout):
		writeError(w, http.StatusGatewayTimeout, "execution_timeout", "execution exceeded its time limit", h.logger)
	default:
		h.logger.Error("query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
	}
}

// startTrialRequest is the body of POST /api/v1/trials.
type startTrialRequest struct {
	OrgName      string `json:"org_name"`
	Domain       string `json:"domain"`
	Archetype    string `json:"archetype"`
	InstanceName string `json:"instance_name"`
}

type startTrialResponse struct {
	TenantID   string `json:"tenant_id"`
	InstanceID string `json:"instance_id"`
	Archetype  string `json:"archetype"`
	TrialEnd   string `json:"trial_end"`
}

func (h *handlers) startTrial(w http.ResponseWriter, r *http.Request) {
	var req startTrialRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	prov, err := h.engine.StartTrial(r.Context(), engine.StartTrialParams{
		OrgName:      req.OrgName,
		Domain:       req.Domain,
		Archetype:    req.Archetype,
		InstanceName: req.InstanceName,
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrDomainTaken):
		writeError(w, http.StatusConflict, "domain_taken", "domain already registered", h.logger)
		return
	case errors.Is(err, engine.ErrUnknownArchetype):
		writeError(w, http.StatusBadRequest, "unknown_archetype", "unknown archetype", h.logger)
		return
	default:
		h.logger.Error("trial signup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	writeJSON(w, http.StatusCreated, startTrialResponse{
		TenantID:   prov.Tenant.ID.String(),
		InstanceID: prov.Instance.ID.String(),
		Archetype:  prov.Instance.Archetype,
		TrialEnd:   prov.Tenant.TrialEnd.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}, h.logger)
}

// instanceView is the listing shape for GET /api/v1/instances.
type instanceView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Archetype    string `json:"archetype"`
	Status       string `json:"status"`
	QueriesCount int    `json:"queries_count"`
	MaxQueries   int    `json:"max_queries"`
	TokensUsed   int64  `json:"tokens_used"`
}

func (h *handlers) listInstances(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.Header.Get("X-Tenant-ID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_tenant", "X-Tenant-ID header is required", h.logger)
		return
	}

	instances, err := h.engine.Instances(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("listing instances failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	views := make([]instanceView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, instanceView{
			ID:           inst.ID.String(),
			Name:         inst.Name,
			Archetype:    inst.Archetype,
			Status:       string(inst.Status),
			QueriesCount: inst.QueriesCount,
			MaxQueries:   inst.Quota.MaxQueries,
			TokensUsed:   inst.TokensUsed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": views}, h.logger)
}

func (h *handlers) suspend(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.SuspendInstance)
}

func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.ResumeInstance)
}

func (h *handlers) deleteInstance(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.DeleteInstance)
}

func (h *handlers) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) error) {
	instanceID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	err := op(r.Context(), instanceID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, h.logger)
	case errors.Is(err, engine.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, "not_found", "instance not found", h.logger)
	case errors.Is(err, tenant.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error(), h.logger)
	default:
		h.logger.Error("lifecycle operation failed", "instance_id", instanceID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
	}
}

// pathID parses the {id} path segment.
func (h *handlers) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "instance id must be a UUID", h.logger)
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes a JSON request body with a size cap.
func (h *handlers) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON", h.logger)
		return false
	}
	return true
}
