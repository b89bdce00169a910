// Package handler is the HTTP surface of the engine. Handlers decode,
// delegate to the services and translate domain errors to status codes;
// no campaign logic lives here.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	appErrors "github.com/waveline/campaign-engine/internal/errors"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/service"
)

// CampaignHandler holds the dependencies for campaign-related HTTP handlers.
type CampaignHandler struct {
	Service      *service.CampaignService
	Segmentation *service.SegmentationEngine
	Materializer *service.AudienceMaterializer
	Gate         *service.ComplianceGate
	StateMachine *service.CampaignStateMachine
}

// Routes mounts every campaign endpoint on a fresh router.
func (h *CampaignHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/campaigns", h.CreateCampaign)
	r.Get("/campaigns", h.ListCampaigns)
	r.Get("/campaigns/{id}", h.GetCampaign)
	r.Patch("/campaigns/{id}", h.UpdateCampaign)
	r.Delete("/campaigns/{id}", h.DeleteCampaign)

	r.Post("/campaigns/{id}/segmentation/preview", h.PreviewAudience)
	r.Post("/campaigns/{id}/segmentation/commit", h.CommitAudience)
	r.Post("/campaigns/{id}/upload-recipients", h.UploadRecipients)
	r.Post("/campaigns/{id}/recipients/bulk-optin", h.BulkOptIn)

	r.Get("/campaigns/{id}/validate", h.ValidateCampaign)
	r.Get("/campaigns/{id}/requirements", h.Requirements)
	r.Get("/campaigns/{id}/stats", h.Stats)

	r.Post("/campaigns/{id}/activate", h.Activate)
	r.Post("/campaigns/{id}/pause", h.Pause)
	r.Post("/campaigns/{id}/resume", h.Resume)
	r.Post("/campaigns/{id}/cancel", h.Cancel)

	r.Post("/webhooks/delivery", h.DeliveryWebhook)

	return r
}

type campaignPayload struct {
	Name               *string               `json:"name"`
	InboxID            *uuid.UUID            `json:"inbox_id"`
	TemplateID         *uuid.UUID            `json:"template_id"`
	RateLimitPerMinute *int                  `json:"rate_limit_per_minute"`
	AutoHandoff        *bool                 `json:"auto_handoff"`
	StartAt            *time.Time            `json:"start_at"`
	EndAt              *time.Time            `json:"end_at"`
	Timezone           *string               `json:"timezone"`
	SendWindows        *model.SendWindowSpec `json:"send_windows"`
	SegmentFilter      *model.SegmentFilter  `json:"segment_filter"`
}

func (p *campaignPayload) applyTo(c *model.Campaign) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.InboxID != nil {
		c.InboxID = *p.InboxID
	}
	if p.TemplateID != nil {
		c.TemplateID = p.TemplateID
	}
	if p.RateLimitPerMinute != nil {
		c.RateLimitPerMinute = *p.RateLimitPerMinute
	}
	if p.AutoHandoff != nil {
		c.AutoHandoff = *p.AutoHandoff
	}
	if p.StartAt != nil {
		c.StartAt = p.StartAt
	}
	if p.EndAt != nil {
		c.EndAt = p.EndAt
	}
	if p.Timezone != nil {
		c.Timezone = *p.Timezone
	}
	if p.SendWindows != nil {
		c.SendWindows = p.SendWindows
	}
	if p.SegmentFilter != nil {
		c.SegmentFilter = p.SegmentFilter
	}
}

func (h *CampaignHandler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var payload campaignPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	campaign := &model.Campaign{}
	payload.applyTo(campaign)

	created, err := h.Service.Create(r.Context(), campaign)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *CampaignHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	status := r.URL.Query().Get("status")

	list, err := h.Service.List(r.Context(), offset, limit, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *CampaignHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	campaign, err := h.Service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (h *CampaignHandler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var payload campaignPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	updated, err := h.Service.Update(r.Context(), id, payload.applyTo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *CampaignHandler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := h.Service.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CampaignHandler) PreviewAudience(w http.ResponseWriter, r *http.Request) {
	if _, ok := campaignID(w, r); !ok {
		return
	}
	var filter model.SegmentFilter
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.Segmentation.Preview(r.Context(), &filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *CampaignHandler) CommitAudience(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Filter *model.SegmentFilter `json:"filter"`
		Limit  int                  `json:"limit"`
		DryRun bool                 `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	stats, err := h.Materializer.Commit(r.Context(), id, payload.Filter, payload.Limit, payload.DryRun)
	if err != nil {
		// A timeout mid-commit retains partial results; surface both.
		if errors.Is(err, appErrors.ErrSegmentationTimeout) && stats != nil {
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"stats": stats,
				"error": err.Error(),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *CampaignHandler) UploadRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Identifiers []service.UploadIdentifier `json:"identifiers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	stats, err := h.Materializer.Upload(r.Context(), id, payload.Identifiers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *CampaignHandler) BulkOptIn(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Method string `json:"method"`
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	n, err := h.Gate.BulkRegisterOptIn(r.Context(), id, payload.Method, payload.Source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"registered": n})
}

func (h *CampaignHandler) ValidateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	result, err := h.Gate.Validate(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *CampaignHandler) Requirements(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	req, err := h.Service.Requirements(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *CampaignHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	stats, err := h.Service.Stats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *CampaignHandler) Activate(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var payload struct {
		OverrideWarnings bool `json:"override_warnings"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	result, err := h.StateMachine.RequestActivation(r.Context(), id, payload.OverrideWarnings)
	if err != nil {
		var blocked *appErrors.ErrComplianceBlocked
		if errors.As(err, &blocked) && result != nil {
			// 422 with the full validation so the caller can show every
			// issue, not just the first.
			writeJSON(w, http.StatusUnprocessableEntity, result)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *CampaignHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.StateMachine.Pause)
}

func (h *CampaignHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.StateMachine.Resume)
}

func (h *CampaignHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.StateMachine.Cancel)
}

func (h *CampaignHandler) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) (*model.Campaign, error)) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	campaign, err := op(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

// DeliveryWebhook receives provider delivery callbacks from the worker
// or the provider itself.
func (h *CampaignHandler) DeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RecipientID uuid.UUID  `json:"recipient_id"`
		State       string     `json:"state"`
		Error       string     `json:"error"`
		Timestamp   *time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	at := time.Now().UTC()
	if payload.Timestamp != nil {
		at = *payload.Timestamp
	}
	if err := h.Service.RecordDelivery(r.Context(), payload.RecipientID,
		model.DeliveryState(payload.State), payload.Error, at); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func campaignID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}

// writeError maps domain errors to HTTP status codes. Anything unmapped
// is a 500 with a generic body; details go to the log only.
func writeError(w http.ResponseWriter, err error) {
	var (
		notFound   *appErrors.ErrCampaignNotFound
		validation *appErrors.ErrValidation
		blocked    *appErrors.ErrComplianceBlocked
		transition *appErrors.ErrInvalidTransition
		notDue     *appErrors.ErrNotYetDue
	)
	switch {
	case errors.As(err, &notFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &validation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  err.Error(),
			"issues": blocked.Issues,
		})
	case errors.As(err, &transition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &notDue):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, appErrors.ErrStaleState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, appErrors.ErrSegmentationTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		slog.Error("request failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
