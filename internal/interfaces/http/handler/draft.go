package handler

import (
	"time"

	"github.com/clinicdesk/backend/internal/domain/patient"
	"github.com/clinicdesk/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
)

// DraftHandler saves and restores the caller's patient wizard draft
type DraftHandler struct {
	BaseHandler
	store patient.DraftStore
	ttl   time.Duration
	now   func() time.Time
}

// NewDraftHandler creates a new DraftHandler; a non-positive ttl uses patient.DefaultDraftTTL
func NewDraftHandler(store patient.DraftStore, ttl time.Duration) *DraftHandler {
	if ttl <= 0 {
		ttl = patient.DefaultDraftTTL
	}
	return &DraftHandler{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (h *DraftHandler) key(c *gin.Context) (patient.DraftKey, bool) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return patient.DraftKey{}, false
	}
	userID := middleware.GetUserID(c)
	if userID == "" {
		h.BadRequest(c, "user is required")
		return patient.DraftKey{}, false
	}
	return patient.DraftKey{TenantID: tenantID, UserID: userID, Feature: patient.WizardFeature}, true
}

// Save validates and stores the draft, replacing any previous one
func (h *DraftHandler) Save(c *gin.Context) {
	key, ok := h.key(c)
	if !ok {
		return
	}

	var draft patient.WizardDraft
	if !h.bindJSON(c, &draft) {
		return
	}
	if err := draft.Validate(); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	draft.SavedAt = h.now().UTC()
	if err := h.store.Save(c.Request.Context(), key, &draft, h.ttl); err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, &draft)
}

// Load returns the stored draft; a missing or expired draft is a 404
func (h *DraftHandler) Load(c *gin.Context) {
	key, ok := h.key(c)
	if !ok {
		return
	}

	draft, err := h.store.Load(c.Request.Context(), key)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, draft)
}

// Discard deletes the draft; deleting a missing draft succeeds
func (h *DraftHandler) Discard(c *gin.Context) {
	key, ok := h.key(c)
	if !ok {
		return
	}

	if err := h.store.Delete(c.Request.Context(), key); err != nil {
		h.HandleError(c, err)
		return
	}

	h.NoContent(c)
}
