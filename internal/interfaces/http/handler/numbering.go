package handler

import (
	"context"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
)

// AuditService audits a document type and suggests repairs
type AuditService interface {
	Suggest(ctx context.Context, docType numbering.DocumentType) (*numbering.Report, numbering.Suggestions, error)
}

// NumberingHandler exposes the read-only consistency audit
type NumberingHandler struct {
	BaseHandler
	auditor AuditService
}

// NewNumberingHandler creates a new NumberingHandler
func NewNumberingHandler(auditor AuditService) *NumberingHandler {
	return &NumberingHandler{auditor: auditor}
}

// Audit reports every violation of the document type. Repairs are only
// available through clinicctl.
func (h *NumberingHandler) Audit(c *gin.Context) {
	docType, err := parseDocumentType(c.Param("type"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	report, suggestions, err := h.auditor.Suggest(c.Request.Context(), docType)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, dto.AuditResponse{
		Clean:       report.Clean(),
		Report:      report,
		Suggestions: suggestions,
	})
}
