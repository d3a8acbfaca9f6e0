package handler

import (
	"context"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DocumentService creates numbered documents and previews the next number
type DocumentService interface {
	CreateDocument(ctx context.Context, input numbering.NewDocument) (*numbering.Document, error)
	PeekNext(ctx context.Context, tenantID uuid.UUID, docType numbering.DocumentType) (numbering.Allocation, error)
}

// PublicResolver resolves a public hash to its document
type PublicResolver interface {
	Resolve(ctx context.Context, docType numbering.DocumentType, hash string) (*numbering.Document, error)
}

// DocumentHandler handles document creation and public lookup
type DocumentHandler struct {
	BaseHandler
	documents DocumentService
	resolver  PublicResolver
}

// NewDocumentHandler creates a new DocumentHandler
func NewDocumentHandler(documents DocumentService, resolver PublicResolver) *DocumentHandler {
	return &DocumentHandler{
		documents: documents,
		resolver:  resolver,
	}
}

// Create allocates the next number of the tenant's namespace and stores the document
func (h *DocumentHandler) Create(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	docType, err := parseDocumentType(c.Param("type"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	var req dto.CreateDocumentRequest
	if !h.bindJSON(c, &req) {
		return
	}

	doc, err := h.documents.CreateDocument(c.Request.Context(), numbering.NewDocument{
		TenantID:   tenantID,
		Type:       docType,
		CustomerID: uuid.MustParse(req.CustomerID),
		InvoiceID:  req.InvoiceID,
		Amount:     toDecimal(req.Amount),
		Notes:      req.Notes,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Created(c, dto.NewDocumentResponse(doc))
}

// NextNumber previews the code the next document of the namespace would get
func (h *DocumentHandler) NextNumber(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	docType, err := parseDocumentType(c.Param("type"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	next, err := h.documents.PeekNext(c.Request.Context(), tenantID, docType)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, dto.NextNumberResponse{
		Type:           docType.String(),
		SequenceNumber: next.SequenceNumber,
		Code:           next.Code,
	})
}

// ResolvePublic looks a document up by its public hash. No tenant is
// required; every failure is a 404.
func (h *DocumentHandler) ResolvePublic(c *gin.Context) {
	docType, err := parseDocumentType(c.Param("type"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	doc, err := h.resolver.Resolve(c.Request.Context(), docType, c.Param("hash"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, dto.NewPublicDocumentResponse(doc))
}
