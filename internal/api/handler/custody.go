package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/custody"
	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/service"
)

type transferRequest struct {
	Actor ledger.Actor `json:"actor"`
	custody.Transfer
}

// CustodyHandler records and checks chains of custody.
type CustodyHandler struct {
	svc    *service.Ledger
	tokens *identity.TokenIssuer
	logger *zap.Logger
}

// NewCustodyHandler creates a CustodyHandler.
func NewCustodyHandler(svc *service.Ledger, tokens *identity.TokenIssuer, logger *zap.Logger) *CustodyHandler {
	return &CustodyHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the custody routes on the given router group.
func (h *CustodyHandler) Register(rg *gin.RouterGroup) {
	cu := rg.Group("/custody/:type/:id")
	{
		cu.POST("/transfers", identity.RequireScope(h.tokens, identity.ScopeWrite), h.RecordTransfer)
		cu.GET("", identity.RequireScope(h.tokens, identity.ScopeRead, identity.ScopeAudit), h.GetChain)
		cu.GET("/verify", identity.RequireScope(h.tokens, identity.ScopeAudit), h.Verify)
	}
}

// RecordTransfer handles POST /custody/:type/:id/transfers.
func (h *CustodyHandler) RecordTransfer(c *gin.Context) {
	ref, ok := entityParam(c)
	if !ok {
		return
	}
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	fillActor(c, &req.Actor)

	entry, err := h.svc.RecordCustodyTransfer(c.Request.Context(), ref, req.Actor, req.Transfer)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// GetChain handles GET /custody/:type/:id?since&until.
func (h *CustodyHandler) GetChain(c *gin.Context) {
	ref, ok := entityParam(c)
	if !ok {
		return
	}
	since, err := queryTime(c, "since")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	until, err := queryTime(c, "until")
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	records, err := h.svc.GetCustodyChain(c.Request.Context(), ref, service.TimeRange{Since: since, Until: until})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if records == nil {
		records = []custody.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"entity": ref, "records": records})
}

// Verify handles GET /custody/:type/:id/verify.
func (h *CustodyHandler) Verify(c *gin.Context) {
	ref, ok := entityParam(c)
	if !ok {
		return
	}
	rep, err := h.svc.VerifyCustodyChain(c.Request.Context(), ref)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}
