package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/service"
)

// RetentionHandler exposes retention queries and archival.
type RetentionHandler struct {
	svc    *service.Ledger
	tokens *identity.TokenIssuer
	logger *zap.Logger
}

// NewRetentionHandler creates a RetentionHandler.
func NewRetentionHandler(svc *service.Ledger, tokens *identity.TokenIssuer, logger *zap.Logger) *RetentionHandler {
	return &RetentionHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the retention routes on the given router group.
func (h *RetentionHandler) Register(rg *gin.RouterGroup) {
	r := rg.Group("/retention", identity.RequireScope(h.tokens, identity.ScopeAudit))
	{
		r.GET("/expired", h.ListExpired)
		r.POST("/archive", h.Archive)
		r.GET("/archive/:seq/verify", h.VerifyArchived)
	}
}

// ListExpired handles GET /retention/expired?as_of&limit.
func (h *RetentionHandler) ListExpired(c *gin.Context) {
	asOf, err := queryTime(c, "as_of")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	limit, err := queryUint(c, "limit")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	n := 0
	if limit != nil {
		n = int(*limit)
	}

	refs, err := h.svc.ListExpired(c.Request.Context(), asOf, n)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if refs == nil {
		refs = []ledger.EntryRef{}
	}
	c.JSON(http.StatusOK, gin.H{"as_of": asOf, "entries": refs, "count": len(refs)})
}

type archiveRequest struct {
	AsOf time.Time `json:"as_of"`
}

// Archive handles POST /retention/archive.
func (h *RetentionHandler) Archive(c *gin.Context) {
	var req archiveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if req.AsOf.IsZero() {
		req.AsOf = time.Now().UTC()
	}

	res, err := h.svc.ArchiveExpired(c.Request.Context(), req.AsOf)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	RecordArchive(res.Archived, res.Skipped)
	c.JSON(http.StatusOK, res)
}

// VerifyArchived handles GET /retention/archive/:seq/verify. A divergent
// archive copy is reported with valid=false.
func (h *RetentionHandler) VerifyArchived(c *gin.Context) {
	seq, ok := seqParam(c)
	if !ok {
		return
	}
	err := h.svc.VerifyArchived(c.Request.Context(), seq)
	if errors.Is(err, ledger.ErrHashMismatch) {
		h.logger.Error("archived entry diverges from chain", zap.Uint64("seq", seq), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"sequence_number": seq, "valid": false, "error": err.Error()})
		return
	}
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sequence_number": seq, "valid": true})
}
