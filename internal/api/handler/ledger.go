package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/service"
)

// LedgerHandler exposes chain-level endpoints: head, lookups by sequence,
// verification, export and the live stream.
type LedgerHandler struct {
	svc    *service.Ledger
	tokens *identity.TokenIssuer
	stream *StreamHub
	logger *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler. stream may be nil.
func NewLedgerHandler(svc *service.Ledger, tokens *identity.TokenIssuer, stream *StreamHub, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, tokens: tokens, stream: stream, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	read := identity.RequireScope(h.tokens, identity.ScopeRead, identity.ScopeAudit)
	audit := identity.RequireScope(h.tokens, identity.ScopeAudit)

	l := rg.Group("/ledger")
	{
		l.GET("/head", read, h.Head)
		l.GET("/seq/:seq", read, h.GetBySequence)
		l.GET("/verify", audit, h.Verify)
		l.POST("/attest", audit, h.Attest)
		l.GET("/export", audit, h.Export)
		if h.stream != nil {
			l.GET("/stream", read, h.stream.Serve)
		}
	}
}

// Head handles GET /ledger/head.
func (h *LedgerHandler) Head(c *gin.Context) {
	head, err := h.svc.Head(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, head)
}

// GetBySequence handles GET /ledger/seq/:seq.
func (h *LedgerHandler) GetBySequence(c *gin.Context) {
	seq, ok := seqParam(c)
	if !ok {
		return
	}
	entry, err := h.svc.GetBySequence(c.Request.Context(), seq)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Verify handles GET /ledger/verify?start&end. A broken chain is a
// successful request with valid=false.
func (h *LedgerHandler) Verify(c *gin.Context) {
	start, end, ok := queryRange(c)
	if !ok {
		return
	}
	rep, err := h.svc.VerifyRange(c.Request.Context(), start, end)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if !rep.Valid {
		h.logger.Warn("ledger integrity check failed",
			zap.Uint64("start", rep.Start),
			zap.Uint64("end", rep.End),
			zap.String("cause", string(rep.Cause)),
		)
	}
	c.JSON(http.StatusOK, rep)
}

type attestRequest struct {
	Actor ledger.Actor `json:"actor"`
	Start *uint64      `json:"start"`
	End   *uint64      `json:"end"`
}

// Attest handles POST /ledger/attest: verify a range and record the
// outcome as a verify entry.
func (h *LedgerHandler) Attest(c *gin.Context) {
	var req attestRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	fillActor(c, &req.Actor)
	if req.Actor.ID == "" {
		req.Actor.ID = "auditor"
	}

	rep, entry, err := h.svc.AttestRange(c.Request.Context(), req.Actor, req.Start, req.End)
	if errors.Is(err, ledger.ErrAckTimeout) {
		writeAckTimeout(c, err, gin.H{"report": rep})
		return
	}
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"report": rep, "entry": entry})
}

// Export handles GET /ledger/export?start&end&format=jsonl|csv.
func (h *LedgerHandler) Export(c *gin.Context) {
	format, err := service.ParseExportFormat(c.Query("format"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	start, end, ok := queryRange(c)
	if !ok {
		return
	}

	c.Header("Content-Type", format.ContentType())
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="auditledger.%s"`, format))
	c.Status(http.StatusOK)

	n, err := h.svc.Export(c.Request.Context(), c.Writer, format, start, end)
	if err != nil {
		// Headers are gone; all that is left is to cut the stream short.
		h.logger.Error("ledger export interrupted", zap.Int("written", n), zap.Error(err))
		return
	}
	h.logger.Info("ledger exported", zap.Int("entries", n), zap.String("format", string(format)))
}
