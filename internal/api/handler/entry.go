package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/service"
)

// PayloadBody is the tagged payload of a submission.
type PayloadBody struct {
	Kind ledger.PayloadKind `json:"kind" binding:"required"`
	Data json.RawMessage    `json:"data"`
}

// SubmitRequest is the body of POST /entries. EntryID is optional; a
// producer that sets it can resubmit safely.
type SubmitRequest struct {
	EntryID   uuid.UUID        `json:"entry_id"`
	Timestamp time.Time        `json:"timestamp"`
	Actor     ledger.Actor     `json:"actor"`
	Action    ledger.Action    `json:"action" binding:"required"`
	Entity    ledger.EntityRef `json:"entity"`
	Payload   PayloadBody      `json:"payload"`
}

type amendRequest struct {
	Actor       ledger.Actor   `json:"actor"`
	Reason      string         `json:"reason" binding:"required"`
	Corrections map[string]any `json:"corrections"`
}

// EntryHandler handles submission and lookup of entries.
type EntryHandler struct {
	svc    *service.Ledger
	tokens *identity.TokenIssuer
	logger *zap.Logger
}

// NewEntryHandler creates an EntryHandler. A nil tokens disables auth.
func NewEntryHandler(svc *service.Ledger, tokens *identity.TokenIssuer, logger *zap.Logger) *EntryHandler {
	return &EntryHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the entry routes on the given router group.
func (h *EntryHandler) Register(rg *gin.RouterGroup) {
	write := identity.RequireScope(h.tokens, identity.ScopeWrite)
	read := identity.RequireScope(h.tokens, identity.ScopeRead, identity.ScopeAudit)
	readOrWrite := identity.RequireScope(h.tokens, identity.ScopeRead, identity.ScopeAudit, identity.ScopeWrite)

	e := rg.Group("/entries")
	{
		e.POST("", write, h.Submit)
		e.GET("/:id", read, h.GetEntry)
		e.GET("/:id/disposition", readOrWrite, h.Disposition)
		e.POST("/:id/amend", write, h.Amend)
	}
	rg.GET("/entities/:type/:id/entries", read, h.QueryByEntity)
}

// Submit handles POST /entries. With ?wait=true it blocks for the commit
// and returns 201 with the entry; otherwise it returns 202 once queued.
func (h *EntryHandler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	payload, err := ledger.PayloadFromJSON(req.Payload.Kind, req.Payload.Data)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	cand := &ledger.Candidate{
		EntryID:   req.EntryID,
		Timestamp: req.Timestamp,
		Actor:     req.Actor,
		Action:    req.Action,
		Entity:    req.Entity,
		Payload:   payload,
	}
	fillActor(c, &cand.Actor)

	ctx := c.Request.Context()
	if c.Query("wait") != "true" {
		id, err := h.svc.Submit(ctx, cand)
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"entry_id": id})
		return
	}

	entry, err := h.svc.SubmitAndWait(ctx, cand)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// GetEntry handles GET /entries/:id.
func (h *EntryHandler) GetEntry(c *gin.Context) {
	id, ok := entryIDParam(c)
	if !ok {
		return
	}
	entry, err := h.svc.GetEntry(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Disposition handles GET /entries/:id/disposition.
func (h *EntryHandler) Disposition(c *gin.Context) {
	id, ok := entryIDParam(c)
	if !ok {
		return
	}
	d, err := h.svc.Disposition(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Amend handles POST /entries/:id/amend.
func (h *EntryHandler) Amend(c *gin.Context) {
	id, ok := entryIDParam(c)
	if !ok {
		return
	}
	var req amendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	fillActor(c, &req.Actor)

	entry, err := h.svc.Amend(c.Request.Context(), id, req.Actor, req.Reason, req.Corrections)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// QueryByEntity handles GET /entities/:type/:id/entries.
func (h *EntryHandler) QueryByEntity(c *gin.Context) {
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

	entries, err := h.svc.QueryByEntity(c.Request.Context(), ref,
		service.TimeRange{Since: since, Until: until}, ledger.Action(c.Query("action")))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entity":  ref,
		"entries": entries,
		"count":   len(entries),
	})
}
