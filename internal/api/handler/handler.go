// Package handler exposes the ledger over HTTP with Gin.
package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/service"
)

// writeError maps service errors to HTTP responses.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	var (
		ve *ledger.ValidationError
		ee *ledger.EncodingError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ee):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrQueueFull):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrWriterUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrAckTimeout):
		writeAckTimeout(c, err, nil)
	default:
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// writeAckTimeout answers 202 for an entry that was queued but not seen to
// commit. The caller polls /entries/:id/disposition with the entry_id.
func writeAckTimeout(c *gin.Context, err error, extra gin.H) {
	body := gin.H{
		"status": service.StatusUnknown,
		"error":  err.Error(),
	}
	var ack *ledger.AckTimeoutError
	if errors.As(err, &ack) {
		body["entry_id"] = ack.EntryID
	}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusAccepted, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// fillActor defaults the actor to the token subject and the caller's IP.
func fillActor(c *gin.Context, a *ledger.Actor) {
	if a.ID == "" {
		a.ID = identity.SubjectFromCtx(c)
	}
	if a.IP == "" {
		a.IP = c.ClientIP()
	}
}

func entryIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func seqParam(c *gin.Context) (uint64, bool) {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		badRequest(c, "seq must be a non-negative integer")
		return 0, false
	}
	return seq, true
}

func entityParam(c *gin.Context) (ledger.EntityRef, bool) {
	ref := ledger.EntityRef{Type: c.Param("type"), ID: c.Param("id")}
	if err := ref.Validate(); err != nil {
		badRequest(c, err.Error())
		return ref, false
	}
	return ref, true
}

// queryUint parses an optional non-negative integer query parameter.
func queryUint(c *gin.Context, name string) (*uint64, error) {
	s := c.Query(name)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return &v, nil
}

// queryRange parses the start and end query parameters.
func queryRange(c *gin.Context) (start, end *uint64, ok bool) {
	var err error
	if start, err = queryUint(c, "start"); err != nil {
		badRequest(c, err.Error())
		return nil, nil, false
	}
	if end, err = queryUint(c, "end"); err != nil {
		badRequest(c, err.Error())
		return nil, nil, false
	}
	if start != nil && end != nil && *start > *end {
		badRequest(c, "start must not be after end")
		return nil, nil, false
	}
	return start, end, true
}

// queryTime parses an optional RFC 3339 query parameter.
func queryTime(c *gin.Context, name string) (time.Time, error) {
	s := c.Query(name)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return t, nil
}
