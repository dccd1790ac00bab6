package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/monitor"
	"github.com/jmerrifield20/AuditLedger/internal/service"
	"github.com/jmerrifield20/AuditLedger/internal/store"
)

// MonitorStatus reports integrity monitor progress. *monitor.Monitor
// implements it.
type MonitorStatus interface {
	Status() monitor.Status
}

// QueueDepth reports how many candidates wait for the writer.
// *ingest.Writer implements it.
type QueueDepth interface {
	QueueLen() int
}

// HealthHandler serves /healthz.
type HealthHandler struct {
	svc     *service.Ledger
	monitor MonitorStatus
	queue   QueueDepth
	logger  *zap.Logger
}

// NewHealthHandler creates a HealthHandler. mon may be nil.
func NewHealthHandler(svc *service.Ledger, mon MonitorStatus, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{svc: svc, monitor: mon, logger: logger}
}

// SetQueue makes /healthz report the ingest queue depth.
func (h *HealthHandler) SetQueue(q QueueDepth) { h.queue = q }

// Healthz reports the ledger head and, when the monitor runs, the result
// of its last pass. It fails only when the store cannot be read.
func (h *HealthHandler) Healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}

	head, err := h.svc.Head(c.Request.Context())
	switch {
	case errors.Is(err, store.ErrEmpty):
		body["status"] = "starting"
	case err != nil:
		h.logger.Error("healthz: read head", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	default:
		body["head"] = head
	}

	if h.queue != nil {
		body["queue_depth"] = h.queue.QueueLen()
	}
	if h.monitor != nil {
		st := h.monitor.Status()
		body["integrity"] = st
		if st.Passes > 0 && !st.LastValid {
			body["status"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, body)
}
