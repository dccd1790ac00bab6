package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"github.com/jmerrifield20/AuditLedger/internal/service"
)

// Mount registers every ledger route group on rg.
func Mount(rg *gin.RouterGroup, svc *service.Ledger, tokens *identity.TokenIssuer, stream *StreamHub, logger *zap.Logger) {
	NewEntryHandler(svc, tokens, logger).Register(rg)
	NewLedgerHandler(svc, tokens, stream, logger).Register(rg)
	NewCustodyHandler(svc, tokens, logger).Register(rg)
	NewRetentionHandler(svc, tokens, logger).Register(rg)
}
