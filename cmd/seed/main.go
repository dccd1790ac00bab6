// Command seed fills a running AuditLedger server with realistic demo
// activity: a trading desk creating and approving orders, and a plant moving
// production batches through a custody chain.
//
// Running twice is safe: every entry gets a deterministic entry_id, so a
// second run resolves to the entries the first one committed.
//
// Usage:
//
//	go run ./cmd/seed
//	AUDITLEDGER_SERVER=http://localhost:8080 AUDITLEDGER_TOKEN=... go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/custody"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/pkg/client"
)

// seedNamespace derives the deterministic entry ids.
var seedNamespace = uuid.MustParse("6f1d3c2a-5b4e-4f7a-9c8d-2e1b0a9f8e7d")

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(context.Background(), logger); err != nil {
		logger.Fatal("seed failed", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	server := os.Getenv("AUDITLEDGER_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	c, err := client.New(server, client.WithToken(os.Getenv("AUDITLEDGER_TOKEN")))
	if err != nil {
		return err
	}

	s := &seeder{c: c, logger: logger}
	if err := s.trading(ctx); err != nil {
		return fmt.Errorf("seed trading desk: %w", err)
	}
	if err := s.manufacturing(ctx); err != nil {
		return fmt.Errorf("seed manufacturing: %w", err)
	}

	rep, err := c.Verify(ctx, nil, nil)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	logger.Info("seed complete",
		zap.Int("submitted", s.submitted),
		zap.Uint64("entries_checked", rep.EntriesChecked),
		zap.Bool("valid", rep.Valid),
		zap.Float64("compliance_score", rep.ComplianceScore),
	)
	return nil
}

type seeder struct {
	c         *client.Client
	logger    *zap.Logger
	submitted int
}

func seedID(name string) uuid.UUID {
	return uuid.NewSHA1(seedNamespace, []byte(name))
}

func (s *seeder) submit(ctx context.Context, name string, req client.SubmitRequest) (*ledger.Entry, error) {
	req.EntryID = seedID(name)
	e, err := s.c.SubmitAndWait(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	s.submitted++
	s.logger.Info("seeded entry",
		zap.String("name", name),
		zap.Uint64("seq", e.SequenceNumber),
		zap.String("entity", e.Entity.String()),
	)
	return e, nil
}

// ── Trading desk ─────────────────────────────────────────────────────────────

type seedOrder struct {
	ID       string
	Trader   string
	Symbol   string
	Side     string
	Qty      int
	Price    string
	Approver string
	Decision string
}

var orders = []seedOrder{
	{"ORD-1001", "trader-7", "ACME", "buy", 500, "101.25", "risk-desk-1", "approved"},
	{"ORD-1002", "trader-7", "GLOBX", "sell", 1200, "48.10", "risk-desk-1", "approved"},
	{"ORD-1003", "trader-12", "ACME", "buy", 25000, "101.40", "risk-desk-2", "rejected"},
	{"ORD-1004", "trader-12", "INITECH", "buy", 300, "12.875", "risk-desk-2", "approved"},
}

func (s *seeder) trading(ctx context.Context) error {
	for _, o := range orders {
		ref := ledger.EntityRef{Type: "order", ID: o.ID}
		if _, err := s.submit(ctx, o.ID+"/create", client.SubmitRequest{
			Actor:  ledger.Actor{ID: o.Trader, SessionID: "desk-session-" + o.Trader},
			Action: ledger.ActionCreate,
			Entity: ref,
			Payload: ledger.ChangePayload{New: map[string]any{
				"symbol": o.Symbol,
				"side":   o.Side,
				"qty":    o.Qty,
				"price":  o.Price,
				"tif":    "DAY",
			}},
		}); err != nil {
			return err
		}
		if _, err := s.submit(ctx, o.ID+"/approve", client.SubmitRequest{
			Actor:  ledger.Actor{ID: o.Approver},
			Action: ledger.ActionApprove,
			Entity: ref,
			Payload: ledger.ApprovalPayload{
				Decision:  o.Decision,
				Comment:   "pre-trade limit check",
				Reference: o.ID + "/create",
			},
		}); err != nil {
			return err
		}
	}

	// A fat-finger correction on the first order.
	ref := ledger.EntityRef{Type: "order", ID: "ORD-1001"}
	amends, err := s.c.QueryByEntity(ctx, ref, client.EntityQuery{Action: ledger.ActionAmend})
	if err != nil {
		return err
	}
	if len(amends) > 0 {
		return nil
	}
	orig := seedID("ORD-1001/create")
	if _, err := s.c.Amend(ctx, orig, ledger.Actor{ID: "ops-1"}, "quantity keyed as 500, ticket says 50",
		map[string]any{"qty": 50}); err != nil {
		return fmt.Errorf("amend ORD-1001: %w", err)
	}
	s.submitted++
	return nil
}

// ── Manufacturing ────────────────────────────────────────────────────────────

type hop struct {
	To       string
	Location string
	Temp     float64
}

var batches = map[string][]hop{
	"LOT-2024-0042": {
		{"receiving", "dock-2", 4.1},
		{"mixing", "line-1", 18.5},
		{"qa-lab", "lab-a", 20.0},
		{"warehouse", "bay-7", 4.3},
	},
	"LOT-2024-0043": {
		{"receiving", "dock-1", 3.9},
		{"mixing", "line-2", 19.2},
	},
}

func (s *seeder) manufacturing(ctx context.Context) error {
	start := time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)
	for _, lot := range []string{"LOT-2024-0042", "LOT-2024-0043"} {
		ref := ledger.EntityRef{Type: "batch", ID: lot}
		if _, err := s.submit(ctx, lot+"/create", client.SubmitRequest{
			Actor:     ledger.Actor{ID: "mes-system"},
			Action:    ledger.ActionCreate,
			Entity:    ref,
			Timestamp: start,
			Payload: ledger.ChangePayload{New: map[string]any{
				"product": "compound-7",
				"units":   1200,
			}},
		}); err != nil {
			return err
		}

		// Transfers are not idempotent, so skip lots that already have a chain.
		existing, err := s.c.CustodyChain(ctx, ref, time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			s.logger.Info("custody chain already seeded", zap.String("lot", lot))
			continue
		}

		from := ""
		for _, h := range batches[lot] {
			if _, err := s.c.RecordTransfer(ctx, ref, ledger.Actor{ID: "operator-" + h.Location}, custody.Transfer{
				From:       from,
				To:         h.To,
				Location:   h.Location,
				Reason:     "routing",
				Conditions: map[string]any{"temp_c": h.Temp},
			}); err != nil {
				return fmt.Errorf("%s transfer to %s: %w", lot, h.To, err)
			}
			s.submitted++
			from = h.To
		}

		rep, err := s.c.VerifyCustody(ctx, ref)
		if err != nil {
			return err
		}
		s.logger.Info("custody chain seeded",
			zap.String("lot", lot),
			zap.Int("transfers", rep.Transfers),
			zap.String("holder", rep.CurrentHolder),
			zap.Bool("valid", rep.Valid),
		)
	}
	return nil
}
