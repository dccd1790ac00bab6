// Package client is the AuditLedger Go SDK.
//
// It wraps the REST API: submitting entries, reading them back, verifying
// the chain, recording custody transfers and driving retention.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithToken(os.Getenv("AUDITLEDGER_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Submitting
//
// SubmitAndWait blocks until the entry is durable and returns it with its
// sequence number, chain hash and signature:
//
//	entry, err := c.SubmitAndWait(ctx, client.SubmitRequest{
//	    Actor:   ledger.Actor{ID: "trader-7"},
//	    Action:  ledger.ActionCreate,
//	    Entity:  ledger.EntityRef{Type: "order", ID: "o-1"},
//	    Payload: ledger.ChangePayload{New: map[string]any{"qty": 100}},
//	})
//
// Submissions are idempotent by entry_id. Set SubmitRequest.EntryID and a
// retry after ErrQueueFull or ErrAckTimeout cannot create a duplicate:
//
//	var ack *client.AckTimeoutError
//	if errors.As(err, &ack) {
//	    d, _ := c.Disposition(ctx, ack.EntryID)
//	    // d.Status is "committed" or "unknown"
//	}
//
// # Verifying
//
//	rep, err := c.Verify(ctx, nil, nil) // whole chain
//	if !rep.Valid {
//	    fmt.Println(rep.Cause, *rep.FirstBrokenSequence)
//	}
//
// Entries returned by the SDK carry their hashes, so an exported range can
// also be re-checked offline with ledger.VerifyLink.
package client
