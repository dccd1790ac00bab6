package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/pkg/client"
)

// ── submit ───────────────────────────────────────────────────────────────────

var (
	submitActor   string
	submitAction  string
	submitEntity  string
	submitKind    string
	submitData    string
	submitEntryID string
	submitNoWait  bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Append an entry to the ledger",
	Long: `submit appends one entry. The payload body is JSON, given inline or as
@file:

  ledgerctl submit --action create --entity order:o-1 \
      --data '{"new":{"qty":100,"px":"101.25"}}'

  ledgerctl submit --action approve --entity order:o-1 --kind approval \
      --data '{"decision":"approved","comment":"within limits"}'

Pass --entry-id to make a retry idempotent.`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitActor, "actor", "", "actor id (default: token subject)")
	submitCmd.Flags().StringVar(&submitAction, "action", "", "create, update, delete, approve, custody_transfer, verify or amend")
	submitCmd.Flags().StringVar(&submitEntity, "entity", "", "entity reference as type:id")
	submitCmd.Flags().StringVar(&submitKind, "kind", string(ledger.KindChange), "payload kind")
	submitCmd.Flags().StringVar(&submitData, "data", "{}", "payload body as JSON or @file")
	submitCmd.Flags().StringVar(&submitEntryID, "entry-id", "", "entry id (default: generated)")
	submitCmd.Flags().BoolVar(&submitNoWait, "no-wait", false, "return once queued instead of waiting for the commit")

	_ = submitCmd.MarkFlagRequired("action")
	_ = submitCmd.MarkFlagRequired("entity")
}

func readData(s string) (json.RawMessage, error) {
	if path, ok := strings.CutPrefix(s, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		s = string(b)
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("--data is not valid JSON")
	}
	return json.RawMessage(s), nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ref, err := parseEntity(submitEntity)
	if err != nil {
		return err
	}
	raw, err := readData(submitData)
	if err != nil {
		return err
	}
	payload, err := ledger.PayloadFromJSON(ledger.PayloadKind(submitKind), raw)
	if err != nil {
		return err
	}
	req := client.SubmitRequest{
		Actor:   ledger.Actor{ID: submitActor},
		Action:  ledger.Action(submitAction),
		Entity:  ref,
		Payload: payload,
	}
	if submitEntryID != "" {
		if req.EntryID, err = uuid.Parse(submitEntryID); err != nil {
			return fmt.Errorf("--entry-id: %w", err)
		}
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if submitNoWait {
		id, err := c.Submit(ctx, req)
		if err != nil {
			return explain(err)
		}
		fmt.Printf("✓ Queued %s\n", id)
		return nil
	}
	e, err := c.SubmitAndWait(ctx, req)
	if err != nil {
		return explain(err)
	}
	if wantJSON() {
		return printJSON(os.Stdout, e)
	}
	fmt.Printf("✓ Committed %s\n", entryLine(e))
	fmt.Printf("  entry_id:   %s\n", e.EntryID)
	fmt.Printf("  chain_hash: %s\n", e.ChainHash)
	return nil
}

// ── get ──────────────────────────────────────────────────────────────────────

var getDisposition bool

var getCmd = &cobra.Command{
	Use:   "get <entry-id | sequence-number>",
	Short: "Show one entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		id, idErr := uuid.Parse(args[0])
		if getDisposition {
			if idErr != nil {
				return fmt.Errorf("--disposition needs an entry id")
			}
			d, err := c.Disposition(ctx, id)
			if err != nil {
				return explain(err)
			}
			if wantJSON() {
				return printJSON(os.Stdout, d)
			}
			if d.SequenceNumber != nil {
				fmt.Printf("%s %s at #%d\n", d.EntryID, d.Status, *d.SequenceNumber)
			} else {
				fmt.Printf("%s %s\n", d.EntryID, d.Status)
			}
			return nil
		}

		var e *ledger.Entry
		if idErr == nil {
			e, err = c.GetEntry(ctx, id)
		} else {
			var seq uint64
			if _, scanErr := fmt.Sscan(args[0], &seq); scanErr != nil {
				return fmt.Errorf("%q is neither an entry id nor a sequence number", args[0])
			}
			e, err = c.GetBySequence(ctx, seq)
		}
		if err != nil {
			return explain(err)
		}
		return printEntry(e)
	},
}

func init() {
	getCmd.Flags().BoolVar(&getDisposition, "disposition", false, "only report whether the entry is committed")
}

// ── query ────────────────────────────────────────────────────────────────────

var (
	querySince  string
	queryUntil  string
	queryAction string
)

var queryCmd = &cobra.Command{
	Use:   "query <type:id>",
	Short: "List the entries about an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseEntity(args[0])
		if err != nil {
			return err
		}
		q := client.EntityQuery{Action: ledger.Action(queryAction)}
		if q.Since, err = parseTimeFlag("since", querySince); err != nil {
			return err
		}
		if q.Until, err = parseTimeFlag("until", queryUntil); err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.QueryByEntity(context.Background(), ref, q)
		if err != nil {
			return explain(err)
		}
		if wantJSON() {
			return printJSON(os.Stdout, entries)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIMESTAMP\tACTION\tACTOR\tENTRY ID")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				e.SequenceNumber, e.Timestamp.Format(time.RFC3339), e.Action, e.Actor.ID, e.EntryID)
		}
		return w.Flush()
	},
}

func init() {
	queryCmd.Flags().StringVar(&querySince, "since", "", "only entries at or after this RFC 3339 time")
	queryCmd.Flags().StringVar(&queryUntil, "until", "", "only entries at or before this RFC 3339 time")
	queryCmd.Flags().StringVar(&queryAction, "action", "", "only entries with this action")
}

func parseTimeFlag(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be an RFC 3339 time", name)
	}
	return t, nil
}

// ── amend ────────────────────────────────────────────────────────────────────

var (
	amendReason string
	amendData   string
)

var amendCmd = &cobra.Command{
	Use:   "amend <entry-id>",
	Short: "Append a correction that references an earlier entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("entry id: %w", err)
		}
		raw, err := readData(amendData)
		if err != nil {
			return err
		}
		var corrections map[string]any
		if err := json.Unmarshal(raw, &corrections); err != nil {
			return fmt.Errorf("--data must be a JSON object: %w", err)
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		e, err := c.Amend(context.Background(), id, ledger.Actor{}, amendReason, corrections)
		if err != nil {
			return explain(err)
		}
		if wantJSON() {
			return printJSON(os.Stdout, e)
		}
		fmt.Printf("✓ Amended %s with %s\n", id, entryLine(e))
		return nil
	},
}

func init() {
	amendCmd.Flags().StringVar(&amendReason, "reason", "", "why the original is being corrected")
	amendCmd.Flags().StringVar(&amendData, "data", "{}", "corrected fields as JSON or @file")
	_ = amendCmd.MarkFlagRequired("reason")
}
