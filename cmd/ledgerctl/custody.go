package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jmerrifield20/AuditLedger/internal/custody"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
)

var custodyCmd = &cobra.Command{
	Use:   "custody",
	Short: "Record and inspect chain of custody",
}

func init() {
	custodyCmd.AddCommand(custodyTransferCmd, custodyChainCmd, custodyVerifyCmd)
}

// ── custody transfer ─────────────────────────────────────────────────────────

var (
	transferFrom       string
	transferTo         string
	transferLocation   string
	transferReason     string
	transferConditions string
	transferEntryID    string
)

var custodyTransferCmd = &cobra.Command{
	Use:   "transfer <type:id>",
	Short: "Record a hand-over of an entity",
	Long: `transfer records that custody of an entity moved between holders. Leave
--from empty for the first hand-over. Pass --entry-id to make a retry
idempotent.

  ledgerctl custody transfer batch:LOT-42 --to mixing --location line-1
  ledgerctl custody transfer batch:LOT-42 --from mixing --to qa \
      --conditions '{"temp_c":4.2}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseEntity(args[0])
		if err != nil {
			return err
		}
		tr := custody.Transfer{
			From:     transferFrom,
			To:       transferTo,
			Location: transferLocation,
			Reason:   transferReason,
		}
		if transferEntryID != "" {
			if tr.EntryID, err = uuid.Parse(transferEntryID); err != nil {
				return fmt.Errorf("--entry-id: %w", err)
			}
		}
		if transferConditions != "" {
			raw, err := readData(transferConditions)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &tr.Conditions); err != nil {
				return fmt.Errorf("--conditions must be a JSON object: %w", err)
			}
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		e, err := c.RecordTransfer(context.Background(), ref, ledger.Actor{}, tr)
		if err != nil {
			return explain(err)
		}
		if wantJSON() {
			return printJSON(os.Stdout, e)
		}
		from := tr.From
		if from == "" {
			from = "(origin)"
		}
		fmt.Printf("✓ %s: %s → %s recorded at #%d\n", ref, from, tr.To, e.SequenceNumber)
		return nil
	},
}

func init() {
	custodyTransferCmd.Flags().StringVar(&transferFrom, "from", "", "holder handing over")
	custodyTransferCmd.Flags().StringVar(&transferTo, "to", "", "holder receiving")
	custodyTransferCmd.Flags().StringVar(&transferLocation, "location", "", "where the hand-over happened")
	custodyTransferCmd.Flags().StringVar(&transferReason, "reason", "", "why custody moved")
	custodyTransferCmd.Flags().StringVar(&transferConditions, "conditions", "", "conditions at hand-over as JSON or @file")
	custodyTransferCmd.Flags().StringVar(&transferEntryID, "entry-id", "", "entry id (default: generated)")
	_ = custodyTransferCmd.MarkFlagRequired("to")
}

// ── custody chain ────────────────────────────────────────────────────────────

var (
	chainSince string
	chainUntil string
)

var custodyChainCmd = &cobra.Command{
	Use:   "chain <type:id>",
	Short: "List the custody transfers of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseEntity(args[0])
		if err != nil {
			return err
		}
		since, err := parseTimeFlag("since", chainSince)
		if err != nil {
			return err
		}
		until, err := parseTimeFlag("until", chainUntil)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		records, err := c.CustodyChain(context.Background(), ref, since, until)
		if err != nil {
			return explain(err)
		}
		if wantJSON() {
			return printJSON(os.Stdout, records)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIMESTAMP\tFROM\tTO\tLOCATION\tACTOR")
		for _, r := range records {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				r.Sequence, r.Timestamp.Format(time.RFC3339), r.FromHolder, r.ToHolder, r.Location, r.Actor.ID)
		}
		return w.Flush()
	},
}

func init() {
	custodyChainCmd.Flags().StringVar(&chainSince, "since", "", "only transfers at or after this RFC 3339 time")
	custodyChainCmd.Flags().StringVar(&chainUntil, "until", "", "only transfers at or before this RFC 3339 time")
}

// ── custody verify ───────────────────────────────────────────────────────────

var custodyVerifyCmd = &cobra.Command{
	Use:   "verify <type:id>",
	Short: "Check a custody chain for gaps and tampering",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseEntity(args[0])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		rep, err := c.VerifyCustody(context.Background(), ref)
		if err != nil {
			return explain(err)
		}
		if wantJSON() {
			if err := printJSON(os.Stdout, rep); err != nil {
				return err
			}
		} else {
			mark := "✓"
			if !rep.Valid {
				mark = "✗"
			}
			fmt.Printf("%s %s: %d transfers, current holder %q\n", mark, rep.Entity, rep.Transfers, rep.CurrentHolder)
			for _, g := range rep.Gaps {
				fmt.Printf("  - gap at #%d: expected from %q, got %q\n", g.Sequence, g.ExpectedHolder, g.ActualHolder)
			}
			for _, is := range rep.Issues {
				if is.Cause == "custody_gap" {
					continue
				}
				fmt.Printf("  - #%d %s %s: %s\n", is.Sequence, is.Kind, is.Cause, is.Detail)
			}
		}
		if !rep.Valid {
			return fmt.Errorf("custody chain of %s is broken", ref)
		}
		return nil
	},
}
