package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/verify"
)

// ── head ─────────────────────────────────────────────────────────────────────

var headCmd = &cobra.Command{
	Use:   "head",
	Short: "Show the current end of the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		h, err := c.Head(context.Background())
		if err != nil {
			return explain(err)
		}
		if wantJSON() {
			return printJSON(os.Stdout, h)
		}
		fmt.Printf("Length:     %d\n", h.Length)
		fmt.Printf("Tail seq:   %d\n", h.TailSequence)
		fmt.Printf("Tail hash:  %s\n", h.TailHash)
		fmt.Printf("Tail time:  %s\n", h.TailTime.UTC().Format(ledger.TimeFormat))
		return nil
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyFile string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain and signatures",
	Long: `verify asks the server to re-derive every chain hash in a range and check
each signature. The command exits non-zero when the range is not intact.

  ledgerctl verify                     # whole chain
  ledgerctl verify --start 100 --end 200

With --file it instead checks a JSON Lines export offline. Offline checks
cover the hashes only; signatures need the server's key ring.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if verifyFile != "" {
			return runOfflineVerify(verifyFile)
		}
		start, err := optionalSeq(cmd, "start")
		if err != nil {
			return err
		}
		end, err := optionalSeq(cmd, "end")
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		rep, err := c.Verify(context.Background(), start, end)
		if err != nil {
			return explain(err)
		}
		if wantJSON() {
			if err := printJSON(os.Stdout, rep); err != nil {
				return err
			}
		} else {
			printReport(rep)
		}
		if !rep.Valid {
			return fmt.Errorf("ledger integrity check failed")
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().String("start", "", "first sequence number (default genesis)")
	verifyCmd.Flags().String("end", "", "last sequence number (default tail)")
	verifyCmd.Flags().StringVar(&verifyFile, "file", "", "verify a JSON Lines export offline")
}

func printReport(rep *verify.Report) {
	mark := "✓"
	if !rep.Valid {
		mark = "✗"
	}
	fmt.Printf("%s Range %d..%d: %d entries checked, %d intact\n",
		mark, rep.Start, rep.End, rep.EntriesChecked, rep.IntactEntries)
	fmt.Printf("  compliance score: %.4f\n", rep.ComplianceScore)
	if rep.FirstBrokenSequence != nil {
		fmt.Printf("  first broken:     #%d (%s)\n", *rep.FirstBrokenSequence, rep.Cause)
	}
	if rep.UnverifiableFrom != nil {
		fmt.Printf("  unverifiable from #%d\n", *rep.UnverifiableFrom)
	}
	for _, f := range rep.Findings {
		fmt.Printf("  - #%d %s %s\n", f.Sequence, f.Cause, f.Detail)
	}
	for _, p := range rep.PayloadIssues {
		fmt.Printf("  - #%d payload %s: %s\n", p.Sequence, p.Kind, p.Detail)
	}
	if !rep.Completed {
		fmt.Println("  stopped early: too many findings")
	}
}

// offlineResult is the outcome of checking an export without the server.
type offlineResult struct {
	Entries     int      `json:"entries"`
	FirstSeq    uint64   `json:"first_sequence"`
	LastSeq     uint64   `json:"last_sequence"`
	Valid       bool     `json:"valid"`
	BrokenLinks []uint64 `json:"broken_links,omitempty"`
	Gaps        []uint64 `json:"gaps,omitempty"`
}

// verifyExport checks every link of a JSON Lines export. An export that
// does not start at genesis is anchored on its first entry's previous_hash.
func verifyExport(r io.Reader) (*offlineResult, error) {
	res := &offlineResult{Valid: true}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var prev *ledger.Entry
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e ledger.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", res.Entries+1, err)
		}
		anchor := e.PreviousHash
		if prev != nil {
			anchor = prev.ChainHash
			if e.SequenceNumber != prev.SequenceNumber+1 {
				res.Gaps = append(res.Gaps, prev.SequenceNumber+1)
				res.Valid = false
			}
		} else {
			res.FirstSeq = e.SequenceNumber
		}
		if !ledger.VerifyLink(&e, anchor) {
			res.BrokenLinks = append(res.BrokenLinks, e.SequenceNumber)
			res.Valid = false
		}
		res.LastSeq = e.SequenceNumber
		res.Entries++
		prev = &e
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func runOfflineVerify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := verifyExport(f)
	if err != nil {
		return err
	}
	if wantJSON() {
		if err := printJSON(os.Stdout, res); err != nil {
			return err
		}
	} else if res.Valid {
		fmt.Printf("✓ %d entries (#%d..#%d) link correctly\n", res.Entries, res.FirstSeq, res.LastSeq)
	} else {
		fmt.Printf("✗ %d entries checked\n", res.Entries)
		for _, s := range res.BrokenLinks {
			fmt.Printf("  - #%d chain hash does not match\n", s)
		}
		for _, s := range res.Gaps {
			fmt.Printf("  - #%d missing\n", s)
		}
	}
	if !res.Valid {
		return fmt.Errorf("export %s does not verify", path)
	}
	return nil
}

// ── attest ───────────────────────────────────────────────────────────────────

var attestCmd = &cobra.Command{
	Use:   "attest",
	Short: "Verify a range and record the result as a ledger entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := optionalSeq(cmd, "start")
		if err != nil {
			return err
		}
		end, err := optionalSeq(cmd, "end")
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		att, err := c.Attest(context.Background(), ledger.Actor{}, start, end)
		if err != nil {
			return explain(err)
		}
		if wantJSON() {
			return printJSON(os.Stdout, att)
		}
		printReport(att.Report)
		fmt.Printf("  recorded as %s\n", entryLine(att.Entry))
		return nil
	},
}

func init() {
	attestCmd.Flags().String("start", "", "first sequence number (default genesis)")
	attestCmd.Flags().String("end", "", "last sequence number (default tail)")
}

// ── export ───────────────────────────────────────────────────────────────────

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a range with hashes and signatures",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := optionalSeq(cmd, "start")
		if err != nil {
			return err
		}
		end, err := optionalSeq(cmd, "end")
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if exportOut != "" && exportOut != "-" {
			f, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		if err := c.Export(context.Background(), w, exportFormat, start, end); err != nil {
			return explain(err)
		}
		if exportOut != "" && exportOut != "-" {
			fmt.Fprintf(os.Stderr, "✓ Exported to %s\n", exportOut)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("start", "", "first sequence number (default genesis)")
	exportCmd.Flags().String("end", "", "last sequence number (default tail)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "jsonl or csv")
	exportCmd.Flags().StringVarP(&exportOut, "file", "f", "-", "output file, - for stdout")
}
