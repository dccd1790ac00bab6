package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/pkg/client"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	token        string
	cfgFile      string
	outputFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "AuditLedger command-line client",
	Long: `ledgerctl submits entries to an AuditLedger server, reads them back and
runs integrity, custody and retention operations.

Settings are read from ~/.auditledger.yaml and AUDITLEDGER_* environment
variables:

  server: http://localhost:8080
  token:  eyJhbGciOi...`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home)
			viper.SetConfigName(".auditledger")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("AUDITLEDGER")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.auditledger.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "AuditLedger server URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text or json")

	rootCmd.AddCommand(submitCmd, getCmd, queryCmd, amendCmd)
	rootCmd.AddCommand(headCmd, verifyCmd, attestCmd, exportCmd)
	rootCmd.AddCommand(custodyCmd, expiredCmd, archiveCmd)
	rootCmd.AddCommand(keygenCmd, tokenCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("ledgerctl", version)
	},
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithToken(token))
	}
	return client.New(serverURL, opts...)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func wantJSON() bool { return outputFormat == "json" }

// explain adds a hint for the errors a user can act on.
func explain(err error) error {
	var ack *client.AckTimeoutError
	switch {
	case errors.As(err, &ack):
		return fmt.Errorf("%w (check later with: ledgerctl get %s --disposition)", err, ack.EntryID)
	case errors.Is(err, client.ErrQueueFull):
		return fmt.Errorf("%w (server is shedding load, retry with the same --entry-id)", err)
	case errors.Is(err, client.ErrUnauthorized):
		return fmt.Errorf("%w (pass --token or set AUDITLEDGER_TOKEN)", err)
	}
	return err
}

func parseEntity(s string) (ledger.EntityRef, error) {
	ref, err := ledger.ParseEntityRef(s)
	if err != nil {
		return ref, fmt.Errorf("entity %q: want type:id", s)
	}
	return ref, nil
}

func optionalSeq(cmd *cobra.Command, name string) (*uint64, error) {
	if !cmd.Flags().Changed(name) {
		return nil, nil
	}
	s, _ := cmd.Flags().GetString(name)
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("--%s must be a sequence number", name)
	}
	return &v, nil
}

func entryLine(e *ledger.Entry) string {
	return fmt.Sprintf("#%d %s %s %s %s", e.SequenceNumber, e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		e.Action, e.Entity, e.Actor.ID)
}

func printEntry(e *ledger.Entry) error {
	if wantJSON() {
		return printJSON(os.Stdout, e)
	}
	fmt.Printf("Sequence:   %d\n", e.SequenceNumber)
	fmt.Printf("Entry ID:   %s\n", e.EntryID)
	fmt.Printf("Timestamp:  %s\n", e.Timestamp.UTC().Format(ledger.TimeFormat))
	fmt.Printf("Actor:      %s\n", e.Actor.ID)
	fmt.Printf("Action:     %s\n", e.Action)
	fmt.Printf("Entity:     %s\n", e.Entity)
	fmt.Printf("Digest:     %s\n", e.PayloadDigest)
	fmt.Printf("Prev hash:  %s\n", e.PreviousHash)
	fmt.Printf("Chain hash: %s\n", e.ChainHash)
	fmt.Printf("Signature:  %s (%s)\n", e.Signature.KeyID, e.Signature.Algorithm)
	fmt.Printf("Retain to:  %s\n", e.RetentionUntil.Format("2006-01-02"))
	if e.ArchivedAt != nil {
		fmt.Printf("Archived:   %s\n", e.ArchivedAt.UTC().Format(ledger.TimeFormat))
	}
	if e.Payload != nil {
		b, err := ledger.MarshalPayload(e.Payload)
		if err == nil {
			fmt.Printf("Payload:    %s\n", b)
		}
	}
	if e.PayloadErr != nil {
		fmt.Printf("Payload:    unreadable: %v\n", e.PayloadErr)
	}
	return nil
}
