package retention_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/retention"
)

func TestParsePeriod(t *testing.T) {
	ts := time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in, str string
		want    time.Time
	}{
		{"7y", "7y", time.Date(2031, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"18mo", "18mo", time.Date(2025, 8, 29, 12, 0, 0, 0, time.UTC)},
		{"90d", "90d", time.Date(2024, 5, 29, 12, 0, 0, 0, time.UTC)},
		{"36h", "36h0m0s", time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		p, err := retention.ParsePeriod(tc.in)
		if err != nil {
			t.Errorf("ParsePeriod(%q): %v", tc.in, err)
			continue
		}
		if got := p.After(ts); !got.Equal(tc.want) {
			t.Errorf("%s after %v: got %v, want %v", tc.in, ts, got, tc.want)
		}
		if p.String() != tc.str {
			t.Errorf("String: got %q, want %q", p.String(), tc.str)
		}
	}

	for _, bad := range []string{"", "seven years", "-1y", "0d", "1.5y"} {
		if _, err := retention.ParsePeriod(bad); err == nil {
			t.Errorf("ParsePeriod(%q): expected error", bad)
		}
	}
}

const policyYAML = `
default: 7y
rules:
  - pattern: "trade*"
    period: 5y
  - pattern: "{batch,lot}"
    period: 10y
  - pattern: "trade_test"
    period: 1d
`

func TestPolicy_firstMatchWins(t *testing.T) {
	p, err := retention.ParsePolicy([]byte(policyYAML))
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]string{
		"trade":      "5y",
		"trade_test": "5y", // shadowed by trade*
		"batch":      "10y",
		"lot":        "10y",
		"order":      "7y",
	}
	for typ, want := range cases {
		if got := p.PeriodFor(typ).String(); got != want {
			t.Errorf("PeriodFor(%q): got %s, want %s", typ, got, want)
		}
	}

	ts := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := p.RetentionUntil("batch", ts); !got.Equal(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("RetentionUntil(batch): got %v", got)
	}
}

func TestParsePolicy_errors(t *testing.T) {
	for name, doc := range map[string]string{
		"bad period": "rules:\n  - pattern: x\n    period: forever\n",
		"bad glob":   "rules:\n  - pattern: \"[\"\n    period: 1y\n",
		"no pattern": "rules:\n  - period: 1y\n",
		"no period":  "rules:\n  - pattern: x\n",
	} {
		if _, err := retention.ParsePolicy([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadPolicy_missingFileUsesDefault(t *testing.T) {
	p, err := retention.LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if p.PeriodFor("anything") != retention.DefaultPeriod {
		t.Errorf("default period: got %s", p.PeriodFor("anything"))
	}
}

func TestWatchPolicy_reloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retention.yaml")
	if err := os.WriteFile(path, []byte("default: 7y\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := make(chan *retention.Policy, 4)
	w, err := retention.WatchPolicy(path, func(p *retention.Policy) { got <- p }, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("default: 3y\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-got:
			if p.Default.String() == "3y" {
				return
			}
		case <-deadline:
			t.Fatal("policy change not observed")
		}
	}
}

func TestWatchPolicy_ignoresInvalidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retention.yaml")
	if err := os.WriteFile(path, []byte("default: 7y\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got := make(chan *retention.Policy, 4)
	w, err := retention.WatchPolicy(path, func(p *retention.Policy) { got <- p }, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("default: never\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-got:
		t.Errorf("invalid policy delivered: %+v", p)
	case <-time.After(300 * time.Millisecond):
	}
}
