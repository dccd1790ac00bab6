// Package retention decides how long entries are kept and moves expired
// entries to cold storage without breaking the chain.
package retention

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Period is a retention span. Calendar parts are applied with AddDate so
// "1y" from Feb 29 behaves like the calendar says, then Dur is added.
type Period struct {
	Years  int
	Months int
	Days   int
	Dur    time.Duration
}

// DefaultPeriod is the regulatory minimum applied when no rule matches.
var DefaultPeriod = Period{Years: 7}

// ParsePeriod parses "7y", "18mo", "90d" or any time.ParseDuration string.
func ParsePeriod(s string) (Period, error) {
	s = strings.TrimSpace(s)
	for _, unit := range []string{"mo", "y", "d"} {
		num, ok := strings.CutSuffix(s, unit)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			break
		}
		if n <= 0 {
			return Period{}, fmt.Errorf("retention period %q must be positive", s)
		}
		switch unit {
		case "y":
			return Period{Years: n}, nil
		case "mo":
			return Period{Months: n}, nil
		default:
			return Period{Days: n}, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid retention period %q: want 7y, 18mo, 90d or a Go duration", s)
	}
	if d <= 0 {
		return Period{}, fmt.Errorf("retention period %q must be positive", s)
	}
	return Period{Dur: d}, nil
}

// After returns ts advanced by p.
func (p Period) After(ts time.Time) time.Time {
	return ts.AddDate(p.Years, p.Months, p.Days).Add(p.Dur)
}

// IsZero reports whether p is unset.
func (p Period) IsZero() bool { return p == Period{} }

func (p Period) String() string {
	switch {
	case p.IsZero():
		return "0s"
	case p.Months == 0 && p.Days == 0 && p.Dur == 0:
		return strconv.Itoa(p.Years) + "y"
	case p.Years == 0 && p.Days == 0 && p.Dur == 0:
		return strconv.Itoa(p.Months) + "mo"
	case p.Years == 0 && p.Months == 0 && p.Dur == 0:
		return strconv.Itoa(p.Days) + "d"
	case p.Years == 0 && p.Months == 0 && p.Days == 0:
		return p.Dur.String()
	}
	return fmt.Sprintf("%dy%dmo%dd+%s", p.Years, p.Months, p.Days, p.Dur)
}

func (p *Period) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParsePeriod(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p Period) MarshalYAML() (any, error) { return p.String(), nil }

// Rule assigns a period to entity types matching a glob pattern.
type Rule struct {
	Pattern string `yaml:"pattern"`
	Period  Period `yaml:"period"`

	g glob.Glob
}

// Policy maps entity types to retention periods. The first matching rule
// wins; entity types matching no rule get Default.
type Policy struct {
	Default Period `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// NewPolicy returns a compiled policy with the given default.
func NewPolicy(def Period, rules ...Rule) (*Policy, error) {
	p := &Policy{Default: def, Rules: rules}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

// DefaultPolicy keeps everything for DefaultPeriod.
func DefaultPolicy() *Policy {
	return &Policy{Default: DefaultPeriod}
}

func (p *Policy) compile() error {
	if p.Default.IsZero() {
		p.Default = DefaultPeriod
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.Pattern == "" {
			return fmt.Errorf("retention rule %d: pattern is required", i)
		}
		if r.Period.IsZero() {
			return fmt.Errorf("retention rule %q: period is required", r.Pattern)
		}
		g, err := glob.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("retention rule %q: invalid glob: %w", r.Pattern, err)
		}
		r.g = g
	}
	return nil
}

// PeriodFor returns the period that applies to entityType.
func (p *Policy) PeriodFor(entityType string) Period {
	for _, r := range p.Rules {
		if r.g != nil && r.g.Match(entityType) {
			return r.Period
		}
	}
	return p.Default
}

// RetentionUntil returns the expiry of an entry of entityType written at ts.
func (p *Policy) RetentionUntil(entityType string, ts time.Time) time.Time {
	return p.PeriodFor(entityType).After(ts)
}

// ParsePolicy decodes a YAML policy document.
//
//	default: 7y
//	rules:
//	  - pattern: "trade*"
//	    period: 5y
//	  - pattern: "{batch,lot}"
//	    period: 10y
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing retention policy: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPolicy reads a policy file. A missing file yields DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPolicy(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading retention policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}
