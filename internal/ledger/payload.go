package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
)

// PayloadKind tags a payload variant.
type PayloadKind string

const (
	KindChange       PayloadKind = "change"
	KindApproval     PayloadKind = "approval"
	KindCustody      PayloadKind = "custody"
	KindVerification PayloadKind = "verification"
	KindAmendment    PayloadKind = "amendment"
	KindGenesis      PayloadKind = "genesis"
	KindExtension    PayloadKind = "extension"
)

// Payload is the closed set of structured bodies an entry can carry.
// The unexported methods keep the set closed to this package.
type Payload interface {
	Kind() PayloadKind
	fields() map[string]any
	normalize() (Payload, error)
	clone() Payload
}

// ChangePayload records old and new values of a create, update or delete.
type ChangePayload struct {
	Old map[string]any `json:"old,omitempty"`
	New map[string]any `json:"new,omitempty"`
}

func (ChangePayload) Kind() PayloadKind { return KindChange }

func (p ChangePayload) fields() map[string]any {
	return map[string]any{"old": p.Old, "new": p.New}
}

func (p ChangePayload) normalize() (Payload, error) {
	var err error
	if p.Old, err = normalizeMap("$.old", p.Old); err != nil {
		return nil, err
	}
	if p.New, err = normalizeMap("$.new", p.New); err != nil {
		return nil, err
	}
	return p, nil
}

func (p ChangePayload) clone() Payload {
	return ChangePayload{Old: cloneMap(p.Old), New: cloneMap(p.New)}
}

// ApprovalPayload records a sign-off.
type ApprovalPayload struct {
	Decision  string `json:"decision"`
	Comment   string `json:"comment,omitempty"`
	Reference string `json:"reference,omitempty"`
}

func (ApprovalPayload) Kind() PayloadKind { return KindApproval }

func (p ApprovalPayload) fields() map[string]any {
	return map[string]any{"decision": p.Decision, "comment": p.Comment, "reference": p.Reference}
}

func (p ApprovalPayload) normalize() (Payload, error) { return p, checkStrings(p.Decision, p.Comment, p.Reference) }
func (p ApprovalPayload) clone() Payload              { return p }

// CustodyPayload records a transfer of custody of an entity.
type CustodyPayload struct {
	FromHolder string         `json:"from_holder"`
	ToHolder   string         `json:"to_holder"`
	Location   string         `json:"location,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Conditions map[string]any `json:"conditions,omitempty"`
}

func (CustodyPayload) Kind() PayloadKind { return KindCustody }

func (p CustodyPayload) fields() map[string]any {
	return map[string]any{
		"from_holder": p.FromHolder,
		"to_holder":   p.ToHolder,
		"location":    p.Location,
		"reason":      p.Reason,
		"conditions":  p.Conditions,
	}
}

func (p CustodyPayload) normalize() (Payload, error) {
	if err := checkStrings(p.FromHolder, p.ToHolder, p.Location, p.Reason); err != nil {
		return nil, err
	}
	var err error
	if p.Conditions, err = normalizeMap("$.conditions", p.Conditions); err != nil {
		return nil, err
	}
	return p, nil
}

func (p CustodyPayload) clone() Payload {
	p.Conditions = cloneMap(p.Conditions)
	return p
}

// VerificationPayload records the outcome of an audit run.
type VerificationPayload struct {
	RangeStart      uint64  `json:"range_start"`
	RangeEnd        uint64  `json:"range_end"`
	Valid           bool    `json:"valid"`
	ComplianceScore float64 `json:"compliance_score"`
	FirstBroken     *uint64 `json:"first_broken,omitempty"`
}

func (VerificationPayload) Kind() PayloadKind { return KindVerification }

func (p VerificationPayload) fields() map[string]any {
	return map[string]any{
		"range_start":      p.RangeStart,
		"range_end":        p.RangeEnd,
		"valid":            p.Valid,
		"compliance_score": p.ComplianceScore,
		"first_broken":     p.FirstBroken,
	}
}

func (p VerificationPayload) normalize() (Payload, error) {
	if _, err := floatNumber("$.compliance_score", p.ComplianceScore); err != nil {
		return nil, err
	}
	return p, nil
}

func (p VerificationPayload) clone() Payload {
	if p.FirstBroken != nil {
		v := *p.FirstBroken
		p.FirstBroken = &v
	}
	return p
}

// AmendmentPayload corrects an earlier entry without touching it.
type AmendmentPayload struct {
	OriginalEntryID uuid.UUID      `json:"original_entry_id"`
	Reason          string         `json:"reason"`
	Corrections     map[string]any `json:"corrections,omitempty"`
}

func (AmendmentPayload) Kind() PayloadKind { return KindAmendment }

func (p AmendmentPayload) fields() map[string]any {
	return map[string]any{
		"original_entry_id": p.OriginalEntryID.String(),
		"reason":            p.Reason,
		"corrections":       p.Corrections,
	}
}

func (p AmendmentPayload) normalize() (Payload, error) {
	if err := checkStrings(p.Reason); err != nil {
		return nil, err
	}
	var err error
	if p.Corrections, err = normalizeMap("$.corrections", p.Corrections); err != nil {
		return nil, err
	}
	return p, nil
}

func (p AmendmentPayload) clone() Payload {
	p.Corrections = cloneMap(p.Corrections)
	return p
}

// GenesisPayload is carried by the first entry of every ledger.
type GenesisPayload struct {
	LedgerID  string `json:"ledger_id"`
	CreatedBy string `json:"created_by"`
}

func (GenesisPayload) Kind() PayloadKind { return KindGenesis }

func (p GenesisPayload) fields() map[string]any {
	return map[string]any{"ledger_id": p.LedgerID, "created_by": p.CreatedBy}
}

func (p GenesisPayload) normalize() (Payload, error) { return p, checkStrings(p.LedgerID, p.CreatedBy) }
func (p GenesisPayload) clone() Payload              { return p }

// ExtensionPayload carries a body whose schema this package does not know.
// Raw bytes are hashed verbatim, so the encoding stays stable across
// schema versions.
type ExtensionPayload struct {
	SchemaVersion string `json:"schema_version"`
	Raw           []byte `json:"raw"`
}

func (ExtensionPayload) Kind() PayloadKind { return KindExtension }

func (p ExtensionPayload) fields() map[string]any {
	return map[string]any{"schema_version": p.SchemaVersion, "raw": p.Raw}
}

func (p ExtensionPayload) normalize() (Payload, error) {
	if strings.TrimSpace(p.SchemaVersion) == "" {
		return nil, &ValidationError{Msg: "extension payload requires schema_version"}
	}
	return p, checkStrings(p.SchemaVersion)
}

func (p ExtensionPayload) clone() Payload {
	p.Raw = bytes.Clone(p.Raw)
	return p
}

// ValidatePayloadFor checks that p is a variant action may carry.
// Extension payloads are accepted for every action.
func ValidatePayloadFor(action Action, p Payload) error {
	if p == nil {
		return &ValidationError{Msg: "payload is required"}
	}
	var ok bool
	switch p.Kind() {
	case KindExtension:
		ok = true
	case KindChange:
		ok = action == ActionCreate || action == ActionUpdate || action == ActionDelete
	case KindApproval:
		ok = action == ActionSign || action == ActionApprove
	case KindCustody:
		ok = action == ActionCustodyTransfer
		if c, isCustody := p.(CustodyPayload); isCustody && strings.TrimSpace(c.ToHolder) == "" {
			return &ValidationError{Msg: "custody transfer requires to_holder"}
		}
	case KindVerification:
		ok = action == ActionVerify
	case KindAmendment:
		ok = action == ActionAmend
		if a, isAmend := p.(AmendmentPayload); isAmend && a.OriginalEntryID == uuid.Nil {
			return &ValidationError{Msg: "amendment requires original_entry_id"}
		}
	case KindGenesis:
		ok = action == ActionGenesis
	}
	if !ok {
		return &ValidationError{Msg: fmt.Sprintf("payload kind %q is not valid for action %q", p.Kind(), action)}
	}
	return nil
}

// canonicalPayload is the value tree a payload digest is computed over.
func canonicalPayload(p Payload) map[string]any {
	return map[string]any{"kind": string(p.Kind()), "data": p.fields()}
}

type payloadEnvelope struct {
	Kind PayloadKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalPayload returns the persisted JSON envelope for p.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, &ValidationError{Msg: "payload is required"}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

// UnmarshalPayload decodes an envelope written by MarshalPayload. Numbers
// inside free-form maps are kept as json.Number so that re-encoding is exact.
func UnmarshalPayload(b []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	var (
		p   Payload
		err error
	)
	switch env.Kind {
	case KindChange:
		var v ChangePayload
		err = decodeNumbers(env.Data, &v)
		p = v
	case KindApproval:
		var v ApprovalPayload
		err = decodeNumbers(env.Data, &v)
		p = v
	case KindCustody:
		var v CustodyPayload
		err = decodeNumbers(env.Data, &v)
		p = v
	case KindVerification:
		var v VerificationPayload
		err = decodeNumbers(env.Data, &v)
		p = v
	case KindAmendment:
		var v AmendmentPayload
		err = decodeNumbers(env.Data, &v)
		p = v
	case KindGenesis:
		var v GenesisPayload
		err = decodeNumbers(env.Data, &v)
		p = v
	case KindExtension:
		var v ExtensionPayload
		err = decodeNumbers(env.Data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown payload kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return p, nil
}

// PayloadFromJSON builds a variant from a kind tag and its JSON body, as
// received from API callers.
func PayloadFromJSON(kind PayloadKind, data json.RawMessage) (Payload, error) {
	env, err := json.Marshal(payloadEnvelope{Kind: kind, Data: data})
	if err != nil {
		return nil, err
	}
	p, err := UnmarshalPayload(env)
	if err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	return p, nil
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func normalizeMap(path string, m map[string]any) (map[string]any, error) {
	// Empty and nil maps persist identically under omitempty.
	if len(m) == 0 {
		return nil, nil
	}
	n, err := normalize(path, m)
	if err != nil {
		return nil, err
	}
	return n.(map[string]any), nil
}

func checkStrings(ss ...string) error {
	for _, s := range ss {
		if _, err := normalize("$", s); err != nil {
			return err
		}
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = cloneValue(el)
		}
		return out
	}
	return v
}
