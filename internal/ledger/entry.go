package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the kind of event an entry records.
type Action string

const (
	ActionGenesis         Action = "genesis"
	ActionCreate          Action = "create"
	ActionUpdate          Action = "update"
	ActionDelete          Action = "delete"
	ActionSign            Action = "sign"
	ActionApprove         Action = "approve"
	ActionCustodyTransfer Action = "custody_transfer"
	ActionVerify          Action = "verify"
	ActionAmend           Action = "amend"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionGenesis, ActionCreate, ActionUpdate, ActionDelete, ActionSign,
		ActionApprove, ActionCustodyTransfer, ActionVerify, ActionAmend:
		return true
	}
	return false
}

// EntityRef identifies the business object an entry concerns.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r EntityRef) String() string { return r.Type + ":" + r.ID }

// Validate checks that both halves of the reference are present.
func (r EntityRef) Validate() error {
	if strings.TrimSpace(r.Type) == "" || strings.TrimSpace(r.ID) == "" {
		return &ValidationError{Msg: "entity type and id are required"}
	}
	if strings.Contains(r.Type, ":") {
		return &ValidationError{Msg: "entity type must not contain ':'"}
	}
	return nil
}

// ParseEntityRef parses "type:id".
func ParseEntityRef(s string) (EntityRef, error) {
	typ, id, ok := strings.Cut(s, ":")
	ref := EntityRef{Type: typ, ID: id}
	if !ok {
		return ref, &ValidationError{Msg: fmt.Sprintf("entity reference %q: want type:id", s)}
	}
	return ref, ref.Validate()
}

// Actor is the principal that caused an entry. It is informational only.
type Actor struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	IP        string `json:"ip,omitempty"`
}

// Signature is a non-repudiation signature over (entry_id, chain_hash).
type Signature struct {
	KeyID     string `json:"key_id"`
	Algorithm string `json:"alg"`
	Value     string `json:"value"`
}

// Entry is a sequenced, hashed and signed audit record.
type Entry struct {
	SequenceNumber uint64     `json:"sequence_number"`
	EntryID        uuid.UUID  `json:"entry_id"`
	Timestamp      time.Time  `json:"timestamp"`
	Actor          Actor      `json:"actor"`
	Action         Action     `json:"action"`
	Entity         EntityRef  `json:"entity"`
	Payload        Payload    `json:"-"`
	PayloadDigest  string     `json:"payload_digest"`
	PreviousHash   string     `json:"previous_hash,omitempty"`
	ChainHash      string     `json:"chain_hash"`
	Signature      Signature  `json:"signature"`
	RetentionUntil time.Time  `json:"retention_until"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`

	// PayloadErr is set by a store that could not open a sealed payload.
	// Payload is nil in that case.
	PayloadErr error `json:"-"`
}

// IsGenesis reports whether e is the first entry of a ledger.
func (e *Entry) IsGenesis() bool { return e.SequenceNumber == 0 && e.PreviousHash == "" }

// Ref returns the retention view of e.
func (e *Entry) Ref() EntryRef {
	return EntryRef{
		SequenceNumber: e.SequenceNumber,
		EntryID:        e.EntryID,
		Entity:         e.Entity,
		RetentionUntil: e.RetentionUntil,
	}
}

// Clone returns a copy of e that shares no mutable state with it.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.ArchivedAt != nil {
		t := *e.ArchivedAt
		c.ArchivedAt = &t
	}
	if e.Payload != nil {
		c.Payload = e.Payload.clone()
	}
	return &c
}

// EntryRef is a lightweight pointer to an entry, returned by retention queries.
type EntryRef struct {
	SequenceNumber uint64    `json:"sequence_number"`
	EntryID        uuid.UUID `json:"entry_id"`
	Entity         EntityRef `json:"entity"`
	RetentionUntil time.Time `json:"retention_until"`
}

// Candidate is an entry before the writer sequences it.
type Candidate struct {
	EntryID   uuid.UUID
	Timestamp time.Time
	Actor     Actor
	Action    Action
	Entity    EntityRef
	Payload   Payload
}

// NewCandidate validates and normalizes the producer-supplied fields.
// Encoding problems surface here as *EncodingError, before anything is queued.
func NewCandidate(actor Actor, action Action, entity EntityRef, payload Payload) (*Candidate, error) {
	c := &Candidate{
		EntryID:   uuid.New(),
		Timestamp: time.Now(),
		Actor:     actor,
		Action:    action,
		Entity:    entity,
		Payload:   payload,
	}
	if err := c.Prepare(); err != nil {
		return nil, err
	}
	return c, nil
}

// Prepare validates c in place and brings its fields into canonical form.
// Producers that build a Candidate by hand (for a caller-chosen entry_id)
// must call it before submission.
func (c *Candidate) Prepare() error {
	if c.EntryID == uuid.Nil {
		c.EntryID = uuid.New()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	c.Timestamp = CanonicalTime(c.Timestamp)
	if strings.TrimSpace(c.Actor.ID) == "" {
		return &ValidationError{Msg: "actor id is required"}
	}
	if !c.Action.Valid() || c.Action == ActionGenesis {
		return &ValidationError{Msg: fmt.Sprintf("unsupported action %q", c.Action)}
	}
	if err := c.Entity.Validate(); err != nil {
		return err
	}
	if c.Payload == nil {
		return &ValidationError{Msg: "payload is required"}
	}
	if err := ValidatePayloadFor(c.Action, c.Payload); err != nil {
		return err
	}
	p, err := c.Payload.normalize()
	if err != nil {
		return err
	}
	c.Payload = p
	return nil
}

// CanonicalTime returns t in UTC truncated to microseconds, the precision
// every store can round-trip.
func CanonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Sequence turns a prepared candidate into an unlinked entry at seq.
func (c *Candidate) Sequence(seq uint64, retentionUntil time.Time) *Entry {
	return &Entry{
		SequenceNumber: seq,
		EntryID:        c.EntryID,
		Timestamp:      c.Timestamp,
		Actor:          c.Actor,
		Action:         c.Action,
		Entity:         c.Entity,
		Payload:        c.Payload,
		RetentionUntil: CanonicalTime(retentionUntil),
	}
}

// NewGenesis returns the unlinked genesis entry of a ledger.
func NewGenesis(ledgerID, createdBy string, at time.Time) *Entry {
	at = CanonicalTime(at)
	return &Entry{
		SequenceNumber: 0,
		EntryID:        uuid.New(),
		Timestamp:      at,
		Actor:          Actor{ID: createdBy},
		Action:         ActionGenesis,
		Entity:         EntityRef{Type: "ledger", ID: ledgerID},
		Payload:        GenesisPayload{LedgerID: ledgerID, CreatedBy: createdBy},
		// Genesis anchors the chain and is never archived.
		RetentionUntil: time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}
