package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
)

type entryAlias Entry

// entryJSON is the wire form of an Entry: the payload travels as its
// {"kind","data"} envelope and a decode failure as a string.
type entryJSON struct {
	*entryAlias
	Payload      json.RawMessage `json:"payload,omitempty"`
	PayloadError string          `json:"payload_error,omitempty"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	out := entryJSON{entryAlias: (*entryAlias)(&e)}
	if e.Payload != nil {
		b, err := MarshalPayload(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("entry %d payload: %w", e.SequenceNumber, err)
		}
		out.Payload = b
	}
	if e.PayloadErr != nil {
		out.PayloadError = e.PayloadErr.Error()
	}
	return json.Marshal(out)
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	in := entryJSON{entryAlias: (*entryAlias)(e)}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if len(in.Payload) > 0 && string(in.Payload) != "null" {
		p, err := UnmarshalPayload(in.Payload)
		if err != nil {
			return fmt.Errorf("entry %d payload: %w", e.SequenceNumber, err)
		}
		e.Payload = p
	}
	if in.PayloadError != "" {
		e.PayloadErr = errors.New(in.PayloadError)
	}
	return nil
}
