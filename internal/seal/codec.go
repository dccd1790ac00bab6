package seal

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
)

// Codec persists payloads as sealed JSON envelopes. It satisfies
// store.PayloadCodec.
type Codec struct {
	sealer *Sealer
}

func NewCodec(s *Sealer) *Codec { return &Codec{sealer: s} }

func (c *Codec) EncodePayload(entryID uuid.UUID, p ledger.Payload) ([]byte, error) {
	raw, err := ledger.MarshalPayload(p)
	if err != nil {
		return nil, err
	}
	blob, err := c.sealer.Seal(entryID, raw)
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}
	return blob, nil
}

func (c *Codec) DecodePayload(entryID uuid.UUID, blob []byte) (ledger.Payload, error) {
	raw, err := c.sealer.Open(entryID, blob)
	if err != nil {
		return nil, err
	}
	return ledger.UnmarshalPayload(raw)
}
