package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// DocumentID identifies a shared document.
type DocumentID string

// ClientID identifies one replica of a shared document.
type ClientID string

// VectorClock records, per client, the highest update sequence a replica has
// integrated.
type VectorClock map[ClientID]uint64

// Bump increments the vector clock for a client and returns the new value.
func (vc VectorClock) Bump(client ClientID) uint64 {
	vc[client] = vc[client] + 1
	return vc[client]
}

// Merge merges another vector clock into the receiver by taking the max value
// for each entry.
func (vc VectorClock) Merge(other VectorClock) {
	for client, value := range other {
		if current, ok := vc[client]; !ok || value > current {
			vc[client] = value
		}
	}
}

// Dominates reports whether every entry of other is covered by the receiver.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for client, value := range other {
		if vc[client] < value {
			return false
		}
	}
	return true
}

// Compare returns true if the receiver strictly dominates the other clock (all
// entries are greater than or equal and at least one is strictly greater).
func (vc VectorClock) Compare(other VectorClock) bool {
	if !vc.Dominates(other) {
		return false
	}
	for client, value := range vc {
		if value > other[client] {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// UpdateRecord is the durable form of one encoded document update.
type UpdateRecord struct {
	LSN       int64      `json:"lsn,omitempty"`
	Document  DocumentID `json:"document_id"`
	Client    ClientID   `json:"client_id"`
	Sequence  uint64     `json:"sequence"`
	Payload   []byte     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

type updateRecordAlias UpdateRecord

// MarshalBinary serializes an UpdateRecord to JSON. Payloads are binary and
// travel base64 encoded.
func (r UpdateRecord) MarshalBinary() ([]byte, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return json.Marshal(updateRecordAlias(r))
}

// UnmarshalBinary deserializes an UpdateRecord from the JSON representation.
func (r *UpdateRecord) UnmarshalBinary(data []byte) error {
	var payload updateRecordAlias
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode update record: %w", err)
	}
	*r = UpdateRecord(payload)
	return nil
}
