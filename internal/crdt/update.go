package crdt

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/example/sync-state-bridge/internal/types"
)

// OpKind enumerates the mutations carried by an Update.
type OpKind uint8

const (
	OpMapSet OpKind = iota + 1
	OpMapDelete
	OpArrayInsert
	OpArrayDelete
)

func (k OpKind) String() string {
	switch k {
	case OpMapSet:
		return "map_set"
	case OpMapDelete:
		return "map_delete"
	case OpArrayInsert:
		return "array_insert"
	case OpArrayDelete:
		return "array_delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Ref addresses the shared type an Op mutates: a root map by name or a nested
// type by the ID of the operation that created it.
type Ref struct {
	Root string `msgpack:"r,omitempty"`
	Type ID     `msgpack:"t,omitempty"`
}

// Op is one mutation of a shared type.
type Op struct {
	Kind   OpKind   `msgpack:"o"`
	Parent Ref      `msgpack:"p"`
	Key    string   `msgpack:"k,omitempty"`
	ID     ID       `msgpack:"i,omitempty"`
	Pos    Position `msgpack:"s,omitempty"`
	Target ID       `msgpack:"t,omitempty"`
	Value  *Encoded `msgpack:"v,omitempty"`
}

// EncodedKind discriminates Encoded values.
type EncodedKind uint8

const (
	EncodedScalar EncodedKind = iota + 1
	EncodedMap
	EncodedArray
)

// Encoded is the wire form of a value held by a shared type. Nested maps and
// arrays are inlined together with the IDs of their entries, so every replica
// reconstructs the same type tree.
type Encoded struct {
	Kind    EncodedKind    `msgpack:"k"`
	Scalar  any            `msgpack:"s"`
	Entries []EncodedEntry `msgpack:"e,omitempty"`
	Items   []EncodedItem  `msgpack:"i,omitempty"`
}

// EncodedEntry is one key of an encoded map, tombstones included.
type EncodedEntry struct {
	Key     string   `msgpack:"k"`
	ID      ID       `msgpack:"i"`
	Deleted bool     `msgpack:"d,omitempty"`
	Value   *Encoded `msgpack:"v,omitempty"`
}

// EncodedItem is one element of an encoded array, tombstones included.
type EncodedItem struct {
	ID      ID       `msgpack:"i"`
	Pos     Position `msgpack:"p"`
	Deleted bool     `msgpack:"d,omitempty"`
	Value   *Encoded `msgpack:"v,omitempty"`
}

// Update is the unit of replication: every mutation of one committed
// transaction. A Snapshot update instead carries the whole document state and
// the state vector it covers.
type Update struct {
	Client   types.ClientID    `msgpack:"c"`
	Seq      uint64            `msgpack:"n,omitempty"`
	Deps     types.VectorClock `msgpack:"d,omitempty"`
	Snapshot bool              `msgpack:"f,omitempty"`
	State    types.VectorClock `msgpack:"sv,omitempty"`
	Ops      []Op              `msgpack:"o"`
}

// Origin implements syncstate.Causal.
func (u Update) Origin() types.ClientID { return u.Client }

// Sequence implements syncstate.Causal.
func (u Update) Sequence() uint64 { return u.Seq }

// Dependencies implements syncstate.Causal.
func (u Update) Dependencies() types.VectorClock { return u.Deps }

// EncodeUpdate serializes an update with msgpack.
func EncodeUpdate(u Update) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(&u); err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeUpdate deserializes an update produced by EncodeUpdate. Scalars are
// restored to their canonical kinds.
func DecodeUpdate(data []byte) (Update, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var u Update
	if err := dec.Decode(&u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	for i := range u.Ops {
		if err := canonicalizeEncoded(u.Ops[i].Value); err != nil {
			return Update{}, fmt.Errorf("decode update: op %d: %w", i, err)
		}
	}
	return u, nil
}

func canonicalizeEncoded(e *Encoded) error {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case EncodedScalar:
		v, ok := CanonicalScalar(e.Scalar)
		if !ok {
			return fmt.Errorf("%w: %T", ErrInvalidScalar, e.Scalar)
		}
		e.Scalar = v
	case EncodedMap:
		for i := range e.Entries {
			if err := canonicalizeEncoded(e.Entries[i].Value); err != nil {
				return err
			}
		}
	case EncodedArray:
		for i := range e.Items {
			if err := canonicalizeEncoded(e.Items[i].Value); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown encoded kind %d", e.Kind)
	}
	return nil
}
