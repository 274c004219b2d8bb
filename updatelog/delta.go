// Package updatelog implements the append-only CRDT update log that backs
// entity state. Every local edit and every pulled remote edit lands here as
// an immutable delta entry; current state is the fold of all entries, and
// compaction replaces long prefixes with a single equivalent entry.
package updatelog

import (
	"bytes"
	"encoding/json"

	"github.com/loomworks/loom/errors"
)

// Field is one last-writer-wins register write.
//
// The tiebreak for equal timestamps is (author, value bytes), both carried
// inside the field itself, so merge order stays deterministic even after the
// originating entries have been compacted away.
type Field struct {
	Value  json.RawMessage `json:"value"`
	TS     int64           `json:"ts"` // author-assigned, milliseconds
	Author string          `json:"author"`
}

// wins reports whether f beats other under the LWW ordering.
func (f Field) wins(other Field) bool {
	if f.TS != other.TS {
		return f.TS > other.TS
	}
	if f.Author != other.Author {
		return f.Author > other.Author
	}
	return bytes.Compare(f.Value, other.Value) > 0
}

// Delta is a set of field writes keyed by field name.
type Delta map[string]Field

// Merge returns the join of a and b without mutating either.
// The operation is commutative, associative and idempotent.
func Merge(a, b Delta) Delta {
	out := make(Delta, len(a)+len(b))
	for name, f := range a {
		out[name] = f
	}
	out.MergeIn(b)
	return out
}

// MergeIn folds src into d in place.
func (d Delta) MergeIn(src Delta) {
	for name, incoming := range src {
		current, exists := d[name]
		if !exists || incoming.wins(current) {
			d[name] = incoming
		}
	}
}

// State projects the winning value per field, dropping register metadata.
func (d Delta) State() map[string]json.RawMessage {
	state := make(map[string]json.RawMessage, len(d))
	for name, f := range d {
		state[name] = f.Value
	}
	return state
}

// Canonical returns a deterministic byte encoding of the delta, including
// register metadata. encoding/json emits map keys sorted, so two equal
// deltas always produce identical bytes. Compaction relies on this to prove
// the replacement entry materializes the same state as the entries it
// subsumes.
func (d Delta) Canonical() ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode delta")
	}
	return raw, nil
}

// ParseDelta decodes a stored delta.
func ParseDelta(raw []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errors.Wrap(err, "failed to decode delta")
	}
	return d, nil
}
