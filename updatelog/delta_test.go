package updatelog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func field(value string, ts int64, author string) Field {
	return Field{Value: json.RawMessage(value), TS: ts, Author: author}
}

func TestMergeLaterTimestampWins(t *testing.T) {
	a := Delta{"title": field(`"draft"`, 10, "alice")}
	b := Delta{"title": field(`"final"`, 20, "bob")}

	merged := Merge(a, b)
	assert.Equal(t, `"final"`, string(merged["title"].Value))

	// Commutative.
	assert.Equal(t, Merge(a, b), Merge(b, a))
}

func TestMergeTimestampTiebreak(t *testing.T) {
	a := Delta{"title": field(`"from-alice"`, 10, "alice")}
	b := Delta{"title": field(`"from-bob"`, 10, "bob")}

	// Equal timestamps fall back to author ordering, deterministically.
	merged := Merge(a, b)
	assert.Equal(t, `"from-bob"`, string(merged["title"].Value))
	assert.Equal(t, merged, Merge(b, a))
}

func TestMergeDisjointFields(t *testing.T) {
	a := Delta{"x": field(`1`, 5, "alice")}
	b := Delta{"y": field(`2`, 5, "bob")}

	merged := Merge(a, b)
	require.Len(t, merged, 2)
	assert.Equal(t, `1`, string(merged["x"].Value))
	assert.Equal(t, `2`, string(merged["y"].Value))
}

func TestMergeIdempotent(t *testing.T) {
	a := Delta{
		"x": field(`1`, 5, "alice"),
		"y": field(`"hello"`, 7, "bob"),
	}
	assert.Equal(t, a, Merge(a, a))
}

func TestMergeAssociative(t *testing.T) {
	a := Delta{"x": field(`1`, 1, "alice")}
	b := Delta{"x": field(`2`, 3, "bob"), "y": field(`"p"`, 2, "bob")}
	c := Delta{"x": field(`3`, 2, "carol"), "y": field(`"q"`, 4, "carol")}

	left := Merge(Merge(a, b), c)
	right := Merge(a, Merge(b, c))
	assert.Equal(t, left, right)

	assert.Equal(t, `2`, string(left["x"].Value))
	assert.Equal(t, `"q"`, string(left["y"].Value))
}

func TestCanonicalDeterministic(t *testing.T) {
	a := Delta{
		"beta":  field(`2`, 2, "bob"),
		"alpha": field(`1`, 1, "alice"),
	}
	b := Delta{
		"alpha": field(`1`, 1, "alice"),
		"beta":  field(`2`, 2, "bob"),
	}

	rawA, err := a.Canonical()
	require.NoError(t, err)
	rawB, err := b.Canonical()
	require.NoError(t, err)
	assert.Equal(t, rawA, rawB)

	parsed, err := ParseDelta(rawA)
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestState(t *testing.T) {
	d := Delta{
		"title": field(`"hello"`, 3, "alice"),
		"count": field(`42`, 1, "bob"),
	}
	state := d.State()
	assert.Equal(t, `"hello"`, string(state["title"]))
	assert.Equal(t, `42`, string(state["count"]))
}
