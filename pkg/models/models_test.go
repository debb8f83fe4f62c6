package models

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorCompare(t *testing.T) {
	t.Parallel()

	huge, _ := new(big.Int).SetString("18446744073709551617", 10)
	hugePlus, _ := new(big.Int).SetString("18446744073709551618", 10)

	assert.Equal(t, -1, Cursor{}.Compare(NewCursor(big.NewInt(0), "")))
	assert.Equal(t, 0, Cursor{}.Compare(Cursor{}))
	assert.Equal(t, -1, NewCursor(huge, "z").Compare(NewCursor(hugePlus, "a")))
	assert.Equal(t, 1, NewCursor(huge, "b").Compare(NewCursor(huge, "a")))
	assert.True(t, NewCursor(huge, "b").After(NewCursor(huge, "")))
}

func TestParseCursorRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := ParseCursor("18446744073709551617:0xab-1")
	require.NoError(t, err)
	assert.Equal(t, "18446744073709551617", c.Value.String())
	assert.Equal(t, "0xab-1", c.ID)
	assert.Equal(t, "18446744073709551617:0xab-1", c.String())

	origin, err := ParseCursor("")
	require.NoError(t, err)
	assert.True(t, origin.IsZero())

	_, err = ParseCursor("1.5")
	assert.Error(t, err)
}

func TestMergeDoesNotRegress(t *testing.T) {
	t.Parallel()

	existing := map[string]interface{}{"name": "Alice", "owner": "0xabc", "updated_at": int64(10)}
	op := WriteOp{
		Key:    map[string]interface{}{"chain": "sepolia", "agent_id": "1"},
		Fields: map[string]interface{}{"name": "", "owner": ZeroAddress, "updated_at": int64(11), "image_uri": nil},
		Policies: map[string]MergePolicy{
			"owner":      MergeVeto,
			"updated_at": MergeAlways,
		},
	}

	got := Merge(existing, op)
	assert.Equal(t, "Alice", got["name"])
	assert.Equal(t, "0xabc", got["owner"])
	assert.Equal(t, int64(11), got["updated_at"])
	assert.Nil(t, got["image_uri"])
	assert.Equal(t, "Alice", existing["name"])
}

func TestMergeIsIdempotent(t *testing.T) {
	t.Parallel()

	op := WriteOp{
		Key:    map[string]interface{}{"chain": "sepolia", "agent_id": "1"},
		Fields: map[string]interface{}{"name": "Bob", "description": nil},
	}
	once := Merge(nil, op)
	twice := Merge(once, op)
	assert.Equal(t, once, twice)
}

func TestRecordAccessors(t *testing.T) {
	t.Parallel()

	var fields map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(`{"agent":{"agentId":"12"},"score":"87","isRevoked":true,"tags":["a"]}`))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&fields))

	rec := Record{Fields: fields}
	id, ok := rec.BigInt("agent.agentId")
	require.True(t, ok)
	assert.Equal(t, int64(12), id.Int64())
	assert.Equal(t, int64(87), rec.Int64("score"))
	assert.Nil(t, rec.Int64("missing"))
	assert.True(t, rec.Bool("isRevoked"))
	assert.Len(t, rec.List("tags"), 1)
	assert.Empty(t, rec.String("agent.name"))
}

func TestSectionCovers(t *testing.T) {
	t.Parallel()

	numeric := SectionSchema{CursorKind: CursorNumeric}
	compound := SectionSchema{CursorKind: CursorCompound}
	cp := NewCursor(big.NewInt(100), "b")

	assert.False(t, numeric.Covers(cp, NewCursor(big.NewInt(100), "a")))
	assert.True(t, numeric.Covers(cp, NewCursor(big.NewInt(99), "z")))
	assert.True(t, compound.Covers(cp, NewCursor(big.NewInt(100), "a")))
	assert.True(t, compound.Covers(cp, NewCursor(big.NewInt(100), "b")))
	assert.False(t, compound.Covers(cp, NewCursor(big.NewInt(100), "c")))
	assert.False(t, compound.Covers(Cursor{}, NewCursor(big.NewInt(1), "a")))
}
