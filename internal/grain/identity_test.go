package grain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashStableAcrossKeyShapes(t *testing.T) {
	guid := uuid.MustParse("8f14e45f-ceea-467f-a8cb-9f6f3f1b2a01")

	cases := []Identity{
		GuidKey("inventory", guid),
		StringKey("registry_items", "items"),
		CompoundKey("inventory", guid, "season-3"),
	}
	for _, id := range cases {
		assert.Equal(t, id.Hash(), id.Hash(), "hash must be deterministic for %s", id)
	}

	// Same key, different type must not collide on the full tuple.
	a := GuidKey("inventory", guid)
	b := GuidKey("item_history", guid)
	assert.False(t, a.Equal(b))
}

func TestCompoundKeyMaterial(t *testing.T) {
	guid := uuid.New()
	id := CompoundKey("inventory", guid, "season-3")

	require.Equal(t, KeyGuidCompound, id.Kind)
	assert.Equal(t, append(guid[:], []byte("season-3")...), id.KeyBytes())
	assert.Equal(t, "season-3", id.Extension())

	// The suffix participates in the hash: two seasons, two placements.
	other := CompoundKey("inventory", guid, "season-4")
	assert.NotEqual(t, id.Hash(), other.Hash())
}

func TestGuidWords(t *testing.T) {
	guid := uuid.New()
	id := GuidKey("trade_session", guid)
	n0, n1 := id.GuidWords()
	assert.False(t, n0 == 0 && n1 == 0, "random guid should not map to zero words")

	sid := StringKey("registry_items", "items")
	n0, n1 = sid.GuidWords()
	assert.Zero(t, n0)
	assert.Zero(t, n1)
	assert.Equal(t, "items", sid.Extension())
}

func TestIdentityString(t *testing.T) {
	guid := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	assert.Equal(t, "inventory/11111111-2222-3333-4444-555555555555+s1",
		CompoundKey("inventory", guid, "s1").String())
	assert.Equal(t, "ratelimit_config/config", StringKey("ratelimit_config", "config").String())
}
