package directory

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan/backend/internal/cluster"
	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
)

func table(version int64, ids ...string) cluster.Table {
	rows := make(map[string]cluster.Silo, len(ids))
	for _, id := range ids {
		rows[id] = cluster.Silo{ID: id, Endpoint: id + ":7100", Status: cluster.StatusActive}
	}
	return cluster.Table{Version: version, Rows: rows}
}

func TestLocateIsDeterministic(t *testing.T) {
	d := New("silo-a")
	d.Update(table(1, "silo-a", "silo-b", "silo-c"))

	id := grain.GuidKey("inventory", uuid.New())
	first, err := d.Locate(id)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := d.Locate(id)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
}

func TestLocateEmptyRingIsTransient(t *testing.T) {
	d := New("")
	_, err := d.Locate(grain.StringKey("ratelimit_config", "config"))
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}

func TestOnlyActiveSilosJoinTheRing(t *testing.T) {
	tbl := table(2, "silo-a")
	tbl.Rows["silo-dead"] = cluster.Silo{ID: "silo-dead", Status: cluster.StatusDead}
	tbl.Rows["silo-joining"] = cluster.Silo{ID: "silo-joining", Status: cluster.StatusJoining}

	d := New("silo-a")
	d.Update(tbl)
	for i := 0; i < 50; i++ {
		owner, err := d.Locate(grain.GuidKey("inventory", uuid.New()))
		require.NoError(t, err)
		assert.Equal(t, "silo-a", owner.ID)
	}
}

func TestRegisterRejectsNonOwner(t *testing.T) {
	d := New("silo-a")
	d.Update(table(1, "silo-a", "silo-b", "silo-c"))

	var owned, foreign grain.Identity
	for owned.Type == "" || foreign.Type == "" {
		id := grain.GuidKey("inventory", uuid.New())
		if d.OwnsSelf(id) {
			owned = id
		} else {
			foreign = id
		}
	}

	require.NoError(t, d.Register(owned))
	assert.True(t, d.Registered(owned))

	err := d.Register(foreign)
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err), "non-owner registration must bounce as retryable")
	assert.False(t, d.Registered(foreign))
}

// When membership changes hand a grain's ring segment to another silo,
// the old owner's local registration must vanish so calls route to the
// new owner instead of a stale activation.
func TestFailoverDropsDisownedRegistrations(t *testing.T) {
	d := New("silo-a")
	d.Update(table(1, "silo-a", "silo-b"))

	// Collect some identities this silo owns under the two-silo ring.
	var mine []grain.Identity
	for len(mine) < 5 {
		id := grain.GuidKey("inventory", uuid.New())
		if d.OwnsSelf(id) {
			require.NoError(t, d.Register(id))
			mine = append(mine, id)
		}
	}

	// silo-a leaves; everything moves to silo-b.
	d.Update(table(2, "silo-b"))
	for _, id := range mine {
		assert.False(t, d.Registered(id), "%s should have been disowned", id)
		owner, err := d.Locate(id)
		require.NoError(t, err)
		assert.Equal(t, "silo-b", owner.ID)
	}
}

func TestSelfRangeSingleSiloOwnsWholeRing(t *testing.T) {
	d := New("silo-a")
	d.Update(table(1, "silo-a"))
	begin, end, ok := d.SelfRange()
	require.True(t, ok)
	assert.Equal(t, begin, end, "one silo's segment wraps the full ring")

	// Gateways have no segment.
	g := New("")
	g.Update(table(1, "silo-a"))
	_, _, ok = g.SelfRange()
	assert.False(t, ok)
}
