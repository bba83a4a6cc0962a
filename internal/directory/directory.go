// Package directory resolves (grain type, key) to the silo that hosts the
// activation.
//
// Placement is a consistent-hash ring over the active silos: the identity's
// fixed 32-bit hash selects the first silo clockwise on the ring. The ring
// is recomputed from every membership snapshot, so when a silo dies its
// ring segment transfers to a survivor and the next call re-activates the
// grain there. Between a silo's death and a caller's ring refresh, routing
// to the dead silo fails fast with a transient error and the caller
// retries.
package directory

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/titan/backend/internal/cluster"
	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
)

type ringEntry struct {
	hash   uint32
	siloID string
}

// Directory is one silo's (or gateway's) view of grain placement.
type Directory struct {
	selfID string

	mu      sync.RWMutex
	version int64
	ring    []ringEntry
	silos   map[string]cluster.Silo

	// registrations is the authoritative local directory: identities this
	// silo has activated. Only the owner writes here; concurrent
	// registrations from non-owners are rejected in Register.
	registrations map[string]grain.Identity
}

// New creates a directory. selfID is empty on gateways, which only route.
func New(selfID string) *Directory {
	return &Directory{
		selfID:        selfID,
		silos:         make(map[string]cluster.Silo),
		registrations: make(map[string]grain.Identity),
	}
}

// Update rebuilds the ring from a membership snapshot. Entries registered
// locally survive; entries owned by silos no longer active are implicitly
// invalid because ring lookups stop resolving to them.
func (d *Directory) Update(table cluster.Table) {
	ring := make([]ringEntry, 0, len(table.Rows))
	silos := make(map[string]cluster.Silo, len(table.Rows))
	for _, s := range table.Active() {
		h := fnv.New32a()
		h.Write([]byte(s.ID))
		ring = append(ring, ringEntry{hash: h.Sum32(), siloID: s.ID})
		silos[s.ID] = s
	}
	sort.Slice(ring, func(i, j int) bool {
		if ring[i].hash == ring[j].hash {
			return ring[i].siloID < ring[j].siloID
		}
		return ring[i].hash < ring[j].hash
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = table.Version
	d.ring = ring
	d.silos = silos

	// Drop local registrations we no longer own so the next call finds the
	// new owner instead of a stale activation.
	if d.selfID != "" {
		for key, id := range d.registrations {
			if owner, ok := ownerLocked(d.ring, id.Hash()); !ok || owner != d.selfID {
				delete(d.registrations, key)
			}
		}
	}
}

// Version is the membership version this view was built from.
func (d *Directory) Version() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

func ownerLocked(ring []ringEntry, hash uint32) (string, bool) {
	if len(ring) == 0 {
		return "", false
	}
	i := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= hash })
	if i == len(ring) {
		i = 0
	}
	return ring[i].siloID, true
}

// Locate returns the silo that should host id. The error is transient:
// an empty ring means membership has not converged yet.
func (d *Directory) Locate(id grain.Identity) (cluster.Silo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	siloID, ok := ownerLocked(d.ring, id.Hash())
	if !ok {
		return cluster.Silo{}, errs.Transient("no active silos in directory view v%d", d.version)
	}
	return d.silos[siloID], nil
}

// OwnsSelf reports whether this silo is the ring owner for id.
func (d *Directory) OwnsSelf(id grain.Identity) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	owner, ok := ownerLocked(d.ring, id.Hash())
	return ok && owner == d.selfID
}

// Register records (identity -> self) in the local directory. It rejects
// the registration when this silo is not the ring owner, which is how a
// call that raced a membership change gets bounced back to the caller for
// a retry against the real owner.
func (d *Directory) Register(id grain.Identity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	owner, ok := ownerLocked(d.ring, id.Hash())
	if !ok || owner != d.selfID {
		return errs.Transient("silo is not the placement owner for %s", id)
	}
	d.registrations[id.String()] = id
	return nil
}

// Unregister removes a local registration, e.g. after idle GC.
func (d *Directory) Unregister(id grain.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.registrations, id.String())
}

// Registered reports whether id is registered locally.
func (d *Directory) Registered(id grain.Identity) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.registrations[id.String()]
	return ok
}

// SelfRange returns the ring segment (begin, end] this silo owns, used to
// select which reminders it delivers. With a single silo the segment is the
// whole ring.
func (d *Directory) SelfRange() (begin, end uint32, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.selfID == "" || len(d.ring) == 0 {
		return 0, 0, false
	}
	idx := -1
	for i, e := range d.ring {
		if e.siloID == d.selfID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, 0, false
	}
	end = d.ring[idx].hash
	prev := (idx - 1 + len(d.ring)) % len(d.ring)
	begin = d.ring[prev].hash
	return begin, end, true
}
