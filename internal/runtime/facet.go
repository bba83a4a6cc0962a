package runtime

import (
	"context"

	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
	"github.com/titan/backend/internal/storage"
)

// Facet returns a state handle for an auxiliary record owned by this
// activation but stored under its own identity — transaction pending
// logs, audit rows, anything versioned separately from the main state.
// The caller is responsible for deriving an identity only this
// activation writes; the optimistic version check is the backstop.
func (g *GrainContext) Facet(id grain.Identity) *FacetHandle {
	return &FacetHandle{g: g, id: id}
}

// FacetHandle tracks its own optimistic version, independent of the
// activation's main state handle.
type FacetHandle struct {
	g  *GrainContext
	id grain.Identity

	version int64
	exists  bool
}

// Load fetches the facet payload; ok is false when the record is absent.
func (h *FacetHandle) Load(ctx context.Context) (payload []byte, ok bool, err error) {
	data, version, err := h.g.silo.store.Read(ctx, h.id, h.g.ServiceID)
	if err != nil {
		if err == storage.ErrNotFound {
			h.version, h.exists = 0, false
			return nil, false, nil
		}
		return nil, false, errs.TransientWrap(err, "read facet %s", h.id)
	}
	h.version, h.exists = version, true
	return data, true, nil
}

// Save writes the facet under the tracked expected version.
func (h *FacetHandle) Save(ctx context.Context, payload []byte) error {
	var expected *int64
	if h.exists {
		v := h.version
		expected = &v
	}
	newVersion, err := h.g.silo.store.Write(ctx, h.id, h.g.ServiceID, payload, expected)
	if err != nil {
		if err == storage.ErrVersionConflict {
			h.g.activation.poison()
			return errs.System("facet version conflict for %s at v%d", h.id, h.version)
		}
		return errs.TransientWrap(err, "write facet %s", h.id)
	}
	h.version, h.exists = newVersion, true
	return nil
}

// Clear tombstones the facet.
func (h *FacetHandle) Clear(ctx context.Context) error {
	if !h.exists {
		return nil
	}
	v := h.version
	if err := h.g.silo.store.Clear(ctx, h.id, h.g.ServiceID, &v); err != nil {
		if err == storage.ErrVersionConflict {
			h.g.activation.poison()
			return errs.System("facet clear conflict for %s at v%d", h.id, v)
		}
		return errs.TransientWrap(err, "clear facet %s", h.id)
	}
	h.version, h.exists = 0, false
	return nil
}
