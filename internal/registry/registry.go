// Package registry hosts shared game catalogs (item definitions, the
// modifier pool) as singleton writer grains paired with stateless-worker
// reader grains that serve the whole catalog from an in-memory cache.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
	"github.com/titan/backend/internal/runtime"
	"github.com/titan/backend/internal/storage"
)

// Definition is one catalog entry. Data is registry-specific JSON the
// registry itself never interprets.
type Definition struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SeedRequest loads a catalog during startup. Without Force the writer
// only seeds an empty registry.
type SeedRequest struct {
	Definitions []Definition `json:"definitions"`
	Force       bool         `json:"force"`
}

// SeedResult reports whether anything was written.
type SeedResult struct {
	Seeded bool `json:"seeded"`
	Count  int  `json:"count"`
}

func writerTypeName(registry string) string { return "registry_" + registry }
func readerTypeName(registry string) string { return "registry_" + registry + "_reader" }

// WriterIdentity is the singleton writer for one registry.
func WriterIdentity(registry string) grain.Identity {
	return grain.StringKey(writerTypeName(registry), registry)
}

// ReaderIdentity routes to any stateless reader worker for a registry.
func ReaderIdentity(registry string) grain.Identity {
	return grain.StringKey(readerTypeName(registry), registry)
}

// WriterType registers the writer singleton for a registry name.
func WriterType(registry string) runtime.GrainType {
	return runtime.GrainType{
		Name:        writerTypeName(registry),
		New:         func() runtime.Grain { return &writerGrain{registry: registry} },
		IdleTimeout: -1,
	}
}

// ReaderType registers the stateless reader pool for a registry name.
func ReaderType(registry string, workers int, cacheTTL time.Duration) runtime.GrainType {
	return runtime.GrainType{
		Name:             readerTypeName(registry),
		New:              func() runtime.Grain { return &readerGrain{registry: registry, ttl: cacheTTL} },
		StatelessWorkers: workers,
	}
}

// writerGrain owns the authoritative catalog. Every mutation persists
// and then pushes InvalidateCache at this silo's reader workers; readers
// elsewhere converge on their TTL.
type writerGrain struct {
	registry string
	gctx     *runtime.GrainContext
	defs     map[string]Definition
}

func (w *writerGrain) Activate(ctx context.Context, g *runtime.GrainContext) error {
	w.gctx = g
	w.defs = make(map[string]Definition)
	payload, ok, err := g.State().Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return w.decode(payload)
}

func (w *writerGrain) Deactivate(ctx context.Context) error { return nil }

func (w *writerGrain) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	switch method {
	case "Upsert":
		var def Definition
		if err := json.Unmarshal(args, &def); err != nil {
			return nil, errs.Application("bad_request", "upsert definition: %v", err)
		}
		if def.ID == "" {
			return nil, errs.Application("bad_request", "definition id is required")
		}
		w.defs[def.ID] = def
		return nil, w.persistAndInvalidate(ctx)
	case "Remove":
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, errs.Application("bad_request", "remove definition: %v", err)
		}
		if _, ok := w.defs[req.ID]; !ok {
			return nil, errs.Application("not_found", "definition %q not found", req.ID)
		}
		delete(w.defs, req.ID)
		return nil, w.persistAndInvalidate(ctx)
	case "Get":
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, errs.Application("bad_request", "get definition: %v", err)
		}
		def, ok := w.defs[req.ID]
		if !ok {
			return nil, errs.Application("not_found", "definition %q not found", req.ID)
		}
		return json.Marshal(def)
	case "GetAll":
		return json.Marshal(w.snapshot())
	case "Count":
		return json.Marshal(map[string]int{"count": len(w.defs)})
	case "Seed":
		var req SeedRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, errs.Application("bad_request", "seed: %v", err)
		}
		if len(w.defs) > 0 && !req.Force {
			return json.Marshal(SeedResult{Seeded: false, Count: len(w.defs)})
		}
		w.defs = make(map[string]Definition, len(req.Definitions))
		for _, def := range req.Definitions {
			w.defs[def.ID] = def
		}
		if err := w.persistAndInvalidate(ctx); err != nil {
			return nil, err
		}
		return json.Marshal(SeedResult{Seeded: true, Count: len(w.defs)})
	default:
		return nil, errs.Application("unknown_method", "registry writer has no method %q", method)
	}
}

func (w *writerGrain) snapshot() []Definition {
	out := make([]Definition, 0, len(w.defs))
	for _, def := range w.defs {
		out = append(out, def)
	}
	return out
}

func (w *writerGrain) persistAndInvalidate(ctx context.Context) error {
	if err := w.save(ctx); err != nil {
		return err
	}
	w.gctx.BroadcastWorkers(ctx, readerTypeName(w.registry), "InvalidateCache", nil)
	return nil
}

// State layout: repeated definition messages (1) of id (1), name (2),
// data JSON (3).
func (w *writerGrain) save(ctx context.Context) error {
	enc := storage.NewEncoder()
	for _, def := range w.defs {
		def := def
		enc.Message(1, func(e *storage.Encoder) {
			e.String(1, def.ID)
			e.String(2, def.Name)
			e.Bytes(3, def.Data)
		})
	}
	return w.gctx.State().Save(ctx, enc.Finish())
}

func (w *writerGrain) decode(payload []byte) error {
	dec := storage.NewDecoder(payload)
	for {
		num, ok := dec.Next()
		if !ok {
			return nil
		}
		if num != 1 {
			if err := dec.Skip(); err != nil {
				return err
			}
			continue
		}
		var def Definition
		err := dec.Message(func(dd *storage.Decoder) error {
			for {
				n, more := dd.Next()
				if !more {
					return nil
				}
				switch n {
				case 1:
					v, err := dd.String()
					if err != nil {
						return err
					}
					def.ID = v
				case 2:
					v, err := dd.String()
					if err != nil {
						return err
					}
					def.Name = v
				case 3:
					raw, err := dd.BytesField()
					if err != nil {
						return err
					}
					def.Data = raw
				default:
					if err := dd.Skip(); err != nil {
						return err
					}
				}
			}
		})
		if err != nil {
			return err
		}
		if def.ID != "" {
			w.defs[def.ID] = def
		}
	}
}

// readerGrain is one stateless worker serving the catalog from memory.
// The cache refreshes from the writer on expiry or an InvalidateCache
// push; reads never block on the writer while the copy is fresh.
type readerGrain struct {
	registry string
	ttl      time.Duration
	gctx     *runtime.GrainContext

	cache   map[string]Definition
	fetched time.Time
}

func (r *readerGrain) Activate(ctx context.Context, g *runtime.GrainContext) error {
	r.gctx = g
	return nil
}

func (r *readerGrain) Deactivate(ctx context.Context) error { return nil }

func (r *readerGrain) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	switch method {
	case "InvalidateCache":
		r.cache = nil
		return nil, nil
	case "Get":
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, errs.Application("bad_request", "get definition: %v", err)
		}
		if err := r.refresh(ctx); err != nil {
			return nil, err
		}
		def, ok := r.cache[req.ID]
		if !ok {
			return nil, errs.Application("not_found", "definition %q not found", req.ID)
		}
		return json.Marshal(def)
	case "GetAll":
		if err := r.refresh(ctx); err != nil {
			return nil, err
		}
		out := make([]Definition, 0, len(r.cache))
		for _, def := range r.cache {
			out = append(out, def)
		}
		return json.Marshal(out)
	default:
		return nil, errs.Application("unknown_method", "registry reader has no method %q", method)
	}
}

func (r *readerGrain) refresh(ctx context.Context) error {
	if r.cache != nil && time.Since(r.fetched) < r.ttl {
		return nil
	}
	data, err := r.gctx.Call(ctx, WriterIdentity(r.registry), "GetAll", nil)
	if err != nil {
		// A stale catalog beats a failed read.
		if r.cache != nil {
			return nil
		}
		return err
	}
	var defs []Definition
	if err := json.Unmarshal(data, &defs); err != nil {
		return errs.SystemWrap(err, "decode catalog %s", r.registry)
	}
	cache := make(map[string]Definition, len(defs))
	for _, def := range defs {
		cache[def.ID] = def
	}
	r.cache, r.fetched = cache, time.Now()
	return nil
}
