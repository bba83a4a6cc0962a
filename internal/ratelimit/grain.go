package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
	"github.com/titan/backend/internal/runtime"
	"github.com/titan/backend/internal/storage"
)

const ConfigGrainName = "ratelimit_config"

// ConfigIdentity is the singleton configuration grain.
func ConfigIdentity() grain.Identity {
	return grain.StringKey(ConfigGrainName, "config")
}

// ConfigGrainType registers the configuration singleton; pinned hot
// since every silo's cache refresh lands here.
func ConfigGrainType() runtime.GrainType {
	return runtime.GrainType{
		Name:        ConfigGrainName,
		New:         func() runtime.Grain { return &configGrain{} },
		IdleTimeout: -1,
	}
}

// configGrain is the authoritative limiter configuration. On first
// activation it installs the built-in defaults and captures them as the
// stored-defaults snapshot Reset restores.
type configGrain struct {
	gctx     *runtime.GrainContext
	current  Configuration
	defaults Configuration
}

func (g *configGrain) Activate(ctx context.Context, gctx *runtime.GrainContext) error {
	g.gctx = gctx
	payload, ok, err := gctx.State().Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		g.current = DefaultConfiguration()
		g.defaults = DefaultConfiguration()
		return g.save(ctx)
	}
	return g.decode(payload)
}

func (g *configGrain) Deactivate(ctx context.Context) error { return nil }

func (g *configGrain) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	switch method {
	case "Get":
		return json.Marshal(g.current)
	case "Update":
		var cfg Configuration
		if err := json.Unmarshal(args, &cfg); err != nil {
			return nil, errs.Application("bad_request", "update config: %v", err)
		}
		g.current = cfg
		return nil, g.save(ctx)
	case "UpsertPolicy":
		var p Policy
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, errs.Application("bad_request", "upsert policy: %v", err)
		}
		if p.Name == "" {
			return nil, errs.Application("bad_request", "policy name is required")
		}
		if g.current.Policies == nil {
			g.current.Policies = make(map[string]Policy)
		}
		g.current.Policies[p.Name] = p
		return nil, g.save(ctx)
	case "RemovePolicy":
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, errs.Application("bad_request", "remove policy: %v", err)
		}
		if _, ok := g.current.Policies[req.Name]; !ok {
			return nil, errs.Application("not_found", "policy %q not found", req.Name)
		}
		delete(g.current.Policies, req.Name)
		return nil, g.save(ctx)
	case "SetEnabled":
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, errs.Application("bad_request", "set enabled: %v", err)
		}
		g.current.Enabled = req.Enabled
		return nil, g.save(ctx)
	case "Reset":
		g.current = g.defaults
		return nil, g.save(ctx)
	default:
		return nil, errs.Application("unknown_method", "ratelimit config has no method %q", method)
	}
}

// State layout: current configuration JSON (1), stored-defaults JSON
// (2). The payload stays a tagged record; the JSON inside is a single
// opaque field, so tag stability holds even as Configuration grows.
func (g *configGrain) save(ctx context.Context) error {
	cur, _ := json.Marshal(g.current)
	def, _ := json.Marshal(g.defaults)
	enc := storage.NewEncoder()
	enc.Bytes(1, cur)
	enc.Bytes(2, def)
	return g.gctx.State().Save(ctx, enc.Finish())
}

func (g *configGrain) decode(payload []byte) error {
	dec := storage.NewDecoder(payload)
	for {
		num, ok := dec.Next()
		if !ok {
			return nil
		}
		switch num {
		case 1:
			raw, err := dec.BytesField()
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &g.current); err != nil {
				return err
			}
		case 2:
			raw, err := dec.BytesField()
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &g.defaults); err != nil {
				return err
			}
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
}

// Caller routes grain calls; both the silo and the gateway client
// satisfy it.
type Caller interface {
	Call(ctx context.Context, id grain.Identity, method string, args []byte) ([]byte, error)
}

// CachedSource reads the config grain through a TTL cache so the hot
// path costs one grain call per silo per TTL, not per request.
type CachedSource struct {
	caller Caller
	ttl    time.Duration

	mu      sync.Mutex
	cfg     Configuration
	fetched time.Time
	valid   bool
}

func NewCachedSource(caller Caller, ttl time.Duration) *CachedSource {
	return &CachedSource{caller: caller, ttl: ttl}
}

func (s *CachedSource) Current(ctx context.Context) (Configuration, error) {
	s.mu.Lock()
	if s.valid && time.Since(s.fetched) < s.ttl {
		cfg := s.cfg
		s.mu.Unlock()
		return cfg, nil
	}
	s.mu.Unlock()

	data, err := s.caller.Call(ctx, ConfigIdentity(), "Get", nil)
	if err != nil {
		// Serve the stale copy over failing the request path.
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.valid {
			return s.cfg, nil
		}
		return Configuration{}, err
	}
	var cfg Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Configuration{}, errs.SystemWrap(err, "decode rate limit config")
	}

	s.mu.Lock()
	s.cfg, s.fetched, s.valid = cfg, time.Now(), true
	s.mu.Unlock()
	return cfg, nil
}

// Flush drops the cached copy; the next Current re-reads the grain.
// Wired to the gateway's admin cache-flush endpoint.
func (s *CachedSource) Flush() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}
