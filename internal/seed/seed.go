// Package seed loads the game catalogs into the registry grains at silo
// startup: an explicit file when configured, else the embedded catalog,
// else a small hard-coded fallback (logged, since shipping a silo
// without real seed data is almost certainly a packaging mistake).
package seed

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/titan/backend/internal/config"
	"github.com/titan/backend/internal/registry"
	"github.com/titan/backend/internal/runtime"
)

//go:embed data/seed.json
var embedded []byte

// Catalogs is the seed file's shape: one definition list per registry.
type Catalogs struct {
	Items     []registry.Definition `json:"items"`
	Modifiers []registry.Definition `json:"modifiers"`
}

// Load resolves the seed source in priority order and returns the
// catalogs plus a label naming where they came from.
func Load(cfg config.SeedConfig) (Catalogs, string, error) {
	if cfg.Path != "" {
		raw, err := os.ReadFile(cfg.Path)
		if err != nil {
			return Catalogs{}, "", fmt.Errorf("read seed file %s: %w", cfg.Path, err)
		}
		var c Catalogs
		if err := json.Unmarshal(raw, &c); err != nil {
			return Catalogs{}, "", fmt.Errorf("parse seed file %s: %w", cfg.Path, err)
		}
		return c, "file:" + cfg.Path, nil
	}

	var c Catalogs
	if err := json.Unmarshal(embedded, &c); err == nil && (len(c.Items) > 0 || len(c.Modifiers) > 0) {
		return c, "embedded", nil
	}
	return fallback(), "fallback", nil
}

// fallback keeps a dev silo bootable with no seed artifacts at all.
func fallback() Catalogs {
	return Catalogs{
		Items: []registry.Definition{
			{ID: "shortsword", Name: "Shortsword"},
			{ID: "buckler", Name: "Buckler"},
			{ID: "healing_draught", Name: "Healing Draught"},
		},
		Modifiers: []registry.Definition{
			{ID: "keen", Name: "Keen"},
			{ID: "sturdy", Name: "Sturdy"},
		},
	}
}

// StartupTask seeds the registries after membership join, before the
// silo turns active. Registries already holding data are left alone
// unless force-reseed is set; reseeding on every boot would clobber
// admin edits.
func StartupTask(cfg config.SeedConfig) runtime.StartupTask {
	return runtime.StartupTask{
		Name: "seed-registries",
		Run: func(ctx context.Context, s *runtime.Silo) error {
			catalogs, source, err := Load(cfg)
			if err != nil {
				return err
			}
			if source == "fallback" {
				slog.Warn("no seed file or embedded catalog, using hard-coded fallback")
			}

			for _, target := range []struct {
				registry string
				defs     []registry.Definition
			}{
				{"items", catalogs.Items},
				{"modifiers", catalogs.Modifiers},
			} {
				args, _ := json.Marshal(registry.SeedRequest{Definitions: target.defs, Force: cfg.ForceReseed})
				data, err := s.Call(ctx, registry.WriterIdentity(target.registry), "Seed", args)
				if err != nil {
					return fmt.Errorf("seed registry %s: %w", target.registry, err)
				}
				var result registry.SeedResult
				if err := json.Unmarshal(data, &result); err != nil {
					return fmt.Errorf("seed registry %s: decode result: %w", target.registry, err)
				}
				if result.Seeded {
					slog.Info("registry seeded", "registry", target.registry, "count", result.Count, "source", source)
				}
			}
			return nil
		},
	}
}
