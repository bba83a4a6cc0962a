package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan/backend/internal/cluster"
	"github.com/titan/backend/internal/config"
	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/registry"
	"github.com/titan/backend/internal/runtime"
	"github.com/titan/backend/internal/storage"
)

func startSilo(t *testing.T) *runtime.Silo {
	t.Helper()
	cfg := config.Default()
	cfg.Cluster.DeploymentID = "test-" + uuid.NewString()

	store := storage.NewMemoryProvider()
	membership := cluster.NewMembership(cluster.NewMemoryStore(), cfg.Cluster, "test-silo", "127.0.0.1:0", 0)
	silo := runtime.NewSilo(runtime.Options{
		Config:        cfg,
		Store:         store,
		ReminderStore: store,
		Membership:    membership,
	})
	silo.Register(registry.WriterType("items"))
	silo.Register(registry.ReaderType("items", 2, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, silo.Start(ctx))
	t.Cleanup(func() {
		cancel()
		silo.Stop(context.Background())
	})
	return silo
}

func seed(t *testing.T, silo *runtime.Silo, force bool, defs ...registry.Definition) registry.SeedResult {
	t.Helper()
	args, _ := json.Marshal(registry.SeedRequest{Definitions: defs, Force: force})
	data, err := silo.Call(context.Background(), registry.WriterIdentity("items"), "Seed", args)
	require.NoError(t, err)
	var result registry.SeedResult
	require.NoError(t, json.Unmarshal(data, &result))
	return result
}

func TestSeedOnlyFillsEmptyRegistry(t *testing.T) {
	silo := startSilo(t)

	first := seed(t, silo, false,
		registry.Definition{ID: "shortsword", Name: "Shortsword"},
		registry.Definition{ID: "buckler", Name: "Buckler"},
	)
	assert.True(t, first.Seeded)
	assert.Equal(t, 2, first.Count)

	// A second seed without force leaves admin edits alone.
	second := seed(t, silo, false, registry.Definition{ID: "dagger", Name: "Dagger"})
	assert.False(t, second.Seeded)
	assert.Equal(t, 2, second.Count)

	// Force replaces the catalog outright.
	third := seed(t, silo, true, registry.Definition{ID: "dagger", Name: "Dagger"})
	assert.True(t, third.Seeded)
	assert.Equal(t, 1, third.Count)
}

func TestWriterCRUD(t *testing.T) {
	silo := startSilo(t)
	ctx := context.Background()
	writer := registry.WriterIdentity("items")

	def := registry.Definition{ID: "shortsword", Name: "Shortsword", Data: json.RawMessage(`{"damage":5}`)}
	args, _ := json.Marshal(def)
	_, err := silo.Call(ctx, writer, "Upsert", args)
	require.NoError(t, err)

	getArgs, _ := json.Marshal(map[string]string{"id": "shortsword"})
	data, err := silo.Call(ctx, writer, "Get", getArgs)
	require.NoError(t, err)
	var got registry.Definition
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Shortsword", got.Name)
	assert.JSONEq(t, `{"damage":5}`, string(got.Data))

	data, err = silo.Call(ctx, writer, "Count", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":1}`, string(data))

	_, err = silo.Call(ctx, writer, "Remove", getArgs)
	require.NoError(t, err)
	_, err = silo.Call(ctx, writer, "Get", getArgs)
	require.Error(t, err)
	var terr *errs.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "not_found", terr.Code)
}

func TestReaderServesCatalogAndSeesWriterUpdates(t *testing.T) {
	silo := startSilo(t)
	ctx := context.Background()
	writer := registry.WriterIdentity("items")
	reader := registry.ReaderIdentity("items")

	seed(t, silo, false, registry.Definition{ID: "shortsword", Name: "Shortsword"})

	getArgs, _ := json.Marshal(map[string]string{"id": "shortsword"})
	data, err := silo.Call(ctx, reader, "Get", getArgs)
	require.NoError(t, err)
	var got registry.Definition
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Shortsword", got.Name)

	// The writer's invalidation broadcast reaches this silo's reader
	// workers, so the rename shows up despite the hour-long TTL.
	renamed, _ := json.Marshal(registry.Definition{ID: "shortsword", Name: "Gladius"})
	_, err = silo.Call(ctx, writer, "Upsert", renamed)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		// Round-robin over the pool: every worker must have dropped its
		// cache, so repeated reads all show the new name.
		for i := 0; i < 4; i++ {
			data, err := silo.Call(ctx, reader, "Get", getArgs)
			if err != nil {
				return false
			}
			var def registry.Definition
			if json.Unmarshal(data, &def) != nil || def.Name != "Gladius" {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReaderUnknownDefinition(t *testing.T) {
	silo := startSilo(t)
	getArgs, _ := json.Marshal(map[string]string{"id": "missing"})
	_, err := silo.Call(context.Background(), registry.ReaderIdentity("items"), "Get", getArgs)
	require.Error(t, err)
	var terr *errs.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "not_found", terr.Code)
}
