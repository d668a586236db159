package resolver

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenestream-proxy/work/config"
	"scenestream-proxy/work/logger"
)

type fakeStore struct {
	instances map[string]*Instance
	routes    map[string]string
	lookups   int
}

func (f *fakeStore) InstanceByID(_ context.Context, id string) (*Instance, error) {
	return f.instances[id], nil
}

func (f *fakeStore) InstanceForEntity(_ context.Context, entityID string) (string, error) {
	f.lookups++
	return f.routes[entityID], nil
}

func newTestConfig() *config.Config {
	cfg, _ := config.Load("")
	cfg.Instances = []config.InstanceConfig{
		{ID: "default", Address: "http://stash:9999", APIKey: "secret-a", Enabled: true},
		{ID: "archive", Address: "https://archive:9999", APIKey: "secret-b", Enabled: true},
		{ID: "retired", Address: "http://old:9999", APIKey: "secret-c", Enabled: false},
	}
	return cfg
}

func newTestResolver(t *testing.T, store Store) *Resolver {
	t.Helper()
	return New(newTestConfig(), store, logger.NewWithWriter("ERROR", io.Discard))
}

func TestResolveStaticInstances(t *testing.T) {
	r := newTestResolver(t, nil)

	t.Run("by id", func(t *testing.T) {
		inst, err := r.Resolve(context.Background(), "archive")
		require.NoError(t, err)
		assert.Equal(t, "https://archive:9999", inst.Address)
		assert.Equal(t, "secret-b", inst.APIKey)
	})

	t.Run("empty id resolves default", func(t *testing.T) {
		inst, err := r.Resolve(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, "default", inst.ID)
	})

	t.Run("literal default resolves default", func(t *testing.T) {
		inst, err := r.Resolve(context.Background(), "default")
		require.NoError(t, err)
		assert.Equal(t, "http://stash:9999", inst.Address)
	})

	t.Run("disabled instance is a configuration error", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), "retired")
		assert.ErrorIs(t, err, ErrNoInstance)
	})

	t.Run("unknown instance is a configuration error", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNoInstance)
	})
}

func TestResolveForEntityUsesStoreRouting(t *testing.T) {
	store := &fakeStore{routes: map[string]string{"77": "archive"}}
	r := newTestResolver(t, store)

	inst, err := r.ResolveForEntity(context.Background(), "77")
	require.NoError(t, err)
	assert.Equal(t, "archive", inst.ID)

	// second lookup is served from the routing cache
	_, err = r.ResolveForEntity(context.Background(), "77")
	require.NoError(t, err)
	assert.Equal(t, 1, store.lookups)
}

func TestResolveForEntityFallsBackToDefault(t *testing.T) {
	store := &fakeStore{routes: map[string]string{}}
	r := newTestResolver(t, store)

	inst, err := r.ResolveForEntity(context.Background(), "unrouted")
	require.NoError(t, err)
	assert.Equal(t, "default", inst.ID)
}

func TestInvalidateRoutesForcesStoreLookup(t *testing.T) {
	store := &fakeStore{routes: map[string]string{"5": "archive"}}
	r := newTestResolver(t, store)

	_, err := r.ResolveForEntity(context.Background(), "5")
	require.NoError(t, err)
	r.InvalidateRoutes()
	_, err = r.ResolveForEntity(context.Background(), "5")
	require.NoError(t, err)
	assert.Equal(t, 2, store.lookups)
}

func TestSQLiteStoreLookups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.db.Exec(
		`INSERT INTO instances (id, address, api_key, enabled) VALUES (?, ?, ?, ?)`,
		"vault", "http://vault:9999", "secret-v", 1)
	require.NoError(t, err)
	_, err = store.db.Exec(
		`INSERT INTO entity_routes (entity_id, instance_id) VALUES (?, ?)`,
		"314", "vault")
	require.NoError(t, err)

	t.Run("instance by id", func(t *testing.T) {
		inst, err := store.InstanceByID(context.Background(), "vault")
		require.NoError(t, err)
		require.NotNil(t, inst)
		assert.Equal(t, "http://vault:9999", inst.Address)
		assert.True(t, inst.Enabled)
	})

	t.Run("unknown instance returns nil", func(t *testing.T) {
		inst, err := store.InstanceByID(context.Background(), "ghost")
		require.NoError(t, err)
		assert.Nil(t, inst)
	})

	t.Run("entity route", func(t *testing.T) {
		id, err := store.InstanceForEntity(context.Background(), "314")
		require.NoError(t, err)
		assert.Equal(t, "vault", id)
	})

	t.Run("unrouted entity returns empty id", func(t *testing.T) {
		id, err := store.InstanceForEntity(context.Background(), "999")
		require.NoError(t, err)
		assert.Empty(t, id)
	})
}
