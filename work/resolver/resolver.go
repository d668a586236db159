package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/maypok86/otter/v2"

	"scenestream-proxy/work/config"
	"scenestream-proxy/work/logger"
	"scenestream-proxy/work/utils"
)

// ErrNoInstance is returned when no upstream instance can be resolved for
// a request. Handlers surface it as a missing entity (HTTP 404).
var ErrNoInstance = errors.New("no upstream instance resolvable")

// Instance is one backing media server: reachable at a base address,
// authenticated via an access token. Immutable for the lifetime of a
// request; read-only to all proxy components.
type Instance struct {
	ID      string
	Address string
	APIKey  string
	Enabled bool
}

// Store abstracts where instances and entity routes live. The surrounding
// CRUD layer owns this data; the proxy only performs lookups.
type Store interface {
	// InstanceByID returns the instance with the given id, or nil when
	// the store has no such instance.
	InstanceByID(ctx context.Context, id string) (*Instance, error)
	// InstanceForEntity returns the id of the instance owning the entity,
	// or "" when the store has no routing entry for it.
	InstanceForEntity(ctx context.Context, entityID string) (string, error)
}

// Resolver performs stateless credential lookups: given a logical instance
// identifier it returns the base address and access token to use. Entity
// routing lookups are cached since players request the same entity's
// manifest, segments, and captions in quick succession.
type Resolver struct {
	cfg        *config.Config
	store      Store
	routeCache *otter.Cache[string, string]
	log        *logger.Logger
}

// New creates a Resolver over the given store. A nil store is valid and
// restricts resolution to the statically configured instances.
func New(cfg *config.Config, store Store, log *logger.Logger) *Resolver {
	routeCache := otter.Must(&otter.Options[string, string]{
		MaximumSize:      cfg.RouteCacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, string](cfg.RouteCacheTTL),
	})
	return &Resolver{
		cfg:        cfg,
		store:      store,
		routeCache: routeCache,
		log:        log,
	}
}

// Resolve returns the instance for the given id. An empty id or the
// literal "default" resolves to the configured default instance. Disabled
// and unknown instances resolve to ErrNoInstance; no retrying happens here.
func (r *Resolver) Resolve(ctx context.Context, instanceID string) (*Instance, error) {
	if instanceID == "" || instanceID == "default" {
		instanceID = r.cfg.DefaultInstance
	}

	inst := r.lookup(ctx, instanceID)
	if inst == nil {
		return nil, fmt.Errorf("%w: id %q", ErrNoInstance, instanceID)
	}
	if !inst.Enabled {
		return nil, fmt.Errorf("%w: instance %q is disabled", ErrNoInstance, instanceID)
	}

	r.log.Debug("{resolver - Resolve} Resolved instance %s at %s (token %s)",
		inst.ID, utils.LogURL(r.cfg, inst.Address), utils.TokenDigest(inst.APIKey))
	return inst, nil
}

// ResolveForEntity returns the instance owning the given entity, falling
// back to the default instance when no routing entry exists.
func (r *Resolver) ResolveForEntity(ctx context.Context, entityID string) (*Instance, error) {
	if id, ok := r.routeCache.GetIfPresent(entityID); ok {
		return r.Resolve(ctx, id)
	}

	if r.store != nil {
		id, err := r.store.InstanceForEntity(ctx, entityID)
		if err != nil {
			return nil, fmt.Errorf("entity route lookup for %q: %w", entityID, err)
		}
		if id != "" {
			r.routeCache.Set(entityID, id)
			return r.Resolve(ctx, id)
		}
	}

	return r.Resolve(ctx, "")
}

// InvalidateRoutes clears the entity routing cache. Called by the
// background maintenance sweep so route changes in the store are picked
// up within one cache TTL at the latest.
func (r *Resolver) InvalidateRoutes() {
	r.routeCache.InvalidateAll()
}

// lookup checks the static configuration first, then the store.
func (r *Resolver) lookup(ctx context.Context, id string) *Instance {
	if ic := r.cfg.GetInstanceByID(id); ic != nil {
		return &Instance{
			ID:      ic.ID,
			Address: ic.Address,
			APIKey:  ic.APIKey,
			Enabled: ic.Enabled,
		}
	}
	if r.store != nil {
		inst, err := r.store.InstanceByID(ctx, id)
		if err != nil {
			r.log.Warn("{resolver - lookup} Store lookup failed for instance %q: %v", id, err)
			return nil
		}
		return inst
	}
	return nil
}
