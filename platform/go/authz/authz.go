// Package authz narrows every read path to the objects a principal may see.
//
// A principal's read set for an object kind is the union of objects owned by organizations
// where it holds a qualifying role, objects reachable through site-level roles, and explicit
// per-object grants. Cross-purchase children are reachable from both of their providers.
// Read sets are cached per (principal, kind, verb) for a bounded TTL.
package authz

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Opetushallitus/varda-reporting/platform/go/metrics"
	"github.com/Opetushallitus/varda-reporting/platform/go/sqlq"
	"github.com/Opetushallitus/varda-reporting/platform/go/temporal"
)

var (
	ErrNotFound  = errors.New("object not found")
	ErrForbidden = errors.New("permission denied")
)

// Set is a resolved permission set. All means every object of the kind.
type Set struct {
	All bool    `json:"all,omitempty"`
	IDs []int64 `json:"ids,omitempty"`
}

// Contains reports whether id is permitted. IDs is kept sorted.
func (s Set) Contains(id int64) bool {
	if s.All {
		return true
	}
	_, found := slices.BinarySearch(s.IDs, id)
	return found
}

func (s Set) Empty() bool {
	return !s.All && len(s.IDs) == 0
}

// Object identifies one object for point checks.
type Object struct {
	Kind temporal.Kind
	ID   int64
}

// Store loads roles, grants and ownership from the registry.
type Store interface {
	Roles(ctx context.Context, principalID string) ([]RoleGrant, error)
	ObjectGrants(ctx context.Context, principalID string, kind temporal.Kind, verb Verb) ([]int64, error)
	ResolveIDs(ctx context.Context, kind temporal.Kind, oids []string) ([]int64, error)
}

// Cache stores resolved sets. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (Set, bool, error)
	Put(ctx context.Context, key string, set Set, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
}

type Config struct {
	Store   Store
	Cache   Cache
	TTL     time.Duration
	RootOID string
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Authorizer is the filter every read path goes through.
type Authorizer struct {
	store   Store
	cache   Cache
	ttl     time.Duration
	rootOID string
	metrics *metrics.Metrics
	logger  *zap.Logger
	group   singleflight.Group
}

func New(cfg Config) *Authorizer {
	if cfg.Store == nil {
		panic("authz requires store")
	}
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Authorizer{
		store:   cfg.Store,
		cache:   cfg.Cache,
		ttl:     cfg.TTL,
		rootOID: cfg.RootOID,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// RootOID is the national root organization.
func (a *Authorizer) RootOID() string {
	return a.rootOID
}

// Principal loads the role grants of principalID. A principal without roles is valid.
func (a *Authorizer) Principal(ctx context.Context, principalID string) (Principal, error) {
	roles, err := a.store.Roles(ctx, principalID)
	if err != nil {
		return Principal{}, fmt.Errorf("load roles of %s: %w", principalID, err)
	}
	return Principal{ID: principalID, Roles: roles}, nil
}

// IsSuperViewer reports whether the principal may run cross-tenant super-viewer exports.
func (a *Authorizer) IsSuperViewer(p Principal) bool {
	return a.rootOID != "" && p.HasRoleOn(a.rootOID, RoleCrossTenantViewer)
}

func cacheKey(principalID string, kind temporal.Kind, verb Verb) string {
	return principalPrefix(principalID) + string(kind) + ":" + string(verb)
}

func principalPrefix(principalID string) string {
	return "af:" + principalID + ":"
}

// PermittedIDs resolves the ids of kind the principal may act on with verb.
func (a *Authorizer) PermittedIDs(ctx context.Context, principalID string, kind temporal.Kind, verb Verb) (Set, error) {
	category, ok := CategoryOf(kind)
	if !ok {
		return Set{}, fmt.Errorf("kind %q is not authorizable", kind)
	}
	if !verb.Valid() {
		return Set{}, fmt.Errorf("unknown verb %q", verb)
	}
	if principalID == "" {
		return Set{}, nil
	}

	key := cacheKey(principalID, kind, verb)
	set, hit, err := a.cache.Get(ctx, key)
	if err != nil {
		a.logger.Warn("authz cache read failed", zap.String("key", key), zap.Error(err))
	}
	a.metrics.CacheLookup(hit)
	if hit {
		return set, nil
	}

	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		resolved, err := a.resolve(ctx, principalID, kind, category, verb)
		if err != nil {
			return Set{}, err
		}
		if err := a.cache.Put(ctx, key, resolved, a.ttl); err != nil {
			a.logger.Warn("authz cache write failed", zap.String("key", key), zap.Error(err))
		}
		return resolved, nil
	})
	if err != nil {
		return Set{}, err
	}
	return v.(Set), nil
}

func (a *Authorizer) resolve(ctx context.Context, principalID string, kind temporal.Kind, category Category, verb Verb) (Set, error) {
	principal, err := a.Principal(ctx, principalID)
	if err != nil {
		return Set{}, err
	}

	scope := principal.ScopeFor(category, verb, a.rootOID)
	if scope.All {
		return Set{All: true}, nil
	}

	var ids []int64
	if len(scope.OIDs) > 0 {
		owned, err := a.store.ResolveIDs(ctx, kind, scope.OIDs)
		if err != nil {
			return Set{}, fmt.Errorf("resolve %s ids: %w", kind, err)
		}
		ids = append(ids, owned...)
	}

	granted, err := a.store.ObjectGrants(ctx, principalID, kind, verb)
	if err != nil {
		return Set{}, fmt.Errorf("load %s grants: %w", kind, err)
	}
	ids = append(ids, granted...)

	slices.Sort(ids)
	return Set{IDs: slices.Compact(ids)}, nil
}

// FilterQuery narrows base to rows whose id column is viewable by the principal.
func (a *Authorizer) FilterQuery(ctx context.Context, principalID string, kind temporal.Kind, base sqlq.Query) (sqlq.Query, error) {
	return a.FilterQueryOn(ctx, principalID, kind, base, "id")
}

// FilterQueryOn is FilterQuery for a base query exposing the object id under another column.
// Filtering twice with the same principal and kind returns the first result unchanged.
// Callers order and paginate the returned query, never the base.
func (a *Authorizer) FilterQueryOn(ctx context.Context, principalID string, kind temporal.Kind, base sqlq.Query, column string) (sqlq.Query, error) {
	scope := "af:" + principalID + ":" + string(kind) + ":" + column
	if base.HasScope(scope) {
		return base, nil
	}

	set, err := a.PermittedIDs(ctx, principalID, kind, VerbView)
	if err != nil {
		return sqlq.Query{}, err
	}

	if set.All {
		return base.WithScope(scope), nil
	}

	b := sqlq.From(base)
	ids := b.Arg(nonNil(set.IDs))
	filtered := b.Build(fmt.Sprintf("SELECT af_base.* FROM (%s) af_base WHERE af_base.%s = ANY(%s)", base.SQL, sqlq.Ident(column), ids))
	return filtered.WithScope(scope), nil
}

// Can reports whether the principal may apply verb to obj.
func (a *Authorizer) Can(ctx context.Context, principalID string, verb Verb, obj Object) (bool, error) {
	set, err := a.PermittedIDs(ctx, principalID, obj.Kind, verb)
	if err != nil {
		return false, err
	}
	return set.Contains(obj.ID), nil
}

// Authorize returns ErrNotFound when the object is not even viewable and ErrForbidden when it
// is viewable but verb is not granted.
func (a *Authorizer) Authorize(ctx context.Context, principalID string, verb Verb, obj Object) error {
	viewable, err := a.Can(ctx, principalID, VerbView, obj)
	if err != nil {
		return err
	}
	if !viewable {
		return ErrNotFound
	}
	if verb == VerbView {
		return nil
	}
	allowed, err := a.Can(ctx, principalID, verb, obj)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

// Invalidate drops every cached set of the principal. An empty id drops the whole cache.
func (a *Authorizer) Invalidate(ctx context.Context, principalID string) error {
	prefix := "af:"
	if principalID != "" && principalID != "*" {
		prefix = principalPrefix(principalID)
	}
	return a.cache.DeletePrefix(ctx, prefix)
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
