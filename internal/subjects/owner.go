package subjects

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ChuLiYu/statuscast/internal/broker"
)

// OwnerLookup is the authoritative owner source.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, id string) (string, error)
}

// ResolverOptions sizes the caches.
type ResolverOptions struct {
	CacheSize int
	CacheTTL  time.Duration
	KeyPrefix string
}

func DefaultResolverOptions() ResolverOptions {
	return ResolverOptions{
		CacheSize: 1024,
		CacheTTL:  10 * time.Minute,
		KeyPrefix: "statuscast:owner:",
	}
}

// OwnerResolver maps a subject id to its owning user id, checking an
// in-process LRU, then the shared broker cache, then the store.
type OwnerResolver struct {
	store  OwnerLookup
	broker broker.Client
	cache  *expirable.LRU[string, string]
	opts   ResolverOptions
	log    *slog.Logger
}

// NewOwnerResolver builds a resolver. client may be nil to skip the shared cache.
func NewOwnerResolver(store OwnerLookup, client broker.Client, opts ResolverOptions) *OwnerResolver {
	def := DefaultResolverOptions()
	if opts.CacheSize <= 0 {
		opts.CacheSize = def.CacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = def.KeyPrefix
	}
	return &OwnerResolver{
		store:  store,
		broker: client,
		cache:  expirable.NewLRU[string, string](opts.CacheSize, nil, opts.CacheTTL),
		opts:   opts,
		log:    slog.Default().With("component", "owners"),
	}
}

// Resolve returns the owner of subjectID. Lookup failures are logged and
// reported as not found.
func (r *OwnerResolver) Resolve(ctx context.Context, subjectID string) (string, bool) {
	if owner, ok := r.cache.Get(subjectID); ok {
		return owner, true
	}

	key := r.opts.KeyPrefix + subjectID
	if r.broker != nil {
		raw, err := r.broker.Get(ctx, key)
		switch {
		case err == nil && len(raw) > 0:
			owner := string(raw)
			r.cache.Add(subjectID, owner)
			return owner, true
		case err != nil && !errors.Is(err, broker.ErrNil):
			r.log.Warn("owner cache read failed", "subjectID", subjectID, "error", err)
		}
	}

	owner, err := r.store.OwnerOf(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.log.Info("subject has no owner", "subjectID", subjectID)
		} else {
			r.log.Warn("owner lookup failed", "subjectID", subjectID, "error", err)
		}
		return "", false
	}
	if owner == "" {
		return "", false
	}

	r.cache.Add(subjectID, owner)
	if r.broker != nil {
		if err := r.broker.SetWithTTL(ctx, key, []byte(owner), r.opts.CacheTTL); err != nil {
			r.log.Warn("owner cache write failed", "subjectID", subjectID, "error", err)
		}
	}
	return owner, true
}

// Forget drops subjectID from the in-process cache.
func (r *OwnerResolver) Forget(subjectID string) {
	r.cache.Remove(subjectID)
}
