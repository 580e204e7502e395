package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/scanbase/scanbase/internal/cache"
	"github.com/scanbase/scanbase/internal/repo"
)

// LinkStore is the slice of the links repository the resolver needs.
type LinkStore interface {
	GetActiveBySlug(ctx context.Context, slug string) (*repo.ShortLink, error)
	Update(ctx context.Context, id int64, ownerID string, params repo.UpdateLinkParams) (*repo.ShortLink, error)
}

// Resolver looks up slugs cache-aside: cache hit wins, a miss goes to the
// store and repopulates the cache. Negative results are never cached so a
// freshly created slug resolves immediately.
type Resolver struct {
	links LinkStore
	cache cache.LinkCache
}

func New(links LinkStore, linkCache cache.LinkCache) *Resolver {
	return &Resolver{links: links, cache: linkCache}
}

// Resolve returns the active link for a slug. Unknown or inactive slugs yield
// repo.ErrLinkNotFound; anything else is a store-level failure and must not
// be conflated with not-found by callers.
func (r *Resolver) Resolve(ctx context.Context, slug string) (*repo.ShortLink, error) {
	if cached, err := r.cache.Get(ctx, slug); err == nil && cached != nil {
		log.Debug().Str("slug", slug).Msg("cache hit")
		return cached, nil
	}

	link, err := r.links.GetActiveBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, repo.ErrLinkNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch link %q: %w", slug, err)
	}

	_ = r.cache.Set(ctx, link)
	return link, nil
}

// Update writes the mutable fields of a link and deletes the cached copy
// before returning, so a caller that resolves right after an acknowledged
// update observes the new values. A stale-read window remains between the
// store write and the cache delete; it is bounded by the cache TTL.
func (r *Resolver) Update(ctx context.Context, id int64, ownerID string, params repo.UpdateLinkParams) (*repo.ShortLink, error) {
	link, err := r.links.Update(ctx, id, ownerID, params)
	if err != nil {
		return nil, err
	}

	if err := r.cache.Invalidate(ctx, link.Slug); err != nil {
		log.Warn().Err(err).Str("slug", link.Slug).Msg("cache invalidation failed, stale reads possible until TTL")
	}

	return link, nil
}
