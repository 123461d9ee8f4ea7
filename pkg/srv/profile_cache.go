package srv

import (
	"context"
	"errors"
	"time"

	"github.com/codeGROOVE-dev/fido"

	"github.com/codeGROOVE-dev/parlor/pkg/auth"
	"github.com/codeGROOVE-dev/parlor/pkg/logger"
	"github.com/codeGROOVE-dev/parlor/pkg/store"
)

const (
	profileCacheSize = 4096
	// profileCacheTTL bounds how stale a display name or avatar on a broadcast can be.
	profileCacheTTL = time.Minute
)

// ProfileCache resolves sender profiles for message broadcasts.
// Only names and avatars are cached; conversation state always comes from the store.
type ProfileCache struct {
	cache *fido.Cache[string, Sender]
	store store.Store
}

// NewProfileCache creates a profile cache backed by st.
func NewProfileCache(st store.Store) *ProfileCache {
	return &ProfileCache{
		cache: fido.New[string, Sender](
			fido.Size(profileCacheSize),
			fido.TTL(profileCacheTTL),
		),
		store: st,
	}
}

// Sender returns the profile for id. If the store has no such user, or the
// lookup fails, the claims in fallback are used instead and nothing is cached.
func (p *ProfileCache) Sender(ctx context.Context, id string, fallback auth.Identity) Sender {
	if s, ok := p.cache.Get(id); ok {
		return s
	}

	u, err := p.store.User(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn(ctx, "profile lookup failed, using session claims", logger.Fields{
				"user_id": id,
				"error":   err.Error(),
			})
		}
		return Sender{ID: id, Name: fallback.Name, Image: fallback.Image}
	}

	s := Sender{ID: u.ID, Name: u.Name, Image: u.Image}
	if s.Name == "" {
		s.Name = fallback.Name
	}
	p.cache.Set(id, s)
	return s
}

// Len returns the number of cached profiles.
func (p *ProfileCache) Len() int {
	return p.cache.Len()
}
