// Package directory resolves authenticated subjects to user snapshots backed
// by the shared cache that account services keep populated.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/util"

	"github.com/mustafaa-dev/nexa-play-api/service/business"
)

const userKeyPrefix = "realtime:user:"

// CachedDirectory reads user snapshots from the shared cache. A missing entry
// means the subject is unknown to the platform. A lookup breaker sheds cache
// traffic when the backend fails repeatedly, so handshakes fail fast instead
// of stacking up behind a dead store.
type CachedDirectory struct {
	users   cache.Cache[string, business.User]
	ttl     time.Duration
	breaker lookupBreaker
}

func NewCachedDirectory(rawCache cache.RawCache, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		users: cache.NewGenericCache[string, business.User](rawCache, func(subjectID string) string {
			return userKeyPrefix + subjectID
		}),
		ttl: ttl,
	}
}

// Lookup resolves the subject to its cached snapshot. Absent subjects fail
// with ErrUserNotFound; cache transport failures surface as-is and count
// against the breaker.
func (d *CachedDirectory) Lookup(ctx context.Context, subjectID string) (*business.User, error) {
	if !d.breaker.allow() {
		return nil, ErrUnavailable
	}

	user, ok, err := d.users.Get(ctx, subjectID)
	if err != nil {
		d.breaker.recordFailure(ctx)
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	d.breaker.recordSuccess(ctx)

	if !ok {
		return nil, fmt.Errorf("%w: %s", business.ErrUserNotFound, subjectID)
	}
	return &user, nil
}

// Store writes or refreshes a user snapshot. Driven by the profile sync
// subscriber when account services publish changes.
func (d *CachedDirectory) Store(ctx context.Context, user business.User) error {
	if user.ID == "" {
		return fmt.Errorf("%w: user snapshot missing id", business.ErrValidation)
	}
	if err := d.users.Set(ctx, user.ID, user, d.ttl); err != nil {
		return fmt.Errorf("user store failed: %w", err)
	}
	util.Log(ctx).WithField("user_id", user.ID).Debug("stored user snapshot")
	return nil
}

// Remove evicts a subject, forcing the next lookup to miss.
func (d *CachedDirectory) Remove(ctx context.Context, subjectID string) error {
	return d.users.Delete(ctx, subjectID)
}
