package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
)

const defaultUserCacheTTL = 15 * time.Minute

// UserGetter retrieves Firebase user information.
type UserGetter interface {
	GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error)
}

// UserCache resolves user ids to display names, refreshing entries lazily once they expire.
type UserCache struct {
	users UserGetter
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]userCacheEntry
}

type userCacheEntry struct {
	name    string
	expires time.Time
}

// NewUserCache builds a cache over getter. A non-positive ttl uses the default.
func NewUserCache(getter UserGetter, ttl time.Duration, now func() time.Time) *UserCache {
	if ttl <= 0 {
		ttl = defaultUserCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &UserCache{
		users:   getter,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]userCacheEntry),
	}
}

// DisplayName returns the user's name, falling back to email and then the uid
// itself when the lookup fails.
func (c *UserCache) DisplayName(ctx context.Context, uid string) string {
	uid = strings.TrimSpace(uid)
	if c == nil || c.users == nil || uid == "" {
		return uid
	}

	now := c.now()
	c.mu.RLock()
	entry, ok := c.entries[uid]
	c.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.name
	}

	record, err := c.users.GetUser(ctx, uid)
	if err != nil || record == nil || record.UserInfo == nil {
		if ok {
			// stale beats nothing
			return entry.name
		}
		return uid
	}

	name := strings.TrimSpace(record.DisplayName)
	if name == "" {
		name = strings.TrimSpace(record.Email)
	}
	if name == "" {
		name = uid
	}

	c.mu.Lock()
	c.entries[uid] = userCacheEntry{name: name, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return name
}
