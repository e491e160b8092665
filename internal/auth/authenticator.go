package auth

import (
	"context"
	"sync"
	"time"

	"telemetry-bridge/bridge/internal/config"
)

// StaticDevice is reported for keys configured in VALID_API_KEYS.
const StaticDevice = "static"

// KeyLookup resolves an API key to the device it was issued to.
// An unknown key yields "" and no error.
type KeyLookup interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

type cacheEntry struct {
	deviceID  string
	expiresAt time.Time
}

type Authenticator struct {
	localCache sync.Map
	lookup     KeyLookup
	ttl        time.Duration
	staticKeys map[string]bool
	now        func() time.Time
}

// NewAuthenticator builds an authenticator from the configured static keys.
// lookup may be nil, in which case only static keys are accepted.
func NewAuthenticator(cfg *config.Config, lookup KeyLookup) *Authenticator {
	staticKeys := make(map[string]bool, len(cfg.ValidAPIKeys))
	for _, k := range cfg.ValidAPIKeys {
		if k != "" {
			staticKeys[k] = true
		}
	}

	return &Authenticator{
		lookup:     lookup,
		ttl:        time.Duration(cfg.AuthCacheTTLSeconds) * time.Second,
		staticKeys: staticKeys,
		now:        time.Now,
	}
}

// Validate reports whether apiKey is accepted and which device it belongs to.
func (a *Authenticator) Validate(ctx context.Context, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}

	// Level 0: static config keys
	if a.staticKeys[apiKey] {
		return StaticDevice, true
	}

	// Level 1: in-memory cache
	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if a.now().Before(entry.expiresAt) {
			return entry.deviceID, true
		}
		a.localCache.Delete(apiKey)
	}

	// Level 2: Redis lookup
	if a.lookup == nil {
		return "", false
	}
	deviceID, err := a.lookup.GetAPIKey(ctx, apiKey)
	if err != nil || deviceID == "" {
		return "", false
	}

	if a.ttl > 0 {
		a.localCache.Store(apiKey, cacheEntry{
			deviceID:  deviceID,
			expiresAt: a.now().Add(a.ttl),
		})
	}

	return deviceID, true
}
