package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrUnresolved indicates every identity provider attempt was exhausted
// without producing a UUID for the username.
var ErrUnresolved = errors.New("could not resolve player identity")

const (
	defaultPrimaryProfileUrl  = "https://api.mojang.com/users/profiles/minecraft/%s"
	defaultFallbackProfileUrl = "https://api.minetools.eu/uuid/%s"

	identityRequestTimeout = 5 * time.Second
	identityRetryAttempts  = 3
	identityRetryDelay     = 1 * time.Second
)

type IdentityResolver interface {
	// Resolve returns the player UUID for a username as 32 lowercase hex
	// characters with dashes removed.
	Resolve(ctx context.Context, username string) (string, error)
}

type profileResponse struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type identityResolverImpl struct {
	client      *http.Client
	primaryUrl  string
	fallbackUrl string
	retryDelay  time.Duration
	cache       *uuidCache
}

func NewIdentityResolver() IdentityResolver {
	return &identityResolverImpl{
		client: &http.Client{
			Timeout: identityRequestTimeout,
		},
		primaryUrl:  defaultPrimaryProfileUrl,
		fallbackUrl: defaultFallbackProfileUrl,
		retryDelay:  identityRetryDelay,
		cache:       newUuidCache(10 * time.Minute),
	}
}

func (r *identityResolverImpl) Resolve(ctx context.Context, username string) (string, error) {
	if username == "" {
		return "", ErrUnresolved
	}

	if cached, ok := r.cache.Get(username); ok {
		return cached, nil
	}

	var lastErr error
	for attempt := 1; attempt <= identityRetryAttempts; attempt++ {
		result, err := r.fetch(ctx, r.primaryUrl, username)
		if err == nil {
			r.cache.Set(username, result)
			return result, nil
		}
		lastErr = err

		logrus.
			WithError(err).
			WithField("username", username).
			WithField("attempt", attempt).
			Warn("Identity lookup failed")

		if attempt < identityRetryAttempts {
			select {
			case <-time.After(r.retryDelay):
			case <-ctx.Done():
				return "", ErrUnresolved
			}
		}
	}

	result, err := r.fetch(ctx, r.fallbackUrl, username)
	if err == nil {
		r.cache.Set(username, result)
		return result, nil
	}

	logrus.
		WithError(err).
		WithField("username", username).
		WithField("primaryError", lastErr).
		Warn("Fallback identity lookup failed")
	return "", ErrUnresolved
}

func (r *identityResolverImpl) fetch(ctx context.Context, urlTemplate string, username string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf(urlTemplate, username), nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create profile request")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("profile provider responded with status %d", resp.StatusCode)
	}

	var profile profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return "", errors.Wrap(err, "failed to decode profile response")
	}

	return normalizeUuid(profile.Id)
}

// normalizeUuid canonicalizes any accepted UUID form into 32 lowercase hex
// characters without dashes.
func normalizeUuid(raw string) (string, error) {
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "malformed uuid in profile response")
	}
	return strings.ReplaceAll(parsed.String(), "-", ""), nil
}

type uuidCacheEntry struct {
	value   string
	expires time.Time
}

// uuidCache keeps recently resolved usernames so reconnecting players do
// not re-query the profile providers.
type uuidCache struct {
	mu      sync.RWMutex
	entries map[string]uuidCacheEntry
	ttl     time.Duration
}

func newUuidCache(ttl time.Duration) *uuidCache {
	return &uuidCache{
		entries: make(map[string]uuidCacheEntry),
		ttl:     ttl,
	}
}

func (c *uuidCache) Get(username string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[username]
	if !ok || time.Now().After(entry.expires) {
		return "", false
	}
	return entry.value, true
}

func (c *uuidCache) Set(username string, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[username] = uuidCacheEntry{
		value:   value,
		expires: time.Now().Add(c.ttl),
	}
}
