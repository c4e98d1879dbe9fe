// Package profile fetches Messenger user profiles from the Graph API and
// caches them with a TTL, so conversation state can be enriched with the
// user's public identity without hammering the platform.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// DefaultAPIURL is the Graph API base for profile lookups.
const DefaultAPIURL = "https://graph.facebook.com/v2.8"

// HTTPDoer is the outbound HTTP capability, injectable in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Profile is the public user profile subset the Graph API exposes to pages.
type Profile struct {
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	ProfilePic string `json:"profile_pic,omitempty"`
	Locale     string `json:"locale,omitempty"`
	Gender     string `json:"gender,omitempty"`
}

type cacheEntry struct {
	profile   Profile
	expiresAt time.Time
}

// Loader fetches profiles with a TTL cache.
type Loader struct {
	log       *slog.Logger
	client    HTTPDoer
	apiURL    string
	pageToken string
	ttl       time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewLoader builds a profile loader for one page.
func NewLoader(log *slog.Logger, client HTTPDoer, apiURL, pageToken string, ttl time.Duration) *Loader {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Loader{
		log:       log.With(slog.String("component", "profile_loader")),
		client:    client,
		apiURL:    apiURL,
		pageToken: pageToken,
		ttl:       ttl,
		cache:     map[string]cacheEntry{},
	}
}

// Fetch returns the profile for a page-scoped user id, served from cache when
// fresh.
func (l *Loader) Fetch(ctx context.Context, senderID string) (Profile, error) {
	l.mu.Lock()
	entry, ok := l.cache[senderID]
	l.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.profile, nil
	}

	profile, err := l.fetchRemote(ctx, senderID)
	if err != nil {
		return Profile{}, err
	}

	l.mu.Lock()
	l.cache[senderID] = cacheEntry{profile: profile, expiresAt: time.Now().Add(l.ttl)}
	l.mu.Unlock()
	return profile, nil
}

// Load returns the profile as a state document value. It satisfies the
// gateway's loader contract.
func (l *Loader) Load(ctx context.Context, senderID string) (map[string]any, error) {
	profile, err := l.Fetch(ctx, senderID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (l *Loader) fetchRemote(ctx context.Context, senderID string) (Profile, error) {
	uri := fmt.Sprintf("%s/%s?access_token=%s", l.apiURL, url.PathEscape(senderID), url.QueryEscape(l.pageToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Profile{}, err
	}

	res, err := l.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("profile request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read profile response: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return Profile{}, fmt.Errorf("profile request returned status %d", res.StatusCode)
	}

	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return Profile{}, fmt.Errorf("failed to decode profile: %w", err)
	}
	return profile, nil
}
