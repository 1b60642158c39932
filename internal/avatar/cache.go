// Package avatar resolves profile picture URLs for credited users.
//
// The cache holds URLs learned from platform events and from the viewer
// directory. Misses for Twitch users fall through to the directory and, when
// that yields nothing, to one of Twitch's stock avatars; the stock result is
// remembered for a short suppression window so bursts of snapshot requests do
// not hammer the directory for viewers it does not know. Kick and YouTube
// users never reach the directory.
package avatar

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"credits-generator/internal/observability/logging"
	"credits-generator/internal/observability/metrics"
	"credits-generator/internal/viewers"
)

// SuppressionWindow is how long a failed lookup short-circuits repeats.
const SuppressionWindow = 5 * time.Second

const kickFavicon = "https://kick.com/favicon.ico"

var twitchDefaultImages = []string{
	"ead5c8b2-a4c9-4724-b1dd-9f00b46cbd3d-profile_image-300x300.png",
	"998f01ae-def8-11e9-b95c-784f43822e80-profile_image-300x300.png",
	"215b7342-def9-11e9-9a66-784f43822e80-profile_image-300x300.png",
	"ebb84563-db81-4b9c-8940-64ed33ccfc7b-profile_image-300x300.png",
	"ce57700a-def9-11e9-842d-784f43822e80-profile_image-300x300.png",
	"75305d54-c7cc-40d1-bb9c-91fbe85943c7-profile_image-300x300.png",
}

const kickDefaultCount = 6

// Platform identifies where a username comes from.
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformKick    Platform = "kick"
	PlatformYouTube Platform = "youtube"
)

// DetectPlatform reads the platform suffix of username.
func DetectPlatform(username string) Platform {
	lower := strings.ToLower(username)
	switch {
	case strings.HasSuffix(lower, "@kick"):
		return PlatformKick
	case strings.HasSuffix(lower, "@youtube"):
		return PlatformYouTube
	default:
		return PlatformTwitch
	}
}

// ValidURL reports whether url may be cached as a profile picture.
func ValidURL(url string) bool {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return false
	}
	return url != kickFavicon
}

// ProfileLookup finds a viewer's stored profile.
type ProfileLookup interface {
	LookupViewer(ctx context.Context, username string) (viewers.Viewer, error)
}

type failedLookup struct {
	at     time.Time
	result string
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock overrides the clock used for the suppression window.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithPicker overrides the random index source. pick(n) must return a value
// in [0, n).
func WithPicker(pick func(n int) int) Option {
	return func(c *Cache) {
		if pick != nil {
			c.pick = pick
		}
	}
}

// WithLogger sets the logger used for lookup failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logging.WithComponent(logging.OrDefault(logger), "avatars")
	}
}

// WithMetrics records resolutions on recorder.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(c *Cache) {
		c.metrics = recorder
	}
}

// Cache stores profile picture URLs keyed by lower-cased username.
type Cache struct {
	lookup ProfileLookup

	mu     sync.RWMutex
	urls   map[string]string
	failed map[string]failedLookup

	group   singleflight.Group
	now     func() time.Time
	pick    func(n int) int
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New constructs a cache. lookup may be nil, in which case every Twitch miss
// resolves to a stock avatar.
func New(lookup ProfileLookup, opts ...Option) *Cache {
	c := &Cache{
		lookup: lookup,
		urls:   make(map[string]string),
		failed: make(map[string]failedLookup),
		now:    time.Now,
		pick:   rand.Intn,
		logger: logging.WithComponent(slog.Default(), "avatars"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Update stores url for username when both are present and url is valid.
func (c *Cache) Update(username, url string) {
	if username == "" || url == "" || !ValidURL(url) {
		return
	}
	c.mu.Lock()
	c.urls[strings.ToLower(username)] = url
	c.mu.Unlock()
}

// Get returns the cached URL without any fallback.
func (c *Cache) Get(username string) (string, bool) {
	if username == "" {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	url, ok := c.urls[strings.ToLower(username)]
	return url, ok
}

// Clear drops every cached and suppressed entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.urls = make(map[string]string)
	c.failed = make(map[string]failedLookup)
	c.mu.Unlock()
}

// Resolve returns an avatar URL for username. It never fails: lookup errors
// degrade to a platform default.
func (c *Cache) Resolve(ctx context.Context, username string) string {
	if url, ok := c.Get(username); ok {
		c.metrics.ObserveAvatarResolution("cache")
		return url
	}
	switch DetectPlatform(username) {
	case PlatformKick:
		c.metrics.ObserveAvatarResolution("default")
		return c.kickDefault()
	case PlatformYouTube:
		c.metrics.ObserveAvatarResolution("default")
		return c.twitchDefault()
	}

	key := strings.ToLower(username)
	result, _, _ := c.group.Do(key, func() (any, error) {
		return c.resolveTwitch(ctx, key), nil
	})
	return result.(string)
}

func (c *Cache) resolveTwitch(ctx context.Context, key string) string {
	now := c.now()
	c.mu.RLock()
	last, suppressed := c.failed[key]
	c.mu.RUnlock()
	if suppressed && now.Sub(last.at) < SuppressionWindow {
		c.metrics.ObserveAvatarResolution("suppressed")
		return last.result
	}

	if url := c.lookupURL(ctx, key); url != "" {
		c.Update(key, url)
		c.metrics.ObserveAvatarResolution("lookup")
		return url
	}

	result := c.twitchDefault()
	// A lookup cut short by the caller says nothing about the viewer.
	if ctx.Err() == nil {
		c.mu.Lock()
		c.failed[key] = failedLookup{at: now, result: result}
		c.mu.Unlock()
	}
	c.metrics.ObserveAvatarResolution("default")
	return result
}

func (c *Cache) lookupURL(ctx context.Context, key string) (url string) {
	if c.lookup == nil {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("profile lookup panicked", "username", key, "panic", fmt.Sprint(r))
			url = ""
		}
	}()
	viewer, err := c.lookup.LookupViewer(ctx, key)
	if err != nil {
		c.logger.Debug("profile lookup failed", "username", key, "error", err)
		return ""
	}
	return viewer.ProfilePicURL
}

func (c *Cache) twitchDefault() string {
	return "https://static-cdn.jtvnw.net/user-default-pictures-uv/" + twitchDefaultImages[c.pick(len(twitchDefaultImages))]
}

func (c *Cache) kickDefault() string {
	return fmt.Sprintf("https://kick.com/img/default-profile-pictures/default-avatar-%d.webp", c.pick(kickDefaultCount)+1)
}
