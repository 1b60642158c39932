// Package twitch enumerates a channel's current followers and subscribers
// through the Helix API for the existing-state credit categories.
package twitch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"credits-generator/internal/observability/logging"
)

// DefaultBaseURL is the public Helix endpoint.
const DefaultBaseURL = "https://api.twitch.tv/helix"

const pageSize = 100

// Follower is one entry of the channel follower list.
type Follower struct {
	UserID     string `json:"user_id"`
	UserLogin  string `json:"user_login"`
	UserName   string `json:"user_name"`
	FollowedAt string `json:"followed_at"`
}

// Subscription is one entry of the broadcaster subscription list.
type Subscription struct {
	UserID      string `json:"user_id"`
	UserLogin   string `json:"user_login"`
	UserName    string `json:"user_name"`
	GifterID    string `json:"gifter_id"`
	GifterLogin string `json:"gifter_login"`
	GifterName  string `json:"gifter_name"`
	IsGift      bool   `json:"is_gift"`
	Tier        string `json:"tier"`
}

type pagination struct {
	Cursor string `json:"cursor"`
}

type page[T any] struct {
	Data       []T        `json:"data"`
	Pagination pagination `json:"pagination"`
}

// ClientConfig configures the Helix client.
type ClientConfig struct {
	BaseURL       string
	ClientID      string
	AccessToken   string
	BroadcasterID string
	HTTPClient    *http.Client
	MaxAttempts   int
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// Client reads paginated Helix collections.
type Client struct {
	baseURL       string
	clientID      string
	token         string
	broadcasterID string
	http          *http.Client
	maxAttempts   int
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("twitch client id is required")
	}
	if strings.TrimSpace(cfg.BroadcasterID) == "" {
		return nil, fmt.Errorf("twitch broadcaster id is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 2
	}
	return &Client{
		baseURL:       base,
		clientID:      strings.TrimSpace(cfg.ClientID),
		token:         strings.TrimSpace(cfg.AccessToken),
		broadcasterID: strings.TrimSpace(cfg.BroadcasterID),
		http:          httpClient,
		maxAttempts:   attempts,
		retryInterval: cfg.RetryInterval,
		logger:        logging.WithComponent(logging.OrDefault(cfg.Logger), "twitch"),
	}, nil
}

// BroadcasterID returns the channel the client enumerates.
func (c *Client) BroadcasterID() string {
	return c.broadcasterID
}

// Followers fetches every follower of the channel.
func (c *Client) Followers(ctx context.Context) ([]Follower, error) {
	return collectPages[Follower](ctx, c, "/channels/followers")
}

// Subscriptions fetches every active subscription to the channel.
func (c *Client) Subscriptions(ctx context.Context) ([]Subscription, error) {
	return collectPages[Subscription](ctx, c, "/subscriptions")
}

func collectPages[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var (
		out    []T
		cursor string
	)
	for {
		query := url.Values{}
		query.Set("broadcaster_id", c.broadcasterID)
		query.Set("first", fmt.Sprint(pageSize))
		if cursor != "" {
			query.Set("after", cursor)
		}
		var current page[T]
		if err := c.get(ctx, c.baseURL+path+"?"+query.Encode(), &current); err != nil {
			return nil, fmt.Errorf("helix %s: %w", path, err)
		}
		out = append(out, current.Data...)
		if current.Pagination.Cursor == "" || len(current.Data) == 0 {
			return out, nil
		}
		cursor = current.Pagination.Cursor
	}
}

func (c *Client) get(ctx context.Context, target string, dest any) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.getOnce(ctx, target, dest)
		if lastErr == nil {
			return nil
		}
		if attempt < c.maxAttempts {
			c.logger.Warn("helix request failed", "url", target, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryInterval):
			}
		}
	}
	return lastErr
}

func (c *Client) getOnce(ctx context.Context, target string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", c.clientID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
