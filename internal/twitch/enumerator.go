package twitch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"credits-generator/internal/models"
	"credits-generator/internal/observability/logging"
)

const (
	followersKey   = "twitchFollowers"
	subscribersKey = "twitchSubscribers"
)

// Source is the subset of the Helix client the enumerator needs.
type Source interface {
	BroadcasterID() string
	Followers(ctx context.Context) ([]Follower, error)
	Subscriptions(ctx context.Context) ([]Subscription, error)
}

// EnumeratorConfig wires an Enumerator.
type EnumeratorConfig struct {
	Source               Source
	Cache                SnapshotCache
	TTL                  time.Duration
	EnumerateFollowers   bool
	EnumerateSubscribers bool
	Logger               *slog.Logger
}

// subscriberLists is the cached breakdown of one subscription listing.
type subscriberLists struct {
	Gifters []models.CreditedUser `json:"gifters"`
	All     []models.CreditedUser `json:"all"`
	Gifted  []models.CreditedUser `json:"gifted"`
	Paid    []models.CreditedUser `json:"paid"`
}

// Enumerator answers the existing-state categories from Helix. Followers are
// listed with amount 0; every subscriber has amount 1 and gifters carry the
// number of active subscriptions they gifted. The broadcaster never appears.
type Enumerator struct {
	source               Source
	cache                SnapshotCache
	ttl                  time.Duration
	enumerateFollowers   bool
	enumerateSubscribers bool
	logger               *slog.Logger
	group                singleflight.Group
}

// NewEnumerator builds an Enumerator. A nil Cache keeps results in memory.
func NewEnumerator(cfg EnumeratorConfig) *Enumerator {
	cache := cfg.Cache
	if cache == nil {
		cache = NewMemorySnapshotCache(nil)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Enumerator{
		source:               cfg.Source,
		cache:                cache,
		ttl:                  ttl,
		enumerateFollowers:   cfg.EnumerateFollowers,
		enumerateSubscribers: cfg.EnumerateSubscribers,
		logger:               logging.WithComponent(logging.OrDefault(cfg.Logger), "twitch"),
	}
}

func (e *Enumerator) Followers(ctx context.Context) ([]models.CreditedUser, error) {
	if !e.enumerateFollowers || e.source == nil {
		e.logger.Debug("follower enumeration disabled")
		return []models.CreditedUser{}, nil
	}
	var cached []models.CreditedUser
	if ok := e.cached(ctx, followersKey, &cached); ok {
		return cached, nil
	}
	result, err, _ := e.group.Do(followersKey, func() (any, error) {
		followers, err := e.source.Followers(ctx)
		if err != nil {
			return nil, err
		}
		broadcaster := e.source.BroadcasterID()
		seen := make(map[string]struct{}, len(followers))
		out := make([]models.CreditedUser, 0, len(followers))
		for _, follower := range followers {
			if follower.UserID == broadcaster {
				continue
			}
			if _, dup := seen[follower.UserLogin]; dup {
				continue
			}
			seen[follower.UserLogin] = struct{}{}
			out = append(out, models.CreditedUser{Username: follower.UserLogin, UserDisplayName: follower.UserName})
		}
		e.store(ctx, followersKey, out)
		e.logger.Debug("enumerated followers", "count", len(out))
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]models.CreditedUser), nil
}

func (e *Enumerator) AllSubscribers(ctx context.Context) ([]models.CreditedUser, error) {
	lists, err := e.subscribers(ctx)
	return lists.All, err
}

func (e *Enumerator) GiftedSubscribers(ctx context.Context) ([]models.CreditedUser, error) {
	lists, err := e.subscribers(ctx)
	return lists.Gifted, err
}

func (e *Enumerator) PaidSubscribers(ctx context.Context) ([]models.CreditedUser, error) {
	lists, err := e.subscribers(ctx)
	return lists.Paid, err
}

func (e *Enumerator) Gifters(ctx context.Context) ([]models.CreditedUser, error) {
	lists, err := e.subscribers(ctx)
	return lists.Gifters, err
}

func emptyLists() subscriberLists {
	return subscriberLists{
		Gifters: []models.CreditedUser{},
		All:     []models.CreditedUser{},
		Gifted:  []models.CreditedUser{},
		Paid:    []models.CreditedUser{},
	}
}

func (e *Enumerator) subscribers(ctx context.Context) (subscriberLists, error) {
	if !e.enumerateSubscribers || e.source == nil {
		e.logger.Debug("subscriber enumeration disabled")
		return emptyLists(), nil
	}
	var cached subscriberLists
	if ok := e.cached(ctx, subscribersKey, &cached); ok {
		return cached, nil
	}
	result, err, _ := e.group.Do(subscribersKey, func() (any, error) {
		subs, err := e.source.Subscriptions(ctx)
		if err != nil {
			return nil, err
		}
		lists := splitSubscriptions(e.source.BroadcasterID(), subs)
		e.store(ctx, subscribersKey, lists)
		e.logger.Debug("enumerated subscribers",
			"gifters", len(lists.Gifters),
			"gifted", len(lists.Gifted),
			"paid", len(lists.Paid))
		return lists, nil
	})
	if err != nil {
		return emptyLists(), err
	}
	return result.(subscriberLists), nil
}

func splitSubscriptions(broadcaster string, subs []Subscription) subscriberLists {
	lists := emptyLists()
	gifterIndex := make(map[string]int)
	seenAll := make(map[string]struct{})
	seenGifted := make(map[string]struct{})
	seenPaid := make(map[string]struct{})
	add := func(list *[]models.CreditedUser, seen map[string]struct{}, sub Subscription) {
		if _, ok := seen[sub.UserLogin]; ok {
			return
		}
		seen[sub.UserLogin] = struct{}{}
		*list = append(*list, models.CreditedUser{Username: sub.UserLogin, UserDisplayName: sub.UserName, Amount: 1})
	}
	for _, sub := range subs {
		if sub.UserID == broadcaster {
			continue
		}
		if sub.GifterLogin != "" {
			if i, ok := gifterIndex[sub.GifterLogin]; ok {
				lists.Gifters[i].Amount++
			} else {
				gifterIndex[sub.GifterLogin] = len(lists.Gifters)
				lists.Gifters = append(lists.Gifters, models.CreditedUser{Username: sub.GifterLogin, UserDisplayName: sub.GifterName, Amount: 1})
			}
			add(&lists.Gifted, seenGifted, sub)
		} else {
			add(&lists.Paid, seenPaid, sub)
		}
		add(&lists.All, seenAll, sub)
	}
	return lists
}

func (e *Enumerator) cached(ctx context.Context, key string, dest any) bool {
	ok, err := e.cache.Get(ctx, key, dest)
	if err != nil {
		e.logger.Warn("enumeration cache read failed", "key", key, "error", err)
		return false
	}
	return ok
}

func (e *Enumerator) store(ctx context.Context, key string, value any) {
	if err := e.cache.Set(ctx, key, value, e.ttl); err != nil {
		e.logger.Warn("enumeration cache write failed", "key", key, "error", err)
	}
}
