package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"

	"credits-generator/internal/models"
	"credits-generator/internal/observability/logging"
	"credits-generator/internal/observability/metrics"
	"credits-generator/internal/viewers"
)

// ErrTooManyArguments is returned by SnapshotJSON when more than one category
// is requested.
var ErrTooManyArguments = errors.New("snapshot accepts at most one category")

// ErrEnumeration wraps failures of the existing-state enumerators.
var ErrEnumeration = errors.New("existing-state enumeration failed")

// SnapshotPolicy decides what a failing existing-state enumerator does to a
// full snapshot.
type SnapshotPolicy string

const (
	// PolicyDegrade renders the failing category as an empty list.
	PolicyDegrade SnapshotPolicy = "degrade"
	// PolicyFailFast aborts the snapshot and returns the enumerator error.
	PolicyFailFast SnapshotPolicy = "fail-fast"
)

// ParseSnapshotPolicy maps a configuration value to a policy.
func ParseSnapshotPolicy(value string) (SnapshotPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(PolicyDegrade):
		return PolicyDegrade, nil
	case string(PolicyFailFast), "failfast":
		return PolicyFailFast, nil
	default:
		return "", fmt.Errorf("unknown snapshot policy %q", value)
	}
}

// Ledger is the read side of the credit store.
type Ledger interface {
	CreditsForType(category string) ([]models.CreditedUser, bool)
	CreditKeys() []string
}

// AvatarResolver produces the authoritative avatar URL for a username.
type AvatarResolver interface {
	Resolve(ctx context.Context, username string) string
}

// Enumerators fetch live platform state for the existing-state categories.
type Enumerators interface {
	Followers(ctx context.Context) ([]models.CreditedUser, error)
	AllSubscribers(ctx context.Context) ([]models.CreditedUser, error)
	GiftedSubscribers(ctx context.Context) ([]models.CreditedUser, error)
	PaidSubscribers(ctx context.Context) ([]models.CreditedUser, error)
	Gifters(ctx context.Context) ([]models.CreditedUser, error)
}

// Config wires an Aggregator to its collaborators. Avatars, Viewers and
// Enumerators are optional.
type Config struct {
	Ledger           Ledger
	Avatars          AvatarResolver
	Viewers          viewers.Directory
	Enumerators      Enumerators
	StreamerUsername string
	BotUsername      string
	Locale           string
	Policy           SnapshotPolicy
	Concurrency      int
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
}

const defaultConcurrency = 8

type identity struct {
	username      string
	displayName   string
	profilePicURL string
}

// Aggregator answers credit queries.
type Aggregator struct {
	ledger      Ledger
	avatars     AvatarResolver
	viewers     viewers.Directory
	enumerators Enumerators
	streamer    string
	bot         string
	locale      language.Tag
	policy      SnapshotPolicy
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Recorder

	mu         sync.Mutex
	identities map[string]identity
}

// NewAggregator validates cfg and builds an Aggregator.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("credits: ledger is required")
	}
	tag := language.English
	if strings.TrimSpace(cfg.Locale) != "" {
		parsed, err := language.Parse(cfg.Locale)
		if err != nil {
			return nil, fmt.Errorf("credits: parse locale %q: %w", cfg.Locale, err)
		}
		tag = parsed
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyDegrade
	}
	if policy != PolicyDegrade && policy != PolicyFailFast {
		return nil, fmt.Errorf("credits: unknown snapshot policy %q", policy)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Aggregator{
		ledger:      cfg.Ledger,
		avatars:     cfg.Avatars,
		viewers:     cfg.Viewers,
		enumerators: cfg.Enumerators,
		streamer:    cfg.StreamerUsername,
		bot:         cfg.BotUsername,
		locale:      tag,
		policy:      policy,
		concurrency: concurrency,
		logger:      logging.WithComponent(logging.OrDefault(cfg.Logger), "aggregator"),
		metrics:     cfg.Metrics,
		identities:  make(map[string]identity),
	}, nil
}

// Policy reports the configured snapshot policy.
func (a *Aggregator) Policy() SnapshotPolicy {
	return a.policy
}

// Entries returns the merged, sorted records for category. A ByAmount suffix
// selects amount-descending order. Unknown categories and enumerator failures
// yield an empty list.
func (a *Aggregator) Entries(ctx context.Context, category string) []models.CreditedUser {
	base, byAmount := models.SplitByAmount(category)
	records, found, err := a.resolve(ctx, base)
	if err != nil {
		a.logger.Warn("existing-state enumeration failed", "category", category, "error", err)
		return []models.CreditedUser{}
	}
	if !found {
		a.logger.Warn("unknown credit category", "category", category)
		return []models.CreditedUser{}
	}
	entries := collect(records)
	sortEntries(a.locale, entries, byAmount)
	for i := range entries {
		entries[i] = models.CreditedUser{Username: entries[i].Username, Amount: entries[i].Amount}
	}
	return entries
}

// UserList returns the usernames for category in display order.
func (a *Aggregator) UserList(ctx context.Context, category string) []string {
	entries := a.Entries(ctx, category)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Username)
	}
	return names
}

// ResetIdentities forgets display names and avatars remembered from earlier
// snapshots.
func (a *Aggregator) ResetIdentities() {
	a.mu.Lock()
	a.identities = make(map[string]identity)
	a.mu.Unlock()
}

// resolve returns the raw records for a base category. found is false for a
// name that is neither built-in, existing-state, nor a known custom category.
func (a *Aggregator) resolve(ctx context.Context, base string) ([]models.CreditedUser, bool, error) {
	switch {
	case models.IsBuiltIn(base):
		records, _ := a.ledger.CreditsForType(base)
		if base == string(models.CategoryModerator) || base == string(models.CategoryVIP) {
			records = a.withoutStaff(records)
		}
		return records, true, nil
	case models.IsExisting(base):
		records, err := a.enumerate(ctx, models.Category(base))
		return records, true, err
	default:
		records, ok := a.ledger.CreditsForType(base)
		return records, ok, nil
	}
}

func (a *Aggregator) withoutStaff(records []models.CreditedUser) []models.CreditedUser {
	out := records[:0:0]
	for _, record := range records {
		if a.streamer != "" && record.Username == a.streamer {
			continue
		}
		if a.bot != "" && record.Username == a.bot {
			continue
		}
		out = append(out, record)
	}
	return out
}

func (a *Aggregator) enumerate(ctx context.Context, category models.Category) ([]models.CreditedUser, error) {
	if a.enumerators == nil {
		return nil, nil
	}
	var fetch func(context.Context) ([]models.CreditedUser, error)
	switch category {
	case models.CategoryExistingFollowers:
		fetch = a.enumerators.Followers
	case models.CategoryExistingAllSubs:
		fetch = a.enumerators.AllSubscribers
	case models.CategoryExistingGiftedSubs:
		fetch = a.enumerators.GiftedSubscribers
	case models.CategoryExistingPaidSubs:
		fetch = a.enumerators.PaidSubscribers
	case models.CategoryExistingGifters:
		fetch = a.enumerators.Gifters
	default:
		return nil, nil
	}
	records, err := fetch(ctx)
	if err != nil {
		a.metrics.ObserveEnumeration(string(category), "error")
		return nil, fmt.Errorf("%w: %s: %w", ErrEnumeration, category, err)
	}
	a.metrics.ObserveEnumeration(string(category), "ok")
	return records, nil
}

// snapshotCategories lists the ledger keys plus the existing-state names,
// sorted and without duplicates.
func (a *Aggregator) snapshotCategories() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, key := range a.ledger.CreditKeys() {
		add(key)
	}
	for _, category := range models.ExistingCategories() {
		add(string(category))
	}
	sort.Strings(out)
	return out
}
