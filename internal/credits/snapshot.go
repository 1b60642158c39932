package credits

import (
	"context"
	"errors"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"credits-generator/internal/models"
	"credits-generator/internal/viewers"
)

var platformSuffix = regexp.MustCompile(`@.*$`)

// ToDisplayIdentity strips a platform suffix such as "@kick" from the
// username and display name. It is applied to snapshot output only; stored
// records keep their suffixed identity.
func ToDisplayIdentity(entry models.CreditedUser) models.CreditedUser {
	entry.Username = platformSuffix.ReplaceAllString(entry.Username, "")
	entry.UserDisplayName = platformSuffix.ReplaceAllString(entry.UserDisplayName, "")
	return entry
}

// Snapshot renders every category, or only the one named in args, in both
// orderings. More than one argument is rejected with ErrTooManyArguments.
func (a *Aggregator) Snapshot(ctx context.Context, args ...string) (map[string][]models.CreditedUser, error) {
	if len(args) > 1 {
		a.logger.Error("snapshot called with too many arguments", "count", len(args))
		return nil, ErrTooManyArguments
	}
	var filter string
	if len(args) == 1 {
		filter, _ = models.SplitByAmount(args[0])
	}

	results := make(map[string][]models.CreditedUser)
	for _, category := range a.snapshotCategories() {
		if len(args) == 1 && !strings.EqualFold(strings.TrimSpace(category), filter) {
			continue
		}
		records, _, err := a.resolve(ctx, category)
		if err != nil {
			if a.policy == PolicyFailFast {
				return nil, err
			}
			a.logger.Warn("existing-state enumeration failed, rendering empty list", "category", category, "error", err)
			records = nil
		}
		merged := collect(records)
		for _, byAmount := range []bool{true, false} {
			ordered := append([]models.CreditedUser(nil), merged...)
			sortEntries(a.locale, ordered, byAmount)
			projected, err := a.project(ctx, ordered)
			if err != nil {
				return nil, err
			}
			sortEntries(a.locale, projected, byAmount)
			key := category
			if byAmount {
				key += models.ByAmountSuffix
			}
			results[key] = projected
		}
	}
	return results, nil
}

// SnapshotJSON renders Snapshot as two-space indented JSON. On error it
// returns an empty string.
func (a *Aggregator) SnapshotJSON(ctx context.Context, args ...string) (string, error) {
	results, err := a.Snapshot(ctx, args...)
	if err != nil {
		return "", err
	}
	payload, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// project enriches entries concurrently while keeping their order.
func (a *Aggregator) project(ctx context.Context, entries []models.CreditedUser) ([]models.CreditedUser, error) {
	projected := make([]models.CreditedUser, len(entries))
	keep := make([]bool, len(entries))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			user, ok := a.projectEntry(ctx, entry)
			projected[i] = user
			keep[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]models.CreditedUser, 0, len(entries))
	for i, user := range projected {
		if keep[i] {
			out = append(out, user)
		}
	}
	return out, nil
}

func (a *Aggregator) projectEntry(ctx context.Context, entry models.CreditedUser) (models.CreditedUser, bool) {
	if strings.TrimSpace(entry.Username) == "" {
		a.logger.Warn("skipping credited entry without username", "amount", entry.Amount)
		return models.CreditedUser{}, false
	}
	remembered := a.remember(entry)

	user := models.CreditedUser{
		Username:        entry.Username,
		UserDisplayName: firstNonEmpty(entry.UserDisplayName, remembered.displayName, entry.Username),
		ProfilePicURL:   firstNonEmpty(entry.ProfilePicURL, remembered.profilePicURL),
		Amount:          entry.Amount,
	}
	if a.viewers != nil {
		viewer, err := a.viewers.LookupViewer(ctx, entry.Username)
		switch {
		case err == nil:
			user.Username = firstNonEmpty(viewer.Username, entry.Username)
			user.UserDisplayName = firstNonEmpty(viewer.DisplayName, user.UserDisplayName, user.Username)
			user.ProfilePicURL = firstNonEmpty(viewer.ProfilePicURL, user.ProfilePicURL)
		case errors.Is(err, viewers.ErrNotFound):
		default:
			a.logger.Warn("viewer lookup failed, using recorded identity", "username", entry.Username, "error", err)
		}
	}
	if a.avatars != nil {
		user.ProfilePicURL = a.avatars.Resolve(ctx, user.Username)
	}
	return ToDisplayIdentity(user), true
}

// remember folds the entry's non-empty display name and avatar into the
// identity memory and returns the merged identity.
func (a *Aggregator) remember(entry models.CreditedUser) identity {
	a.mu.Lock()
	defer a.mu.Unlock()
	known, ok := a.identities[entry.Username]
	if !ok {
		known = identity{
			username:      entry.Username,
			displayName:   firstNonEmpty(entry.UserDisplayName, entry.Username),
			profilePicURL: entry.ProfilePicURL,
		}
	}
	if name := strings.TrimSpace(entry.Username); name != "" {
		known.username = name
	}
	if name := strings.TrimSpace(entry.UserDisplayName); name != "" {
		known.displayName = name
	}
	if url := strings.TrimSpace(entry.ProfilePicURL); url != "" {
		known.profilePicURL = url
	}
	a.identities[entry.Username] = known
	return known
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
