package credits

import (
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"credits-generator/internal/models"
)

// usernameOrder compares usernames case- and accent-insensitively for the
// configured locale, falling back to a byte comparison so equal-looking names
// still sort deterministically. A Collator is not safe for concurrent use, so
// callers build one per sort.
type usernameOrder struct {
	collator *collate.Collator
}

func newUsernameOrder(tag language.Tag) usernameOrder {
	return usernameOrder{collator: collate.New(tag, collate.IgnoreCase, collate.IgnoreDiacritics)}
}

func (o usernameOrder) compare(a, b string) int {
	if c := o.collator.CompareString(a, b); c != 0 {
		return c
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func sortByUsername(tag language.Tag, users []models.CreditedUser) {
	order := newUsernameOrder(tag)
	sort.SliceStable(users, func(i, j int) bool {
		return order.compare(users[i].Username, users[j].Username) < 0
	})
}

func sortByAmount(tag language.Tag, users []models.CreditedUser) {
	order := newUsernameOrder(tag)
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].Amount != users[j].Amount {
			return users[i].Amount > users[j].Amount
		}
		return order.compare(users[i].Username, users[j].Username) < 0
	})
}

func sortEntries(tag language.Tag, users []models.CreditedUser, byAmount bool) {
	if byAmount {
		sortByAmount(tag, users)
		return
	}
	sortByUsername(tag, users)
}

// collect merges records that share a username, summing amounts. Display name
// and avatar keep the latest non-empty value seen. First-appearance order is
// preserved.
func collect(records []models.CreditedUser) []models.CreditedUser {
	out := make([]models.CreditedUser, 0, len(records))
	index := make(map[string]int, len(records))
	for _, record := range records {
		i, ok := index[record.Username]
		if !ok {
			index[record.Username] = len(out)
			out = append(out, record)
			continue
		}
		merged := &out[i]
		merged.Amount += record.Amount
		if record.UserDisplayName != "" {
			merged.UserDisplayName = record.UserDisplayName
		}
		if record.ProfilePicURL != "" {
			merged.ProfilePicURL = record.ProfilePicURL
		}
	}
	return out
}
