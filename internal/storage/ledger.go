package storage

import (
	"sort"
	"strings"
	"sync"

	"credits-generator/internal/models"
)

// Ledger stores contributor records per category for the current session
// alongside a case-insensitive block-list. Every built-in category exists from
// construction; custom categories are created on first write. Records for a
// blocked user stay in place and are filtered out on read.
type Ledger struct {
	mu      sync.RWMutex
	credits map[string][]models.CreditedUser
	blocked map[string]struct{}
}

// NewLedger returns a ledger with every built-in category initialised.
func NewLedger() *Ledger {
	l := &Ledger{
		credits: make(map[string][]models.CreditedUser),
		blocked: make(map[string]struct{}),
	}
	for _, category := range models.BuiltInCategories() {
		l.credits[string(category)] = nil
	}
	return l
}

// RegisterCredit appends user to a built-in category. It returns false without
// touching the ledger when category is not built-in.
func (l *Ledger) RegisterCredit(category string, user models.CreditedUser) bool {
	if !models.IsBuiltIn(category) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credits[category] = append(l.credits[category], user)
	return true
}

// RegisterCustomCredit appends user to an arbitrary category, creating it when
// needed. Reserved-name checks belong to the caller.
func (l *Ledger) RegisterCustomCredit(category string, user models.CreditedUser) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credits[category] = append(l.credits[category], user)
}

// CreditsForType returns the records of category without block-listed users.
// The second return value is false when the category has never been created.
func (l *Ledger) CreditsForType(category string) ([]models.CreditedUser, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	records, ok := l.credits[category]
	if !ok {
		return nil, false
	}
	out := make([]models.CreditedUser, 0, len(records))
	for _, record := range records {
		if _, blocked := l.blocked[strings.ToLower(record.Username)]; blocked {
			continue
		}
		out = append(out, record)
	}
	return out, true
}

// CreditKeys lists every known category, built-in and custom, in sorted order.
func (l *Ledger) CreditKeys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.credits))
	for key := range l.credits {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ClearCredits empties each named category. Unknown names are ignored.
func (l *Ledger) ClearCredits(categories []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, category := range categories {
		if _, ok := l.credits[category]; ok {
			l.credits[category] = nil
		}
	}
}

// ClearAllCredits empties every category while keeping the keys.
func (l *Ledger) ClearAllCredits() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for category := range l.credits {
		l.credits[category] = nil
	}
}

// ClearCreditsByUser permanently removes every record for username from all
// categories.
func (l *Ledger) ClearCreditsByUser(username string) {
	target := strings.ToLower(username)
	l.mu.Lock()
	defer l.mu.Unlock()
	for category, records := range l.credits {
		kept := records[:0:0]
		for _, record := range records {
			if strings.ToLower(record.Username) == target {
				continue
			}
			kept = append(kept, record)
		}
		l.credits[category] = kept
	}
}

// BlockCreditsByUser hides username's records from reads.
func (l *Ledger) BlockCreditsByUser(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[strings.ToLower(username)] = struct{}{}
}

// UnblockCreditsByUser reveals username's records again.
func (l *Ledger) UnblockCreditsByUser(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocked, strings.ToLower(username))
}

// IsUserBlocked reports whether username is on the block-list.
func (l *Ledger) IsUserBlocked(username string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.blocked[strings.ToLower(username)]
	return ok
}

// BlockedUsers returns the lower-cased block-list in sorted order.
func (l *Ledger) BlockedUsers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.blocked))
	for user := range l.blocked {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}
