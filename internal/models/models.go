package models

import (
	"math"
	"strconv"
	"strings"
)

// CreditedUser is a single contributor record. Username is the identity key;
// comparisons are case-insensitive but the stored value keeps its case.
type CreditedUser struct {
	Username        string  `json:"username"`
	UserDisplayName string  `json:"userDisplayName"`
	ProfilePicURL   string  `json:"profilePicUrl"`
	Amount          float64 `json:"amount"`
}

// DisplayNameOrUsername returns the display name, falling back to the
// username when none was recorded.
func (u CreditedUser) DisplayNameOrUsername() string {
	if strings.TrimSpace(u.UserDisplayName) != "" {
		return u.UserDisplayName
	}
	return u.Username
}

// Category identifies a contribution type.
type Category string

const (
	CategoryCheer           Category = "cheer"
	CategoryCharityDonation Category = "charityDonation"
	CategoryDonation        Category = "donation"
	CategoryExtraLife       Category = "extralife"
	CategoryFollow          Category = "follow"
	CategoryGift            Category = "gift"
	CategoryModerator       Category = "moderator"
	CategoryRaid            Category = "raid"
	CategorySub             Category = "sub"
	CategoryVIP             Category = "vip"
)

// Existing-state pseudo-categories. They are never stored in the ledger and
// are computed from live platform state on demand.
const (
	CategoryExistingAllSubs    Category = "existingAllSubs"
	CategoryExistingFollowers  Category = "existingFollowers"
	CategoryExistingGiftedSubs Category = "existingGiftedSubs"
	CategoryExistingGifters    Category = "existingGifters"
	CategoryExistingPaidSubs   Category = "existingPaidSubs"
)

// ByAmountSuffix selects the amount-descending ordering when appended to a
// category name.
const ByAmountSuffix = "ByAmount"

var builtInCategories = []Category{
	CategoryCheer,
	CategoryCharityDonation,
	CategoryDonation,
	CategoryExtraLife,
	CategoryFollow,
	CategoryGift,
	CategoryModerator,
	CategoryRaid,
	CategorySub,
	CategoryVIP,
}

var existingCategories = []Category{
	CategoryExistingAllSubs,
	CategoryExistingFollowers,
	CategoryExistingGiftedSubs,
	CategoryExistingGifters,
	CategoryExistingPaidSubs,
}

// BuiltInCategories returns the fixed set of ledger categories.
func BuiltInCategories() []Category {
	return append([]Category(nil), builtInCategories...)
}

// ExistingCategories returns the existing-state pseudo-category names.
func ExistingCategories() []Category {
	return append([]Category(nil), existingCategories...)
}

// IsBuiltIn reports whether name is one of the built-in categories. The match
// is exact.
func IsBuiltIn(name string) bool {
	for _, category := range builtInCategories {
		if string(category) == name {
			return true
		}
	}
	return false
}

// IsExisting reports whether name is an existing-state pseudo-category.
func IsExisting(name string) bool {
	for _, category := range existingCategories {
		if string(category) == name {
			return true
		}
	}
	return false
}

// IsReserved reports whether name collides with a built-in or existing-state
// category.
func IsReserved(name string) bool {
	return IsBuiltIn(name) || IsExisting(name)
}

// HasByAmountSuffix reports whether name ends in ByAmount, ignoring case.
func HasByAmountSuffix(name string) bool {
	trimmed := strings.TrimSpace(name)
	if len(trimmed) < len(ByAmountSuffix) {
		return false
	}
	return strings.EqualFold(trimmed[len(trimmed)-len(ByAmountSuffix):], ByAmountSuffix)
}

// SplitByAmount trims name and strips a trailing ByAmount suffix. The returned
// flag reports whether the suffix was present.
func SplitByAmount(name string) (string, bool) {
	trimmed := strings.TrimSpace(name)
	if !HasByAmountSuffix(trimmed) {
		return trimmed, false
	}
	return trimmed[:len(trimmed)-len(ByAmountSuffix)], true
}

// ForceNumber coerces an arbitrary event value into an amount. Anything that
// does not parse as a finite number becomes 0.
func ForceNumber(value any) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return finiteOrZero(v)
	case float32:
		return finiteOrZero(float64(v))
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case interface{ String() string }:
		return parseNumber(v.String())
	case string:
		return parseNumber(v)
	default:
		return 0
	}
}

// ParseNumber reports whether value holds a finite number and returns it.
func ParseNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case nil:
		return 0, false
	case string:
		return parseStrict(v)
	case interface{ String() string }:
		return parseStrict(v.String())
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	default:
		n := ForceNumber(value)
		return n, true
	}
}

func parseStrict(raw string) (float64, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, true
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, false
	}
	return parsed, true
}

func parseNumber(raw string) float64 {
	parsed, _ := parseStrict(raw)
	return parsed
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
