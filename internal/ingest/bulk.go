package ingest

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"credits-generator/internal/models"
)

// Bulk registration classes.
const (
	BulkBuiltIn = "builtin"
	BulkCustom  = "custom"
)

// BulkRequest registers many credits in one category. Data is either a JSON
// array of {"username", "amount"} objects or one entry per line in the form
// "username", "username,amount" or "username amount".
type BulkRequest struct {
	Class    string `json:"class" validate:"required,oneof=builtin custom"`
	Category string `json:"category" validate:"required"`
	Data     string `json:"data" validate:"required"`
}

// BulkResult reports how many entries were stored. Success is true when at
// least one entry was stored or nothing failed.
type BulkResult struct {
	Registered int  `json:"creditsRegistered"`
	Failed     int  `json:"creditsFailed"`
	Success    bool `json:"success"`
}

// BulkEntry is one parsed line or array element.
type BulkEntry struct {
	Username string
	Amount   float64
}

// ParseBulk decodes bulk data. The returned count is the number of entries
// that could not be parsed.
func ParseBulk(data string) ([]BulkEntry, int) {
	if entries, failed, ok := parseBulkJSON(data); ok {
		return entries, failed
	}
	return parseBulkLines(data)
}

func parseBulkJSON(data string) ([]BulkEntry, int, bool) {
	var items []any
	if err := json.Unmarshal([]byte(data), &items); err != nil || items == nil {
		return nil, 0, false
	}
	entries := make([]BulkEntry, 0, len(items))
	failed := 0
	for _, raw := range items {
		item, _ := raw.(map[string]any)
		username, okName := item["username"].(string)
		amount, okAmount := item["amount"].(float64)
		if !okName || !okAmount {
			failed++
			continue
		}
		entries = append(entries, BulkEntry{Username: username, Amount: amount})
	}
	return entries, failed, true
}

func parseBulkLines(data string) ([]BulkEntry, int) {
	var entries []BulkEntry
	failed := 0
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var username, amount string
		if strings.Contains(line, ",") {
			parts := strings.Split(line, ",")
			username = strings.TrimSpace(parts[0])
			amount = strings.TrimSpace(parts[1])
		} else if fields := strings.Fields(line); len(fields) > 1 {
			username, amount = fields[0], fields[1]
		} else {
			username = line
		}
		if username == "" {
			failed++
			continue
		}
		entries = append(entries, BulkEntry{Username: username, Amount: models.ForceNumber(amount)})
	}
	return entries, failed
}

// RegisterBulk parses req.Data and stores every entry.
func (s *Service) RegisterBulk(ctx context.Context, req BulkRequest) (BulkResult, error) {
	req.Class = strings.ToLower(strings.TrimSpace(req.Class))
	req.Category = strings.TrimSpace(req.Category)
	if err := s.validator.Struct(req); err != nil {
		return BulkResult{}, err
	}
	category := req.Category
	if req.Class == BulkCustom {
		validated, err := s.validator.ValidateCustomCategory(category)
		if err != nil {
			s.logger.Warn("bulk custom credits rejected", "category", category, "error", err)
			return BulkResult{}, err
		}
		category = validated
	} else if !models.IsBuiltIn(category) {
		return BulkResult{}, fmt.Errorf("%w: %q is not a built-in category", ErrInvalidCategory, category)
	}

	entries, failed := ParseBulk(req.Data)
	result := BulkResult{Failed: failed}
	for _, item := range entries {
		username := strings.TrimSpace(item.Username)
		entry := models.CreditedUser{
			Username:        username,
			UserDisplayName: username,
			Amount:          item.Amount,
		}
		if req.Class == BulkCustom {
			s.ledger.RegisterCustomCredit(category, entry)
			s.metrics.ObserveCredit(category, true)
			result.Registered++
			continue
		}
		if s.register(ctx, category, entry) {
			result.Registered++
		} else {
			result.Failed++
		}
	}
	result.Success = result.Registered > 0 || result.Failed == 0
	s.logger.Info("bulk credits registered", "category", category, "registered", result.Registered, "failed", result.Failed)
	return result, nil
}
