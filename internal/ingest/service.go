package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"credits-generator/internal/models"
	"credits-generator/internal/observability/logging"
	"credits-generator/internal/observability/metrics"
	"credits-generator/internal/viewers"
)

// Ledger is the write side of the credit store.
type Ledger interface {
	RegisterCredit(category string, user models.CreditedUser) bool
	RegisterCustomCredit(category string, user models.CreditedUser)
	CreditKeys() []string
	ClearCredits(categories []string)
	ClearAllCredits()
	ClearCreditsByUser(username string)
	BlockCreditsByUser(username string)
	UnblockCreditsByUser(username string)
	IsUserBlocked(username string) bool
}

// AvatarStore receives profile pictures seen on inbound events.
type AvatarStore interface {
	Update(username, url string)
	Clear()
}

// IdentityResetter forgets identities remembered across snapshots.
type IdentityResetter interface {
	ResetIdentities()
}

// Config wires a Service.
type Config struct {
	Ledger     Ledger
	Avatars    AvatarStore
	Viewers    viewers.Directory
	Identities IdentityResetter
	Validator  *Validator
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Service applies events and operator commands to the ledger.
type Service struct {
	ledger     Ledger
	avatars    AvatarStore
	viewers    viewers.Directory
	identities IdentityResetter
	validator  *Validator
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

// NewService validates cfg and returns a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("ingest: ledger is required")
	}
	s := &Service{
		ledger:     cfg.Ledger,
		avatars:    cfg.Avatars,
		viewers:    cfg.Viewers,
		identities: cfg.Identities,
		validator:  cfg.Validator,
		logger:     logging.WithComponent(logging.OrDefault(cfg.Logger), "ingest"),
		metrics:    cfg.Metrics,
	}
	if s.validator == nil {
		s.validator = NewValidator()
	}
	return s, nil
}

// Validator exposes the validator used for operator input.
func (s *Service) Validator() *Validator {
	return s.validator
}

// CustomCredit registers a credit in an operator-defined category. Amount
// accepts numbers or numeric strings; anything else counts as 0.
type CustomCredit struct {
	Category        string `json:"category" validate:"required"`
	Username        string `json:"username" validate:"required"`
	UserDisplayName string `json:"userDisplayName"`
	ProfilePicURL   string `json:"profilePicUrl" validate:"omitempty,url"`
	Amount          any    `json:"amount"`
}

// RegisterCustom validates and stores a custom credit.
func (s *Service) RegisterCustom(ctx context.Context, credit CustomCredit) (models.CreditedUser, error) {
	credit.Category = strings.TrimSpace(credit.Category)
	credit.Username = strings.TrimSpace(credit.Username)
	credit.ProfilePicURL = strings.TrimSpace(credit.ProfilePicURL)
	if err := s.validator.Struct(credit); err != nil {
		return models.CreditedUser{}, err
	}
	category, err := s.validator.ValidateCustomCategory(credit.Category)
	if err != nil {
		s.logger.Warn("custom credit rejected", "category", credit.Category, "error", err)
		s.metrics.ObserveCredit(credit.Category, false)
		return models.CreditedUser{}, err
	}
	entry := models.CreditedUser{
		Username:        credit.Username,
		UserDisplayName: firstNonEmpty(strings.TrimSpace(credit.UserDisplayName), credit.Username),
		ProfilePicURL:   credit.ProfilePicURL,
		Amount:          models.ForceNumber(credit.Amount),
	}
	s.ledger.RegisterCustomCredit(category, entry)
	s.metrics.ObserveCredit(category, true)
	logging.WithContext(ctx, s.logger).Debug("registered custom credit", "category", category, "username", entry.Username)
	return entry, nil
}

// ManualCredit registers a built-in credit on behalf of a user.
type ManualCredit struct {
	Category string  `json:"category" validate:"required"`
	Username string  `json:"username" validate:"required"`
	Amount   float64 `json:"amount"`
}

// RegisterManual stores a credit in a built-in category.
func (s *Service) RegisterManual(ctx context.Context, credit ManualCredit) (models.CreditedUser, error) {
	credit.Category = strings.TrimSpace(credit.Category)
	credit.Username = strings.TrimSpace(credit.Username)
	if err := s.validator.Struct(credit); err != nil {
		return models.CreditedUser{}, err
	}
	entry := models.CreditedUser{Username: credit.Username, Amount: credit.Amount}
	if !s.register(ctx, credit.Category, entry) {
		return models.CreditedUser{}, fmt.Errorf("%w: %q is not a built-in category", ErrInvalidCategory, credit.Category)
	}
	return entry, nil
}

// register stores entry in a built-in category and records the outcome.
func (s *Service) register(ctx context.Context, category string, entry models.CreditedUser) bool {
	ok := s.ledger.RegisterCredit(category, entry)
	s.metrics.ObserveCredit(category, ok)
	logger := logging.WithContext(ctx, s.logger)
	if !ok {
		logger.Error("unknown event type", "category", category, "username", entry.Username)
		return false
	}
	logger.Debug("registered credit", "category", category, "username", entry.Username, "amount", entry.Amount)
	return true
}

var customSeparators = regexp.MustCompile(`[\s,]+`)

// Clear empties categories. With all set every known category is emptied;
// otherwise the built-in list and the comma or whitespace separated custom
// list are combined. Unknown names are ignored. The names that were
// requested are returned.
func (s *Service) Clear(ctx context.Context, all bool, builtIn []string, custom string) []string {
	var requested []string
	if all {
		requested = s.ledger.CreditKeys()
		s.ledger.ClearAllCredits()
	} else {
		seen := make(map[string]struct{})
		candidates := append(append([]string(nil), builtIn...), customSeparators.Split(custom, -1)...)
		for _, name := range candidates {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			requested = append(requested, name)
		}
		s.ledger.ClearCredits(requested)
	}
	logging.WithContext(ctx, s.logger).Info("cleared credits", "categories", strings.Join(requested, ", "))
	return requested
}

// ClearByUser removes every record for username.
func (s *Service) ClearByUser(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidRequest)
	}
	s.ledger.ClearCreditsByUser(username)
	logging.WithContext(ctx, s.logger).Info("cleared credits for user", "username", username)
	return nil
}

// BlockUser hides username from every category until unblocked.
func (s *Service) BlockUser(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidRequest)
	}
	s.ledger.BlockCreditsByUser(username)
	logging.WithContext(ctx, s.logger).Info("blocked credits for user", "username", username)
	return nil
}

// UnblockUser removes username from the block list.
func (s *Service) UnblockUser(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidRequest)
	}
	s.ledger.UnblockCreditsByUser(username)
	logging.WithContext(ctx, s.logger).Info("unblocked credits for user", "username", username)
	return nil
}

// IsBlocked reports whether username is on the block list.
func (s *Service) IsBlocked(username string) bool {
	return s.ledger.IsUserBlocked(strings.TrimSpace(username))
}

// ResetSession clears every category, the avatar cache and remembered
// identities. The block list survives.
func (s *Service) ResetSession(ctx context.Context) {
	s.ledger.ClearAllCredits()
	if s.avatars != nil {
		s.avatars.Clear()
	}
	if s.identities != nil {
		s.identities.ResetIdentities()
	}
	logging.WithContext(ctx, s.logger).Info("session reset")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
