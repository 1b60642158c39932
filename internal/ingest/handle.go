package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"credits-generator/internal/events"
	"credits-generator/internal/models"
	"credits-generator/internal/observability/logging"
	"credits-generator/internal/viewers"
)

var (
	// ErrUnknownEvent is returned for source:type pairs with no mapping.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidEvent is returned when an event lacks a required field.
	ErrInvalidEvent = errors.New("invalid event")
)

// Outcome describes what HandleEvent did with an event.
type Outcome string

const (
	OutcomeRegistered Outcome = "registered"
	OutcomeSkipped    Outcome = "skipped"
)

type eventHandler func(s *Service, ctx context.Context, event events.Event) (Outcome, error)

var eventHandlers = map[string]eventHandler{
	"twitch:cheer":                                (*Service).handleCheer,
	"twitch:bits-powerup-message-effect":          (*Service).handleBitsPowerUp,
	"twitch:bits-powerup-celebration":             (*Service).handleBitsPowerUp,
	"twitch:bits-powerup-gigantified-emote":       (*Service).handleBitsPowerUp,
	"streamelements:donation":                     (*Service).handleDonation,
	"mage-kick-integration:follow":                (*Service).handleFollow,
	"twitch:follow":                               (*Service).handleFollow,
	"mage-kick-integration:community-subs-gifted": (*Service).handleGiftedSubs,
	"mage-kick-integration:subs-gifted":           (*Service).handleGiftedSubs,
	"twitch:community-subs-gifted":                (*Service).handleGiftedSubs,
	"twitch:subs-gifted":                          (*Service).handleGiftedSubs,
	"mage-kick-integration:raid":                  (*Service).handleRaid,
	"twitch:raid":                                 (*Service).handleRaid,
	"mage-kick-integration:sub":                   (*Service).handleSub,
	"twitch:sub":                                  (*Service).handleSub,
	"twitch:gift-sub-upgraded":                    (*Service).handleSub,
	"twitch:viewer-arrived":                       (*Service).handleViewerArrived,
}

// SupportedEvents lists the source:type keys HandleEvent understands, sorted.
func SupportedEvents() []string {
	keys := make([]string, 0, len(eventHandlers))
	for key := range eventHandlers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// HandleEvent maps a platform event onto the ledger.
func (s *Service) HandleEvent(ctx context.Context, event events.Event) (Outcome, error) {
	handler, ok := eventHandlers[event.Key()]
	if !ok {
		logging.WithContext(ctx, s.logger).Error("unknown event type", "event", event.Key())
		return "", fmt.Errorf("%w: %s", ErrUnknownEvent, event.Key())
	}
	return handler(s, ctx, event)
}

func (s *Service) missing(ctx context.Context, event events.Event, field string) error {
	logging.WithContext(ctx, s.logger).Error("event is missing a required field", "event", event.Key(), "field", field)
	return fmt.Errorf("%w: %s requires %s", ErrInvalidEvent, event.Key(), field)
}

func (s *Service) registered(ctx context.Context, category models.Category, entry models.CreditedUser) (Outcome, error) {
	if !s.register(ctx, string(category), entry) {
		return "", fmt.Errorf("%w: %s", ErrInvalidCategory, category)
	}
	return OutcomeRegistered, nil
}

func (s *Service) handleCheer(ctx context.Context, event events.Event) (Outcome, error) {
	username := strings.TrimSpace(event.Username)
	if username == "" {
		return "", s.missing(ctx, event, "username")
	}
	bits, _ := event.Value("bits")
	return s.registered(ctx, models.CategoryCheer, models.CreditedUser{
		Username: username,
		Amount:   models.ForceNumber(bits),
	})
}

func (s *Service) handleBitsPowerUp(ctx context.Context, event events.Event) (Outcome, error) {
	username := strings.TrimSpace(event.Username)
	if username == "" {
		return "", s.missing(ctx, event, "username")
	}
	raw, _ := event.Value("bits")
	bits, ok := models.ParseNumber(raw)
	if !ok {
		return "", s.missing(ctx, event, "bits")
	}
	if bits <= 0 {
		logging.WithContext(ctx, s.logger).Warn("bits power-up with no bits", "event", event.Key(), "username", username, "bits", bits)
		return OutcomeSkipped, nil
	}
	return s.registered(ctx, models.CategoryCheer, models.CreditedUser{Username: username, Amount: bits})
}

func (s *Service) handleDonation(ctx context.Context, event events.Event) (Outcome, error) {
	donor := strings.TrimSpace(event.String("from"))
	if donor == "" {
		return "", s.missing(ctx, event, "from")
	}
	raw, _ := event.Value("donationAmount")
	amount, ok := models.ParseNumber(raw)
	if !ok {
		return "", s.missing(ctx, event, "donationAmount")
	}
	viewer, found, err := s.lookup(ctx, donor)
	if err != nil {
		return "", err
	}
	if !found {
		logging.WithContext(ctx, s.logger).Warn("donor not found in viewer directory", "username", donor)
		return OutcomeSkipped, nil
	}
	s.rememberAvatar(viewer)
	return s.registered(ctx, models.CategoryDonation, models.CreditedUser{Username: viewer.Username, Amount: amount})
}

func (s *Service) handleFollow(ctx context.Context, event events.Event) (Outcome, error) {
	username := firstNonEmpty(strings.TrimSpace(event.Username), strings.TrimSpace(event.String("username")))
	if username == "" {
		return "", s.missing(ctx, event, "username")
	}
	picture := strings.TrimSpace(event.String("profilePicUrl"))
	if picture != "" && s.avatars != nil {
		s.avatars.Update(username, picture)
	}
	return s.registered(ctx, models.CategoryFollow, models.CreditedUser{
		Username:        username,
		UserDisplayName: firstNonEmpty(event.String("userDisplayName"), username),
		ProfilePicURL:   picture,
	})
}

func (s *Service) handleGiftedSubs(ctx context.Context, event events.Event) (Outcome, error) {
	if event.Bool("isAnonymous") {
		logging.WithContext(ctx, s.logger).Debug("anonymous gifted subs ignored", "event", event.Key())
		return OutcomeSkipped, nil
	}
	gifter := strings.TrimSpace(event.String("gifterUsername"))
	if gifter == "" {
		return "", s.missing(ctx, event, "gifterUsername")
	}
	count, _ := event.Value("subCount")
	if !truthy(count) {
		count = 1
	}
	return s.registered(ctx, models.CategoryGift, models.CreditedUser{
		Username: gifter,
		Amount:   models.ForceNumber(count),
	})
}

func (s *Service) handleRaid(ctx context.Context, event events.Event) (Outcome, error) {
	username := strings.TrimSpace(event.Username)
	if username == "" {
		return "", s.missing(ctx, event, "username")
	}
	viewerCount, _ := event.Value("viewerCount")
	return s.registered(ctx, models.CategoryRaid, models.CreditedUser{
		Username: username,
		Amount:   models.ForceNumber(viewerCount),
	})
}

func (s *Service) handleSub(ctx context.Context, event events.Event) (Outcome, error) {
	username := strings.TrimSpace(event.Username)
	if username == "" {
		return "", s.missing(ctx, event, "username")
	}
	return s.registered(ctx, models.CategorySub, models.CreditedUser{Username: username})
}

func (s *Service) handleViewerArrived(ctx context.Context, event events.Event) (Outcome, error) {
	username := strings.TrimSpace(event.Username)
	if username == "" {
		return "", s.missing(ctx, event, "username")
	}
	viewer, found, err := s.lookup(ctx, username)
	if err != nil {
		return "", err
	}
	if !found {
		logging.WithContext(ctx, s.logger).Warn("arriving viewer not found in viewer directory", "username", username)
		return OutcomeSkipped, nil
	}
	s.rememberAvatar(viewer)
	outcome := OutcomeSkipped
	if viewer.HasRole("vip") {
		if _, err := s.registered(ctx, models.CategoryVIP, models.CreditedUser{Username: viewer.Username}); err != nil {
			return "", err
		}
		outcome = OutcomeRegistered
	}
	if viewer.HasRole("mod") {
		if _, err := s.registered(ctx, models.CategoryModerator, models.CreditedUser{Username: viewer.Username}); err != nil {
			return "", err
		}
		outcome = OutcomeRegistered
	}
	return outcome, nil
}

// lookup consults the viewer directory. A missing directory behaves like an
// empty one.
func (s *Service) lookup(ctx context.Context, username string) (viewers.Viewer, bool, error) {
	if s.viewers == nil {
		return viewers.Viewer{}, false, nil
	}
	viewer, err := s.viewers.LookupViewer(ctx, username)
	switch {
	case err == nil:
		return viewer, true, nil
	case errors.Is(err, viewers.ErrNotFound):
		return viewers.Viewer{}, false, nil
	default:
		return viewers.Viewer{}, false, fmt.Errorf("lookup viewer %q: %w", username, err)
	}
}

func (s *Service) rememberAvatar(viewer viewers.Viewer) {
	if s.avatars != nil && viewer.ProfilePicURL != "" {
		s.avatars.Update(viewer.Username, viewer.ProfilePicURL)
	}
}

// truthy follows loose truthiness for event values: nil, false, zero, NaN
// and the empty string are false.
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0 && !math.IsNaN(v)
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return true
	}
}
