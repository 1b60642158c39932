package ingest

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"credits-generator/internal/avatar"
	"credits-generator/internal/events"
	"credits-generator/internal/models"
	"credits-generator/internal/observability/logging"
	"credits-generator/internal/observability/metrics"
	"credits-generator/internal/storage"
	"credits-generator/internal/viewers"
)

type resetCounter struct{ calls int }

func (r *resetCounter) ResetIdentities() { r.calls++ }

type failingDirectory struct{}

func (failingDirectory) LookupViewer(context.Context, string) (viewers.Viewer, error) {
	return viewers.Viewer{}, errors.New("directory offline")
}

type fixture struct {
	service    *Service
	ledger     *storage.Ledger
	avatars    *avatar.Cache
	directory  *viewers.MemoryDirectory
	identities *resetCounter
	metrics    *metrics.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	directory := viewers.NewMemoryDirectory(
		viewers.Viewer{Username: "Donor", DisplayName: "Donor", ProfilePicURL: "https://cdn.example.com/donor.png"},
		viewers.Viewer{Username: "VipMod", Roles: []string{"vip", "mod"}},
		viewers.Viewer{Username: "plain"},
	)
	f := &fixture{
		ledger:     storage.NewLedger(),
		avatars:    avatar.New(directory),
		directory:  directory,
		identities: &resetCounter{},
		metrics:    metrics.New(),
	}
	service, err := NewService(Config{
		Ledger:     f.ledger,
		Avatars:    f.avatars,
		Viewers:    directory,
		Identities: f.identities,
		Logger:     logging.Discard(),
		Metrics:    f.metrics,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.service = service
	return f
}

func (f *fixture) records(t *testing.T, category string) []models.CreditedUser {
	t.Helper()
	records, ok := f.ledger.CreditsForType(category)
	if !ok {
		t.Fatalf("category %q does not exist", category)
	}
	return records
}

func TestNewServiceRequiresLedger(t *testing.T) {
	if _, err := NewService(Config{}); err == nil {
		t.Fatal("expected error without ledger")
	}
}

func TestServiceWithoutOptionalCollaborators(t *testing.T) {
	ledger := storage.NewLedger()
	service, err := NewService(Config{Ledger: ledger})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	if _, err := service.RegisterCustom(ctx, CustomCredit{Category: "cheer", Username: "bob"}); !errors.Is(err, ErrReservedCategory) {
		t.Fatalf("expected reserved category error, got %v", err)
	}
	if _, err := service.RegisterCustom(ctx, CustomCredit{Category: "artists", Username: "bob", Amount: "2"}); err != nil {
		t.Fatalf("RegisterCustom: %v", err)
	}
	if err := service.BlockUser(ctx, "bob"); err != nil {
		t.Fatalf("BlockUser: %v", err)
	}
	service.ResetSession(ctx)
	if !service.IsBlocked("bob") {
		t.Fatal("expected block list to survive the reset")
	}
	if records, ok := ledger.CreditsForType("artists"); !ok || len(records) != 0 {
		t.Fatalf("expected artists to be emptied, got %+v (%v)", records, ok)
	}
}

func TestValidateCustomCategory(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "trimmed", input: "  artists ", want: "artists"},
		{name: "empty", input: "   ", wantErr: ErrInvalidCategory},
		{name: "built-in", input: "cheer", wantErr: ErrReservedCategory},
		{name: "charity", input: "charityDonation", wantErr: ErrReservedCategory},
		{name: "existing", input: "existingFollowers", wantErr: ErrReservedCategory},
		{name: "by amount", input: "artistsByAmount", wantErr: ErrInvalidCategory},
		{name: "by amount any case", input: "artistsbyamount", wantErr: ErrInvalidCategory},
		{name: "reserved match is exact", input: "Cheer", want: "Cheer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateCustomCategory(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %q, %v", got, err)
			}
		})
	}
}

func TestRegisterCustom(t *testing.T) {
	f := newFixture(t)
	entry, err := f.service.RegisterCustom(context.Background(), CustomCredit{
		Category: " artists ",
		Username: " painter ",
		Amount:   "12.5",
	})
	if err != nil {
		t.Fatalf("RegisterCustom: %v", err)
	}
	want := models.CreditedUser{Username: "painter", UserDisplayName: "painter", Amount: 12.5}
	if entry != want {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if got := f.records(t, "artists"); !reflect.DeepEqual(got, []models.CreditedUser{want}) {
		t.Fatalf("unexpected ledger contents %+v", got)
	}

	entry, err = f.service.RegisterCustom(context.Background(), CustomCredit{Category: "artists", Username: "sculptor", Amount: "lots"})
	if err != nil || entry.Amount != 0 {
		t.Fatalf("expected non-numeric amount to become 0, got %+v (%v)", entry, err)
	}
}

func TestRegisterCustomRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.service.RegisterCustom(ctx, CustomCredit{Category: "cheer", Username: "bob"}); !errors.Is(err, ErrReservedCategory) {
		t.Fatalf("expected ErrReservedCategory, got %v", err)
	}
	if _, err := f.service.RegisterCustom(ctx, CustomCredit{Category: "artists", Username: "  "}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := f.service.RegisterCustom(ctx, CustomCredit{Category: "artists", Username: "bob", ProfilePicURL: "not a url"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for bad url, got %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.CreditCounter("cheer", "rejected")); got != 1 {
		t.Fatalf("expected one rejected registration, got %v", got)
	}
}

func TestRegisterManual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.service.RegisterManual(ctx, ManualCredit{Category: "donation", Username: "bob", Amount: 5}); err != nil {
		t.Fatalf("RegisterManual: %v", err)
	}
	if got := f.records(t, "donation"); len(got) != 1 || got[0].Amount != 5 {
		t.Fatalf("unexpected donation records %+v", got)
	}
	if _, err := f.service.RegisterManual(ctx, ManualCredit{Category: "artists", Username: "bob"}); !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
	if _, ok := f.ledger.CreditsForType("artists"); ok {
		t.Fatal("manual registration must not create categories")
	}
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.RegisterCredit("cheer", models.CreditedUser{Username: "a"})
	f.ledger.RegisterCredit("raid", models.CreditedUser{Username: "b"})
	f.ledger.RegisterCustomCredit("artists", models.CreditedUser{Username: "c"})
	f.ledger.RegisterCustomCredit("writers", models.CreditedUser{Username: "d"})

	cleared := f.service.Clear(ctx, false, []string{"cheer", "cheer"}, "artists, \n nope")
	if want := []string{"cheer", "artists", "nope"}; !reflect.DeepEqual(cleared, want) {
		t.Fatalf("unexpected cleared list %v", cleared)
	}
	for category, want := range map[string]int{"cheer": 0, "artists": 0, "raid": 1, "writers": 1} {
		if got := len(f.records(t, category)); got != want {
			t.Fatalf("expected %d records in %s, got %d", want, category, got)
		}
	}
	if _, ok := f.ledger.CreditsForType("nope"); ok {
		t.Fatal("clearing must not create categories")
	}

	all := f.service.Clear(ctx, true, nil, "")
	sort.Strings(all)
	if !contains(all, "writers") || !contains(all, "raid") {
		t.Fatalf("expected every key to be cleared, got %v", all)
	}
	if len(f.records(t, "writers")) != 0 || len(f.records(t, "raid")) != 0 {
		t.Fatal("expected all categories empty")
	}
}

func TestUserManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.RegisterCredit("follow", models.CreditedUser{Username: "Troll"})
	f.ledger.RegisterCredit("follow", models.CreditedUser{Username: "friend"})

	if err := f.service.BlockUser(ctx, "troll"); err != nil {
		t.Fatalf("BlockUser: %v", err)
	}
	if !f.service.IsBlocked("TROLL") {
		t.Fatal("expected troll to be blocked")
	}
	if got := f.records(t, "follow"); len(got) != 1 {
		t.Fatalf("expected blocked user hidden, got %+v", got)
	}
	if err := f.service.UnblockUser(ctx, "troll"); err != nil {
		t.Fatalf("UnblockUser: %v", err)
	}
	if err := f.service.ClearByUser(ctx, "friend"); err != nil {
		t.Fatalf("ClearByUser: %v", err)
	}
	if got := f.records(t, "follow"); len(got) != 1 || got[0].Username != "Troll" {
		t.Fatalf("unexpected follow records %+v", got)
	}
	for _, call := range []func(context.Context, string) error{f.service.BlockUser, f.service.UnblockUser, f.service.ClearByUser} {
		if err := call(ctx, " "); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest for blank username, got %v", err)
		}
	}
}

func TestResetSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.RegisterCredit("cheer", models.CreditedUser{Username: "a", Amount: 1})
	f.ledger.BlockCreditsByUser("blocked")
	f.avatars.Update("a", "https://cdn.example.com/a.png")

	f.service.ResetSession(ctx)

	if len(f.records(t, "cheer")) != 0 {
		t.Fatal("expected ledger to be cleared")
	}
	if _, ok := f.avatars.Get("a"); ok {
		t.Fatal("expected avatar cache to be cleared")
	}
	if f.identities.calls != 1 {
		t.Fatalf("expected identities reset once, got %d", f.identities.calls)
	}
	if !f.service.IsBlocked("blocked") {
		t.Fatal("expected block list to survive a reset")
	}
}

func TestHandleEventLookupFailure(t *testing.T) {
	service, err := NewService(Config{Ledger: storage.NewLedger(), Viewers: failingDirectory{}, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	_, err = service.HandleEvent(context.Background(), events.Event{
		Source:   "twitch",
		Type:     "viewer-arrived",
		Username: "someone",
	})
	if err == nil || errors.Is(err, viewers.ErrNotFound) {
		t.Fatalf("expected lookup failure to surface, got %v", err)
	}
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
