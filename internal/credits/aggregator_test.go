package credits

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"credits-generator/internal/models"
	"credits-generator/internal/observability/logging"
	"credits-generator/internal/storage"
	"credits-generator/internal/viewers"
)

type fakeEnumerators struct {
	followers []models.CreditedUser
	subs      []models.CreditedUser
	gifters   []models.CreditedUser
	err       error
	calls     int
}

func (f *fakeEnumerators) list(records []models.CreditedUser) ([]models.CreditedUser, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.CreditedUser(nil), records...), nil
}

func (f *fakeEnumerators) Followers(context.Context) ([]models.CreditedUser, error) {
	return f.list(f.followers)
}

func (f *fakeEnumerators) AllSubscribers(context.Context) ([]models.CreditedUser, error) {
	return f.list(f.subs)
}

func (f *fakeEnumerators) GiftedSubscribers(context.Context) ([]models.CreditedUser, error) {
	return f.list(nil)
}

func (f *fakeEnumerators) PaidSubscribers(context.Context) ([]models.CreditedUser, error) {
	return f.list(f.subs)
}

func (f *fakeEnumerators) Gifters(context.Context) ([]models.CreditedUser, error) {
	return f.list(f.gifters)
}

type fakeAvatars struct{}

func (fakeAvatars) Resolve(_ context.Context, username string) string {
	return "https://avatars.example.com/" + strings.ToLower(username) + ".png"
}

func newTestAggregator(t *testing.T, ledger *storage.Ledger, mutate func(*Config)) *Aggregator {
	t.Helper()
	cfg := Config{
		Ledger:           ledger,
		Avatars:          fakeAvatars{},
		StreamerUsername: "TheStreamer",
		BotUsername:      "TheBot",
		Logger:           logging.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	aggregator, err := NewAggregator(cfg)
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	return aggregator
}

func credit(username string, amount float64) models.CreditedUser {
	return models.CreditedUser{Username: username, Amount: amount}
}

func TestEntriesSumsDuplicates(t *testing.T) {
	ledger := storage.NewLedger()
	ledger.RegisterCredit("cheer", credit("bob", 10))
	ledger.RegisterCredit("cheer", credit("alice", 3))
	ledger.RegisterCredit("cheer", credit("bob", 5))
	aggregator := newTestAggregator(t, ledger, nil)

	got := aggregator.Entries(context.Background(), "cheer")
	want := []models.CreditedUser{credit("alice", 3), credit("bob", 15)}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected entries %+v", got)
	}
}

func TestUserListOrdering(t *testing.T) {
	ledger := storage.NewLedger()
	for _, record := range []models.CreditedUser{
		credit("charlie", 5),
		credit("Bob", 20),
		credit("alice", 5),
		credit("dave", 1),
		credit("Émile", 2),
	} {
		ledger.RegisterCredit("cheer", record)
	}
	aggregator := newTestAggregator(t, ledger, nil)

	if got := aggregator.UserList(context.Background(), "cheer"); !reflect.DeepEqual(got, []string{"alice", "Bob", "charlie", "dave", "Émile"}) {
		t.Fatalf("unexpected username order %v", got)
	}
	if got := aggregator.UserList(context.Background(), " cheerbyamount "); !reflect.DeepEqual(got, []string{"Bob", "alice", "charlie", "Émile", "dave"}) {
		t.Fatalf("unexpected amount order %v", got)
	}
}

func TestUserListTieBreakIsDeterministic(t *testing.T) {
	ledger := storage.NewLedger()
	ledger.RegisterCredit("raid", credit("bob", 1))
	ledger.RegisterCredit("raid", credit("BOB", 1))
	aggregator := newTestAggregator(t, ledger, nil)

	first := aggregator.UserList(context.Background(), "raid")
	if !reflect.DeepEqual(first, []string{"BOB", "bob"}) {
		t.Fatalf("expected exact-string identities ordered bytewise on ties, got %v", first)
	}
}

func TestModeratorAndVIPExcludeStaff(t *testing.T) {
	ledger := storage.NewLedger()
	for _, name := range []string{"TheStreamer", "TheBot", "mod1", "thestreamer"} {
		ledger.RegisterCredit("moderator", credit(name, 0))
		ledger.RegisterCredit("vip", credit(name, 0))
	}
	ledger.RegisterCredit("follow", credit("TheStreamer", 0))
	aggregator := newTestAggregator(t, ledger, nil)

	for _, category := range []string{"moderator", "vip"} {
		if got := aggregator.UserList(context.Background(), category); !reflect.DeepEqual(got, []string{"mod1", "thestreamer"}) {
			t.Fatalf("%s: unexpected list %v", category, got)
		}
	}
	if got := aggregator.UserList(context.Background(), "follow"); !reflect.DeepEqual(got, []string{"TheStreamer"}) {
		t.Fatalf("expected streamer to stay in other categories, got %v", got)
	}
}

func TestEntriesUnknownAndBlocked(t *testing.T) {
	ledger := storage.NewLedger()
	ledger.RegisterCredit("sub", credit("Bob", 0))
	ledger.BlockCreditsByUser("bob")
	aggregator := newTestAggregator(t, ledger, nil)

	if got := aggregator.UserList(context.Background(), "sub"); len(got) != 0 {
		t.Fatalf("expected blocked user hidden, got %v", got)
	}
	got := aggregator.UserList(context.Background(), "nonsense")
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil list for unknown category, got %#v", got)
	}
}

func TestEntriesCustomCategory(t *testing.T) {
	ledger := storage.NewLedger()
	ledger.RegisterCustomCredit("artists", credit("painter", 2))
	ledger.RegisterCustomCredit("artists", credit("sculptor", 7))
	aggregator := newTestAggregator(t, ledger, nil)

	if got := aggregator.UserList(context.Background(), "artistsByAmount"); !reflect.DeepEqual(got, []string{"sculptor", "painter"}) {
		t.Fatalf("unexpected custom list %v", got)
	}
}

func TestEntriesExistingCategories(t *testing.T) {
	enumerators := &fakeEnumerators{
		followers: []models.CreditedUser{credit("zed", 0), credit("amy", 0)},
		gifters:   []models.CreditedUser{credit("giver", 3), credit("other", 5)},
	}
	aggregator := newTestAggregator(t, storage.NewLedger(), func(cfg *Config) {
		cfg.Enumerators = enumerators
	})

	if got := aggregator.UserList(context.Background(), "existingFollowers"); !reflect.DeepEqual(got, []string{"amy", "zed"}) {
		t.Fatalf("unexpected followers %v", got)
	}
	if got := aggregator.UserList(context.Background(), "existingGiftersByAmount"); !reflect.DeepEqual(got, []string{"other", "giver"}) {
		t.Fatalf("unexpected gifters %v", got)
	}

	enumerators.err = errors.New("helix unavailable")
	if got := aggregator.UserList(context.Background(), "existingFollowers"); len(got) != 0 {
		t.Fatalf("expected the plain query to degrade, got %v", got)
	}
}

func decodeSnapshot(t *testing.T, payload string) map[string][]models.CreditedUser {
	t.Helper()
	var out map[string][]models.CreditedUser
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		t.Fatalf("decode snapshot: %v\n%s", err, payload)
	}
	return out
}

func TestSnapshotJSONCoversEveryCategory(t *testing.T) {
	ledger := storage.NewLedger()
	ledger.RegisterCredit("cheer", models.CreditedUser{Username: "bob", Amount: 10, UserDisplayName: "Bobby"})
	ledger.RegisterCredit("cheer", models.CreditedUser{Username: "bob", Amount: 5})
	ledger.RegisterCredit("cheer", credit("alice", 20))
	ledger.RegisterCustomCredit("artists", credit("painter", 0))
	aggregator := newTestAggregator(t, ledger, nil)

	payload, err := aggregator.SnapshotJSON(context.Background())
	if err != nil {
		t.Fatalf("SnapshotJSON: %v", err)
	}
	if !strings.Contains(payload, "\n  \"artists\": [") {
		t.Fatalf("expected two-space indentation, got:\n%s", payload)
	}
	snapshot := decodeSnapshot(t, payload)

	expectedKeys := len(models.BuiltInCategories())*2 + len(models.ExistingCategories())*2 + 2
	if len(snapshot) != expectedKeys {
		t.Fatalf("expected %d keys, got %d", expectedKeys, len(snapshot))
	}
	for _, key := range []string{"cheer", "cheerByAmount", "artists", "artistsByAmount", "existingFollowers", "existingGiftersByAmount"} {
		if _, ok := snapshot[key]; !ok {
			t.Fatalf("expected key %q in snapshot", key)
		}
	}
	if !strings.Contains(payload, `"follow": []`) {
		t.Fatalf("expected empty categories to render as []:\n%s", payload)
	}

	byAmount := snapshot["cheerByAmount"]
	if len(byAmount) != 2 || byAmount[0].Username != "alice" || byAmount[1].Username != "bob" {
		t.Fatalf("unexpected cheerByAmount %+v", byAmount)
	}
	bob := byAmount[1]
	if bob.Amount != 15 || bob.UserDisplayName != "Bobby" {
		t.Fatalf("expected merged bob entry, got %+v", bob)
	}
	if bob.ProfilePicURL != "https://avatars.example.com/bob.png" {
		t.Fatalf("expected avatar resolver to be authoritative, got %q", bob.ProfilePicURL)
	}
	if alice := byAmount[0]; alice.UserDisplayName != "alice" {
		t.Fatalf("expected display name to default to username, got %+v", alice)
	}
}

func TestSnapshotJSONUsesViewerDirectory(t *testing.T) {
	ledger := storage.NewLedger()
	ledger.RegisterCredit("follow", models.CreditedUser{Username: "carol", UserDisplayName: "ignored"})
	directory := viewers.NewMemoryDirectory(viewers.Viewer{Username: "Carol", DisplayName: "CarolPlays", ProfilePicURL: "https://cdn/carol.png"})
	aggregator := newTestAggregator(t, ledger, func(cfg *Config) {
		cfg.Viewers = directory
	})

	snapshot := decodeSnapshot(t, mustSnapshot(t, aggregator, "follow"))
	entry := snapshot["follow"][0]
	if entry.Username != "Carol" || entry.UserDisplayName != "CarolPlays" {
		t.Fatalf("expected directory identity, got %+v", entry)
	}
	if entry.ProfilePicURL != "https://avatars.example.com/carol.png" {
		t.Fatalf("unexpected avatar %q", entry.ProfilePicURL)
	}
}

func TestSnapshotJSONKeepsRecordedIdentityWhenViewerFieldsBlank(t *testing.T) {
	ledger := storage.NewLedger()
	ledger.RegisterCredit("cheer", models.CreditedUser{Username: "bob", UserDisplayName: "Bobby", ProfilePicURL: "https://cdn/bob.png", Amount: 1})
	ledger.RegisterCredit("cheer", credit("erin", 2))
	directory := viewers.NewMemoryDirectory(viewers.Viewer{Username: "bob"}, viewers.Viewer{Username: "erin"})
	aggregator := newTestAggregator(t, ledger, func(cfg *Config) {
		cfg.Viewers = directory
		cfg.Avatars = nil
	})

	snapshot := decodeSnapshot(t, mustSnapshot(t, aggregator, "cheer"))
	got := snapshot["cheer"]
	if len(got) != 2 {
		t.Fatalf("expected two entries, got %+v", got)
	}
	if got[0].Username != "bob" || got[0].UserDisplayName != "Bobby" || got[0].ProfilePicURL != "https://cdn/bob.png" {
		t.Fatalf("expected recorded identity for bob, got %+v", got[0])
	}
	if got[1].Username != "erin" || got[1].UserDisplayName != "erin" {
		t.Fatalf("expected display name to default to username, got %+v", got[1])
	}
}

type brokenDirectory struct{}

func (brokenDirectory) LookupViewer(context.Context, string) (viewers.Viewer, error) {
	return viewers.Viewer{}, errors.New("db down")
}

func TestSnapshotJSONDegradesOnViewerErrors(t *testing.T) {
	ledger := storage.NewLedger()
	ledger.RegisterCredit("raid", models.CreditedUser{Username: "dan", Amount: 4, UserDisplayName: "DanTheMan"})
	aggregator := newTestAggregator(t, ledger, func(cfg *Config) {
		cfg.Viewers = brokenDirectory{}
	})

	snapshot := decodeSnapshot(t, mustSnapshot(t, aggregator, "raid"))
	if got := snapshot["raid"]; len(got) != 1 || got[0].UserDisplayName != "DanTheMan" || got[0].Amount != 4 {
		t.Fatalf("expected recorded identity to survive, got %+v", got)
	}
}

func TestSnapshotJSONStripsPlatformSuffix(t *testing.T) {
	ledger := storage.NewLedger()
	ledger.RegisterCredit("cheer", models.CreditedUser{Username: "user1@kick", UserDisplayName: "User 1@kick", Amount: 50})
	aggregator := newTestAggregator(t, ledger, nil)

	snapshot := decodeSnapshot(t, mustSnapshot(t, aggregator, "cheer"))
	entry := snapshot["cheer"][0]
	if entry.Username != "user1" || entry.UserDisplayName != "User 1" {
		t.Fatalf("expected suffix stripped for display, got %+v", entry)
	}
	if entry.ProfilePicURL != "https://avatars.example.com/user1@kick.png" {
		t.Fatalf("expected avatar resolved with the platform identity, got %q", entry.ProfilePicURL)
	}
	records, _ := ledger.CreditsForType("cheer")
	if records[0].Username != "user1@kick" {
		t.Fatalf("expected stored identity untouched, got %q", records[0].Username)
	}
}

func TestSnapshotJSONSingleCategory(t *testing.T) {
	ledger := storage.NewLedger()
	ledger.RegisterCredit("gift", credit("gifter", 3))
	ledger.RegisterCredit("cheer", credit("bob", 1))
	aggregator := newTestAggregator(t, ledger, nil)

	snapshot := decodeSnapshot(t, mustSnapshot(t, aggregator, "GiftByAmount"))
	if len(snapshot) != 2 {
		t.Fatalf("expected only gift variants, got %v", snapshot)
	}
	if _, ok := snapshot["giftByAmount"]; !ok {
		t.Fatalf("expected giftByAmount, got %v", snapshot)
	}

	if got := mustSnapshot(t, aggregator, "unknown"); strings.TrimSpace(got) != "{}" {
		t.Fatalf("expected empty object for unknown category, got %s", got)
	}
}

func TestSnapshotJSONTooManyArguments(t *testing.T) {
	aggregator := newTestAggregator(t, storage.NewLedger(), nil)
	payload, err := aggregator.SnapshotJSON(context.Background(), "cheer", "sub")
	if !errors.Is(err, ErrTooManyArguments) || payload != "" {
		t.Fatalf("expected ErrTooManyArguments and empty payload, got %q %v", payload, err)
	}
}

func TestSnapshotPolicies(t *testing.T) {
	ledger := storage.NewLedger()
	ledger.RegisterCredit("cheer", credit("bob", 1))
	enumerators := &fakeEnumerators{err: errors.New("helix unavailable")}

	degrade := newTestAggregator(t, ledger, func(cfg *Config) { cfg.Enumerators = enumerators })
	snapshot := decodeSnapshot(t, mustSnapshot(t, degrade))
	if got, ok := snapshot["existingFollowers"]; !ok || len(got) != 0 {
		t.Fatalf("expected degraded empty list, got %v (%v)", got, ok)
	}
	if len(snapshot["cheer"]) != 1 {
		t.Fatalf("expected other categories intact, got %v", snapshot["cheer"])
	}

	failFast := newTestAggregator(t, ledger, func(cfg *Config) {
		cfg.Enumerators = enumerators
		cfg.Policy = PolicyFailFast
	})
	payload, err := failFast.SnapshotJSON(context.Background())
	if err == nil || payload != "" {
		t.Fatalf("expected fail-fast snapshot to fail, got %q %v", payload, err)
	}
	if !errors.Is(err, ErrEnumeration) || !strings.Contains(err.Error(), "helix unavailable") {
		t.Fatalf("expected enumerator error to propagate, got %v", err)
	}
}

func TestSnapshotSkipsBlankUsernames(t *testing.T) {
	ledger := storage.NewLedger()
	ledger.RegisterCustomCredit("crew", credit("  ", 1))
	ledger.RegisterCustomCredit("crew", credit("grip", 1))
	aggregator := newTestAggregator(t, ledger, nil)

	snapshot := decodeSnapshot(t, mustSnapshot(t, aggregator, "crew"))
	if got := snapshot["crew"]; len(got) != 1 || got[0].Username != "grip" {
		t.Fatalf("expected blank username skipped, got %+v", got)
	}
}

func TestIdentityMemorySurvivesAcrossSnapshots(t *testing.T) {
	ledger := storage.NewLedger()
	ledger.RegisterCredit("follow", models.CreditedUser{Username: "erin", UserDisplayName: "ErinLive"})
	aggregator := newTestAggregator(t, ledger, nil)
	mustSnapshot(t, aggregator, "follow")

	ledger.ClearAllCredits()
	ledger.RegisterCredit("sub", models.CreditedUser{Username: "erin"})
	snapshot := decodeSnapshot(t, mustSnapshot(t, aggregator, "sub"))
	if got := snapshot["sub"][0].UserDisplayName; got != "ErinLive" {
		t.Fatalf("expected remembered display name, got %q", got)
	}

	aggregator.ResetIdentities()
	snapshot = decodeSnapshot(t, mustSnapshot(t, aggregator, "sub"))
	if got := snapshot["sub"][0].UserDisplayName; got != "erin" {
		t.Fatalf("expected reset identity memory, got %q", got)
	}
}

func TestToDisplayIdentity(t *testing.T) {
	got := ToDisplayIdentity(models.CreditedUser{Username: "name@youtube@x", UserDisplayName: "Plain", Amount: 3})
	if got.Username != "name" || got.UserDisplayName != "Plain" || got.Amount != 3 {
		t.Fatalf("unexpected identity %+v", got)
	}
}

func TestParseSnapshotPolicy(t *testing.T) {
	cases := map[string]SnapshotPolicy{"": PolicyDegrade, "Degrade": PolicyDegrade, "fail-fast": PolicyFailFast}
	for input, want := range cases {
		got, err := ParseSnapshotPolicy(input)
		if err != nil || got != want {
			t.Fatalf("ParseSnapshotPolicy(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParseSnapshotPolicy("explode"); err == nil {
		t.Fatal("expected unknown policy to fail")
	}
}

func TestNewAggregatorValidation(t *testing.T) {
	if _, err := NewAggregator(Config{}); err == nil {
		t.Fatal("expected missing ledger to fail")
	}
	if _, err := NewAggregator(Config{Ledger: storage.NewLedger(), Locale: "not a locale!"}); err == nil {
		t.Fatal("expected invalid locale to fail")
	}
}

func mustSnapshot(t *testing.T, aggregator *Aggregator, args ...string) string {
	t.Helper()
	payload, err := aggregator.SnapshotJSON(context.Background(), args...)
	if err != nil {
		t.Fatalf("SnapshotJSON: %v", err)
	}
	return payload
}
