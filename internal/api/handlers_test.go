package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"credits-generator/internal/avatar"
	"credits-generator/internal/credits"
	"credits-generator/internal/events"
	"credits-generator/internal/ingest"
	"credits-generator/internal/models"
	"credits-generator/internal/observability/logging"
	"credits-generator/internal/observability/metrics"
	"credits-generator/internal/storage"
	"credits-generator/internal/viewers"
)

type testEnv struct {
	handler   *Handler
	router    http.Handler
	ledger    *storage.Ledger
	directory *viewers.MemoryDirectory
}

func newTestEnv(t *testing.T, configure ...func(*Handler)) *testEnv {
	t.Helper()
	ledger := storage.NewLedger()
	directory := viewers.NewMemoryDirectory(
		viewers.Viewer{Username: "alice", DisplayName: "Alice", ProfilePicURL: "https://cdn.example.com/alice.png"},
	)
	avatars := avatar.New(directory, avatar.WithPicker(func(int) int { return 0 }))
	aggregator, err := credits.NewAggregator(credits.Config{
		Ledger:  ledger,
		Avatars: avatars,
		Viewers: directory,
		Logger:  logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	service, err := ingest.NewService(ingest.Config{
		Ledger:     ledger,
		Avatars:    avatars,
		Viewers:    directory,
		Identities: aggregator,
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ids := 0
	generations := storage.NewGenerations(time.Minute, storage.WithGenerationIDs(func() string {
		ids++
		return fmt.Sprintf("gen-%d", ids)
	}))
	handler := &Handler{
		Ingest:      service,
		Aggregator:  aggregator,
		Avatars:     avatars,
		Generations: generations,
		Viewers:     directory,
		Logger:      logging.Discard(),
		Metrics:     metrics.New(),
		Now:         func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
	for _, fn := range configure {
		fn(handler)
	}
	return &testEnv{handler: handler, router: testRouter(handler), ledger: ledger, directory: directory}
}

func testRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.Health)
	r.Post("/api/events", h.IngestEvent)
	r.Post("/api/session/reset", h.ResetSession)
	r.Post("/api/generations", h.CreateGeneration)
	r.Get("/api/credits", h.Snapshot)
	r.Post("/api/credits/custom", h.RegisterCustom)
	r.Post("/api/credits/manual", h.RegisterManual)
	r.Post("/api/credits/bulk", h.RegisterBulk)
	r.Post("/api/credits/clear", h.ClearCredits)
	r.Post("/api/credits/datafile", h.WriteDataFile)
	r.Get("/api/credits/{category}", h.CategoryUsers)
	r.Post("/api/users/{username}/clear", h.ClearUser)
	r.Get("/api/users/{username}/block", h.BlockStatus)
	r.Put("/api/users/{username}/block", h.BlockUser)
	r.Delete("/api/users/{username}/block", h.UnblockUser)
	r.Delete("/api/avatars", h.ClearAvatars)
	r.Get("/api/avatars/{username}", h.Avatar)
	r.Put("/api/avatars/{username}", h.SetAvatar)
	r.Put("/api/viewers/{username}", h.UpsertViewer)
	r.Get(IntegrationPrefix+"/credits.html", h.LegacyCreditsPage)
	r.Get(IntegrationPrefix+"/{id}/data.json", h.GenerationData)
	r.Get(IntegrationPrefix+"/{id}/complete", h.CompleteGeneration)
	return r
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func (e *testEnv) usernames(t *testing.T, category string) []string {
	t.Helper()
	records, _ := e.ledger.CreditsForType(category)
	names := make([]string, 0, len(records))
	for _, record := range records {
		names = append(names, record.Username)
	}
	return names
}

func TestIngestEventInline(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/events", `{"source":"twitch","type":"cheer","username":"bob","data":{"bits":250}}`)
	expectStatus(t, rec, http.StatusOK)
	var payload map[string]string
	decodeBody(t, rec, &payload)
	if payload["status"] != string(ingest.OutcomeRegistered) || payload["event"] != "twitch:cheer" {
		t.Fatalf("unexpected payload %v", payload)
	}
	records, _ := env.ledger.CreditsForType("cheer")
	if len(records) != 1 || records[0].Username != "bob" || records[0].Amount != 250 {
		t.Fatalf("unexpected cheer records %+v", records)
	}
}

func TestIngestEventRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/events", `{"source":"twitch"}`)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, "/api/events", `{"source":"twitch","type":"hype-train"}`)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, "/api/events", `{"source":"twitch","type":"cheer","data":{"bits":1}}`)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, "/api/events", `not json`)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestIngestEventQueuesWhenInboundConfigured(t *testing.T) {
	queue := events.NewMemoryQueue(4)
	sub := queue.Subscribe()
	defer sub.Close()
	env := newTestEnv(t, func(h *Handler) { h.Inbound = queue })

	rec := env.do(t, http.MethodPost, "/api/events", `{"source":"twitch","type":"raid","username":"raider","data":{"viewerCount":12}}`)
	expectStatus(t, rec, http.StatusAccepted)

	select {
	case event := <-sub.Events():
		if event.Key() != "twitch:raid" || event.Username != "raider" {
			t.Fatalf("unexpected queued event %+v", event)
		}
		if !event.OccurredAt.Equal(env.handler.now().UTC()) {
			t.Fatalf("expected OccurredAt to default to now, got %v", event.OccurredAt)
		}
	case <-time.After(time.Second):
		t.Fatal("event was not queued")
	}
	if names := env.usernames(t, "raid"); len(names) != 0 {
		t.Fatalf("queued event must not be applied inline, got %v", names)
	}
}

func TestRegisterCustomAndManual(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/credits/custom", `{"category":"artists","username":"painter","amount":"3"}`)
	expectStatus(t, rec, http.StatusCreated)
	var entry models.CreditedUser
	decodeBody(t, rec, &entry)
	if entry.Username != "painter" || entry.UserDisplayName != "painter" || entry.Amount != 3 {
		t.Fatalf("unexpected custom entry %+v", entry)
	}

	rec = env.do(t, http.MethodPost, "/api/credits/custom", `{"category":"sub","username":"painter"}`)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, "/api/credits/custom", `{"category":"artists","username":"painter","unexpected":true}`)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, "/api/credits/manual", `{"category":"vip","username":"friend"}`)
	expectStatus(t, rec, http.StatusCreated)
	if names := env.usernames(t, "vip"); len(names) != 1 || names[0] != "friend" {
		t.Fatalf("unexpected vip list %v", names)
	}

	rec = env.do(t, http.MethodPost, "/api/credits/manual", `{"category":"artists","username":"friend"}`)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestRegisterBulk(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/credits/bulk", `{"class":"builtin","category":"donation","data":"alice,5\nbob 7\ncarol"}`)
	expectStatus(t, rec, http.StatusOK)
	var result ingest.BulkResult
	decodeBody(t, rec, &result)
	if result.Registered != 3 || result.Failed != 0 || !result.Success {
		t.Fatalf("unexpected bulk result %+v", result)
	}

	rec = env.do(t, http.MethodPost, "/api/credits/bulk", `{"class":"nope","category":"donation","data":"x"}`)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodPost, "/api/credits/bulk", `{"class":"custom","category":"follow","data":"x"}`)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestClearCredits(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/credits/manual", `{"category":"vip","username":"friend"}`)
	env.do(t, http.MethodPost, "/api/credits/custom", `{"category":"artists","username":"painter"}`)

	rec := env.do(t, http.MethodPost, "/api/credits/clear", `{"builtInCategories":["vip"],"customCategories":"artists, ghosts"}`)
	expectStatus(t, rec, http.StatusOK)
	var payload map[string][]string
	decodeBody(t, rec, &payload)
	if len(payload["cleared"]) == 0 {
		t.Fatalf("expected cleared categories, got %v", payload)
	}
	if names := env.usernames(t, "vip"); len(names) != 0 {
		t.Fatalf("expected vip to be cleared, got %v", names)
	}
	if names := env.usernames(t, "artists"); len(names) != 0 {
		t.Fatalf("expected artists to be cleared, got %v", names)
	}
}

func TestCategoryUsersAndSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/credits/manual", `{"category":"cheer","username":"zed","amount":10}`)
	env.do(t, http.MethodPost, "/api/credits/manual", `{"category":"cheer","username":"alice","amount":500}`)

	rec := env.do(t, http.MethodGet, "/api/credits/cheer", "")
	expectStatus(t, rec, http.StatusOK)
	var list categoryResponse
	decodeBody(t, rec, &list)
	if strings.Join(list.Users, ",") != "alice,zed" {
		t.Fatalf("unexpected alphabetical order %v", list.Users)
	}

	rec = env.do(t, http.MethodGet, "/api/credits/cheerByAmount", "")
	decodeBody(t, rec, &list)
	if strings.Join(list.Users, ",") != "alice,zed" || list.Entries[0].Amount != 500 {
		t.Fatalf("unexpected amount order %+v", list)
	}

	rec = env.do(t, http.MethodGet, "/api/credits?category=cheer", "")
	expectStatus(t, rec, http.StatusOK)
	var snapshot map[string][]models.CreditedUser
	decodeBody(t, rec, &snapshot)
	if len(snapshot) != 2 {
		t.Fatalf("expected cheer and cheerByAmount only, got %d keys", len(snapshot))
	}
	first := snapshot["cheerByAmount"][0]
	if first.Username != "alice" || first.UserDisplayName != "Alice" || first.ProfilePicURL != "https://cdn.example.com/alice.png" {
		t.Fatalf("expected directory enrichment, got %+v", first)
	}

	rec = env.do(t, http.MethodGet, "/api/credits?category=cheer&category=sub", "")
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestSnapshotIgnoresBlankCategory(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/credits/manual", `{"category":"cheer","username":"alice","amount":500}`)

	for _, target := range []string{"/api/credits?category=", "/api/credits?category=%20"} {
		rec := env.do(t, http.MethodGet, target, "")
		expectStatus(t, rec, http.StatusOK)
		var snapshot map[string][]models.CreditedUser
		decodeBody(t, rec, &snapshot)
		if len(snapshot["cheer"]) != 1 || snapshot["cheer"][0].Username != "alice" {
			t.Fatalf("%s: expected the full snapshot, got %v", target, snapshot)
		}
		if _, ok := snapshot[string(models.ExistingCategories()[0])]; !ok {
			t.Fatalf("%s: expected every category in the full snapshot, got %d keys", target, len(snapshot))
		}
	}

	rec := env.do(t, http.MethodGet, "/api/credits?category=cheer&category=", "")
	expectStatus(t, rec, http.StatusOK)
}

func TestWriteDataFile(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/credits/datafile", "")
	expectStatus(t, rec, http.StatusNotImplemented)

	path := filepath.Join(t.TempDir(), "credits", "data.js")
	env = newTestEnv(t, func(h *Handler) { h.DataFilePath = path })
	rec = env.do(t, http.MethodPost, "/api/credits/datafile", "")
	expectStatus(t, rec, http.StatusOK)

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read data file: %v", err)
	}
	if !strings.HasPrefix(string(content), "// File maintained by Firebot -- DO NOT EDIT\n\nconst data = \"") {
		t.Fatalf("unexpected data file %q", content)
	}
}

func TestUserManagement(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/credits/manual", `{"category":"vip","username":"troll"}`)

	rec := env.do(t, http.MethodPost, "/api/users/troll/clear", "")
	expectStatus(t, rec, http.StatusNoContent)
	if names := env.usernames(t, "vip"); len(names) != 0 {
		t.Fatalf("expected troll to be cleared, got %v", names)
	}

	expectStatus(t, env.do(t, http.MethodPut, "/api/users/troll/block", ""), http.StatusNoContent)
	rec = env.do(t, http.MethodGet, "/api/users/troll/block", "")
	var status map[string]any
	decodeBody(t, rec, &status)
	if status["blocked"] != true {
		t.Fatalf("expected troll to be blocked, got %v", status)
	}
	env.do(t, http.MethodPost, "/api/credits/manual", `{"category":"vip","username":"troll"}`)
	if names := env.usernames(t, "vip"); len(names) != 0 {
		t.Fatalf("blocked user must not be credited, got %v", names)
	}

	expectStatus(t, env.do(t, http.MethodDelete, "/api/users/troll/block", ""), http.StatusNoContent)
	rec = env.do(t, http.MethodGet, "/api/users/troll/block", "")
	decodeBody(t, rec, &status)
	if status["blocked"] != false {
		t.Fatalf("expected troll to be unblocked, got %v", status)
	}
}

func TestAvatars(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/avatars/bob", `{"url":"not a url"}`)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = env.do(t, http.MethodPut, "/api/avatars/bob", `{"url":"https://cdn.example.com/bob.png"}`)
	expectStatus(t, rec, http.StatusOK)

	rec = env.do(t, http.MethodGet, "/api/avatars/bob", "")
	var payload map[string]string
	decodeBody(t, rec, &payload)
	if payload["url"] != "https://cdn.example.com/bob.png" {
		t.Fatalf("unexpected avatar %v", payload)
	}

	expectStatus(t, env.do(t, http.MethodDelete, "/api/avatars", ""), http.StatusNoContent)
	rec = env.do(t, http.MethodGet, "/api/avatars/bob@kick", "")
	decodeBody(t, rec, &payload)
	if payload["url"] != "https://kick.com/img/default-profile-pictures/default-avatar-1.webp" {
		t.Fatalf("unexpected kick default %v", payload)
	}
}

func TestUpsertViewer(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPut, "/api/viewers/carol", `{"displayName":"Carol","roles":["vip"]}`)
	expectStatus(t, rec, http.StatusOK)
	viewer, err := env.directory.LookupViewer(context.Background(), "carol")
	if err != nil || viewer.DisplayName != "Carol" || !viewer.HasRole("vip") {
		t.Fatalf("unexpected stored viewer %+v (%v)", viewer, err)
	}

	rec = env.do(t, http.MethodPut, "/api/viewers/carol", `{"profilePicUrl":"nope"}`)
	expectStatus(t, rec, http.StatusBadRequest)

	env = newTestEnv(t, func(h *Handler) { h.Viewers = nil })
	rec = env.do(t, http.MethodPut, "/api/viewers/carol", `{"displayName":"Carol"}`)
	expectStatus(t, rec, http.StatusNotImplemented)
}

func TestResetSession(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/credits/manual", `{"category":"sub","username":"friend"}`)
	env.do(t, http.MethodPut, "/api/users/troll/block", "")

	expectStatus(t, env.do(t, http.MethodPost, "/api/session/reset", ""), http.StatusNoContent)
	if names := env.usernames(t, "sub"); len(names) != 0 {
		t.Fatalf("expected ledger to be cleared, got %v", names)
	}
	if !env.handler.Ingest.IsBlocked("troll") {
		t.Fatal("block list must survive a session reset")
	}
}

func TestGenerationLifecycle(t *testing.T) {
	notifications := events.NewMemoryQueue(4)
	sub := notifications.Subscribe()
	defer sub.Close()
	env := newTestEnv(t, func(h *Handler) { h.Notifications = notifications })

	rec := env.do(t, http.MethodGet, IntegrationPrefix+"/credits.html", "")
	expectStatus(t, rec, http.StatusNotFound)
	var failure map[string]string
	decodeBody(t, rec, &failure)
	if failure["error"] != "No credits generations available" {
		t.Fatalf("unexpected error body %v", failure)
	}

	env.do(t, http.MethodPost, "/api/credits/manual", `{"category":"follow","username":"fan"}`)
	rec = env.do(t, http.MethodPost, "/api/generations", "")
	expectStatus(t, rec, http.StatusCreated)
	var created generationResponse
	decodeBody(t, rec, &created)
	if created.ID != "gen-1" || created.URL != "integrations/mage-credits-generator/gen-1/credits.html" {
		t.Fatalf("unexpected generation %+v", created)
	}

	rec = env.do(t, http.MethodGet, IntegrationPrefix+"/gen-1/data.json", "")
	expectStatus(t, rec, http.StatusOK)
	var snapshot map[string][]models.CreditedUser
	decodeBody(t, rec, &snapshot)
	if len(snapshot["follow"]) != 1 || snapshot["follow"][0].Username != "fan" {
		t.Fatalf("unexpected stored snapshot %+v", snapshot["follow"])
	}

	rec = env.do(t, http.MethodGet, IntegrationPrefix+"/missing/data.json", "")
	expectStatus(t, rec, http.StatusNotFound)
	decodeBody(t, rec, &failure)
	if failure["error"] != "Generation not found" {
		t.Fatalf("unexpected error body %v", failure)
	}

	rec = env.do(t, http.MethodGet, IntegrationPrefix+"/credits.html", "")
	expectStatus(t, rec, http.StatusFound)
	if got := rec.Header().Get("Location"); got != "/integrations/mage-credits-generator/gen-1/credits.html" {
		t.Fatalf("unexpected redirect %q", got)
	}
	rec = env.do(t, http.MethodGet, IntegrationPrefix+"/credits.html?generationId=other", "")
	if got := rec.Header().Get("Location"); got != "/integrations/mage-credits-generator/other/credits.html" {
		t.Fatalf("unexpected redirect %q", got)
	}

	rec = env.do(t, http.MethodGet, IntegrationPrefix+"/unknown/complete", "")
	expectStatus(t, rec, http.StatusNoContent)
	select {
	case event := <-sub.Events():
		if event.Key() != "mage-credits-generator:credits-ended" || event.String("generationId") != "unknown" {
			t.Fatalf("unexpected notification %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("credits-ended was not published")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, func(h *Handler) {
		h.HealthChecks = []HealthCheck{
			{Name: "ledger", Check: func(context.Context) error { return nil }},
			{Name: "viewers", Check: func(context.Context) error { return errors.New("connection refused") }},
		}
	})
	rec := env.do(t, http.MethodGet, "/healthz", "")
	expectStatus(t, rec, http.StatusServiceUnavailable)
	var payload struct {
		Status     string            `json:"status"`
		Components []componentStatus `json:"components"`
	}
	decodeBody(t, rec, &payload)
	if payload.Status != "degraded" || len(payload.Components) != 2 || payload.Components[1].Error != "connection refused" {
		t.Fatalf("unexpected health payload %+v", payload)
	}
}

func TestWriteDomainErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		err  error
		want int
	}{
		{ingest.ErrInvalidRequest, http.StatusBadRequest},
		{credits.ErrTooManyArguments, http.StatusBadRequest},
		{storage.ErrGenerationNotFound, http.StatusNotFound},
		{viewers.ErrUnavailable, http.StatusServiceUnavailable},
		{credits.ErrEnumeration, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		env.handler.writeDomainError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}
