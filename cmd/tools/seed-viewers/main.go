// Command seed-viewers loads viewer profiles from a JSON file into the
// Postgres viewer directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"credits-generator/internal/ingest"
	"credits-generator/internal/viewers"
)

func main() {
	_ = godotenv.Load()

	jsonPath := flag.String("json", "data/viewers.json", "path to the JSON array of viewers to load")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("CREDITS_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, CREDITS_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	seed, err := loadViewers(*jsonPath, ingest.NewValidator())
	if err != nil {
		logger.Error("failed to load viewers", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded viewer file", "path", *jsonPath, "viewers", len(seed))

	ctx := context.Background()
	directory, err := viewers.NewPostgresDirectory(ctx, viewers.PostgresConfig{DSN: dsn, ApplicationName: "credits-seed-viewers"})
	if err != nil {
		logger.Error("failed to open viewer directory", "error", err)
		os.Exit(1)
	}
	defer directory.Close(context.Background())

	if err := directory.EnsureSchema(ctx); err != nil {
		logger.Error("failed to prepare schema", "error", err)
		os.Exit(1)
	}
	for _, viewer := range seed {
		if err := directory.UpsertViewer(ctx, viewer); err != nil {
			logger.Error("failed to upsert viewer", "username", viewer.Username, "error", err)
			os.Exit(1)
		}
	}

	keys := usernameKeys(seed)
	if err := verifyCount(ctx, dsn, keys); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}
	logger.Info("seed completed", "viewers", len(keys))
}

type structValidator interface {
	Struct(value any) error
}

// loadViewers decodes path and rejects entries that fail validation.
func loadViewers(path string, validate structValidator) ([]viewers.Viewer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var seed []viewers.Viewer
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for i, viewer := range seed {
		if err := validate.Struct(viewer); err != nil {
			return nil, fmt.Errorf("viewer %d: %w", i, err)
		}
	}
	return seed, nil
}

// usernameKeys returns the distinct directory keys for seed.
func usernameKeys(seed []viewers.Viewer) []string {
	seen := make(map[string]struct{}, len(seed))
	keys := make([]string, 0, len(seed))
	for _, viewer := range seed {
		key := strings.ToLower(strings.TrimSpace(viewer.Username))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

func verifyCount(ctx context.Context, dsn string, keys []string) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	var actual int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM viewers WHERE username_key = ANY($1)", keys).Scan(&actual); err != nil {
		return fmt.Errorf("count viewers: %w", err)
	}
	if actual != len(keys) {
		return fmt.Errorf("mismatch for viewers: expected %d, got %d", len(keys), actual)
	}
	return nil
}
