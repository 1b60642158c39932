// Command export-credits renders a credits snapshot into the data.js file
// read by the static credits page. The snapshot comes from a running server
// or from a JSON file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"

	"credits-generator/internal/credits"
)

func main() {
	_ = godotenv.Load()

	var (
		serverURL string
		token     string
		category  string
		input     string
		output    string
		timeout   time.Duration
	)
	flag.StringVar(&serverURL, "server", "http://127.0.0.1:8080", "base URL of the credits server")
	flag.StringVar(&token, "token", "", "operator bearer token (defaults to CREDITS_OPERATOR_TOKEN)")
	flag.StringVar(&category, "category", "", "render only this category")
	flag.StringVar(&input, "input", "", "read the snapshot from this JSON file instead of the server (- for stdin)")
	flag.StringVar(&output, "output", "data.js", "data file to write")
	flag.DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")
	flag.Parse()

	if token == "" {
		token = strings.TrimSpace(os.Getenv("CREDITS_OPERATOR_TOKEN"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		snapshot string
		err      error
	)
	if input != "" {
		snapshot, err = readSnapshot(input, os.Stdin)
	} else {
		snapshot, err = fetchSnapshot(ctx, &http.Client{Timeout: timeout}, serverURL, token, category)
	}
	if err != nil {
		fatalf("load snapshot: %v", err)
	}

	if err := credits.WriteDataFile(output, snapshot); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Wrote %s (%d bytes of snapshot JSON).\n", output, len(snapshot))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// fetchSnapshot reads GET /api/credits from the server at base.
func fetchSnapshot(ctx context.Context, client *http.Client, base, token, category string) (string, error) {
	endpoint, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/") + "/api/credits")
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if category != "" {
		endpoint.RawQuery = url.Values{"category": {category}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return validSnapshot(body)
}

// readSnapshot reads a snapshot from path, or from stdin when path is "-".
func readSnapshot(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return validSnapshot(data)
}

func validSnapshot(data []byte) (string, error) {
	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return "", fmt.Errorf("snapshot is not a JSON object: %w", err)
	}
	if len(snapshot) == 0 {
		return "", errors.New("snapshot is empty")
	}
	return string(data), nil
}
