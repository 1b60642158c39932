package redisconn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"credits-generator/internal/testsupport/redisstub"
)

func TestNewRequiresAddress(t *testing.T) {
	if _, err := New(Config{Addrs: []string{" ", ""}}); err == nil {
		t.Fatal("expected missing address to fail")
	}
	if (Config{}).Enabled() {
		t.Fatal("expected empty config to be disabled")
	}
}

func TestNewRejectsInvalidCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := New(Config{Addr: "127.0.0.1:6379", TLS: TLSConfig{CAFile: path}}); err == nil {
		t.Fatal("expected invalid CA to fail")
	}
}

func TestClientTalksToStubWithPasswordAndTLS(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{Password: "secret", EnableTLS: true})
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	defer stub.Close()

	caPath := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caPath, stub.CertPEM(), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	client, err := New(Config{
		Addr:     stub.Addr(),
		Password: "secret",
		TLS:      TLSConfig{CAFile: caPath, ServerName: "127.0.0.1"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Set(ctx, "k", "v", time.Minute).Err(); err != nil {
		t.Fatalf("SET: %v", err)
	}
	got, err := client.Get(ctx, "k").Result()
	if err != nil || got != "v" {
		t.Fatalf("GET = %q, %v", got, err)
	}
}

func TestIsBusyGroup(t *testing.T) {
	if !IsBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Fatal("expected BUSYGROUP to be detected")
	}
	if IsBusyGroup(errors.New("ERR other")) || IsBusyGroup(nil) {
		t.Fatal("expected other errors to be ignored")
	}
}
