// Package serverutil runs an HTTP server next to its background workers and
// shuts them down together.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// TLSConfig defines certificate and key paths for enabling TLS listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Worker is a background loop that runs until its context is cancelled.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Ready           chan<- struct{}
	Workers         []Worker
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run serves cfg.Server and every worker until ctx is cancelled or one of
// them fails; either way the rest are stopped and the HTTP server is shut
// down gracefully within ShutdownTimeout. The first failure is returned.
// A worker returning nil simply finishes without stopping the others.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	for _, worker := range cfg.Workers {
		if worker.Run == nil {
			return fmt.Errorf("worker %q has no run function", worker.Name)
		}
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, worker := range cfg.Workers {
		worker := worker
		group.Go(func() error {
			if err := worker.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker %s: %w", worker.Name, err)
			}
			return nil
		})
	}

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	group.Go(func() error {
		if err := cfg.Server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return cfg.Server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func listen(cfg Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.CertFile == "" {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := cfg.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}
