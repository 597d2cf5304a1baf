package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

func TestServerStartAndShutdown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := NewServer(Config{
		Address:      "127.0.0.1:0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, mux, logger.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errChan := make(chan error, 1)
	go func() { errChan <- srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + srv.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errChan:
		if err != nil {
			t.Fatalf("server shutdown failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server shutdown timed out")
	}
}

func TestServerStart_ListenError(t *testing.T) {
	srv := NewServer(Config{Address: "256.0.0.1:bad"}, http.NewServeMux(), nil)
	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestServerShutdown_BeforeStart(t *testing.T) {
	srv := NewServer(Config{}, http.NewServeMux(), nil)
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if srv.Addr() != nil {
		t.Fatal("expected nil addr before start")
	}
}
