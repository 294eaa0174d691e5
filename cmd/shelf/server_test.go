package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/kalambet/shelf/internal/api"
	"github.com/kalambet/shelf/internal/service"
)

func TestHTTPService_StopsOnCancel(t *testing.T) {
	svc := &httpService{addr: "127.0.0.1:0", handler: http.NotFoundHandler()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestHTTPService_ListenFailure(t *testing.T) {
	svc := &httpService{addr: "127.0.0.1:-1", handler: http.NotFoundHandler()}

	err := svc.Serve(context.Background())
	if err == nil || !strings.Contains(err.Error(), "http server failed") {
		t.Errorf("Serve = %v", err)
	}
}

func TestMCPService_ClientDisconnect(t *testing.T) {
	svc := &mcpService{
		srv: api.NewMCPServer(service.New(service.Deps{}), "test"),
		in:  strings.NewReader(""),
		out: &bytes.Buffer{},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Serve(ctx); !errors.Is(err, suture.ErrDoNotRestart) {
		t.Errorf("Serve = %v, want ErrDoNotRestart", err)
	}
}

func TestSupervisor_RunsUntilCancelled(t *testing.T) {
	sup := newSupervisor(slog.New(slog.DiscardHandler))
	sup.Add(&httpService{addr: "127.0.0.1:0", handler: http.NotFoundHandler()})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := sup.Serve(ctx)
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Errorf("Serve = %v", err)
	}
	if unstopped, _ := sup.UnstoppedServiceReport(); len(unstopped) != 0 {
		t.Errorf("%d services did not stop", len(unstopped))
	}
}
