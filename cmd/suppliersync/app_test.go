package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"suppliersync/internal/config"
	"suppliersync/internal/domain"
	"suppliersync/internal/lifecycle"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Store.Path = filepath.Join(t.TempDir(), "app.db")
	cfg.Server.Port = 0
	cfg.Sweep.Enabled = false
	cfg.FollowUp.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Resume.AttemptTimeoutSeconds = 600
	return cfg
}

func TestRun_ShutdownInterruptsResumes(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	entered := make(chan struct{})
	a := &app{cfg: testConfig(t), resumer: domain.ResumerFunc(func(ctx context.Context, threadID, requestID string, resp *domain.SupplierResponse) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})}
	if err := a.wire(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	req, err := a.lifecycle.Create(ctx, lifecycle.NewRequest{
		ThreadID:    "thread-1",
		SupplierID:  "sup-1",
		RequestType: domain.RequestNegotiation,
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := a.lifecycle.Respond(ctx, req.RequestID, lifecycle.Submission{Text: "accepted", Type: domain.ResponseAccept})
	if err != nil || out.Trigger == nil {
		t.Fatalf("Respond: %v %+v", err, out)
	}
	<-entered

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()
	time.Sleep(50 * time.Millisecond)
	stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve kept running while a resume was in flight")
	}

	trig, err := a.store.GetTrigger(ctx, out.Trigger.TriggerID)
	if err != nil {
		t.Fatal(err)
	}
	if trig.Status != domain.ResumePending {
		t.Errorf("interrupted trigger should stay pending, got %s", trig.Status)
	}
}
