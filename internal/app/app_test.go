package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"iqeas/internal/config"
	"iqeas/internal/domain"
	"iqeas/internal/engine"
	"iqeas/internal/engine/auth"
)

func TestBuildWiresEngineAndSessions(t *testing.T) {
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "secret"
	a, err := Build(context.Background(), workspace, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	if a.Engine.Sessions == nil {
		t.Fatalf("engine must stop sessions through the coordinator")
	}
	if a.Sessions.Gate == nil {
		t.Fatalf("coordinator must check assignments before starting a timer")
	}
	if a.Sessions.Notifier != a.Hub {
		t.Fatalf("coordinator must notify the gateway hub")
	}
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d: %s", rec.Code, rec.Body.String())
	}
	rec = httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ws", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("websocket handshake without credential: expected 401, got %d", rec.Code)
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Timer.CheckpointInterval = 0
	if _, err := Build(context.Background(), t.TempDir(), cfg, nil); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestDBConfigResolvesRelativePath(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = "data/timeline.db"
	got := DBConfig("/srv/iqeas", cfg)
	if got.Path != filepath.Join("/srv/iqeas", "data/timeline.db") {
		t.Fatalf("unexpected path %q", got.Path)
	}
	if DBConfig("/srv/iqeas", config.Default()).Path != "" {
		t.Fatalf("default config should use the workspace database")
	}
}

func TestServeRecoversAndStops(t *testing.T) {
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	a, err := Build(context.Background(), workspace, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	d, err := a.Engine.Repo.InsertDeliverable(ctx, nil, domain.Deliverable{ProjectID: "P", Title: "GA", CreatedBy: 1, CreatedAt: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Engine.CreateTask(ctx, auth.Actor{WorkerID: 1, Role: domain.RolePM}, engine.TaskCreateOptions{
		DeliverableID: d.ID, Title: "GA sheet 1", Priority: domain.PriorityMedium,
		Assignee: domain.Assignee{Kind: domain.AssigneeWorker, ID: 7},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Sessions.Start(ctx, 7, d.ID); err != nil {
		t.Fatal(err)
	}

	// A fresh process over the same database finds the session running.
	b, err := Build(ctx, workspace, cfg, nil)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	defer b.Close()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- b.Serve(runCtx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s, err := b.Sessions.Session(ctx, 7, d.ID)
		if err == nil && s.Status == domain.SessionPaused {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
	s, err := b.Sessions.Session(ctx, 7, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != domain.SessionPaused {
		t.Fatalf("expected recovered session to be paused, got %s", s.Status)
	}
}
