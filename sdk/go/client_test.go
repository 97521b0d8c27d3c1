package iqeassdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"iqeas/internal/app"
	"iqeas/internal/config"
	"iqeas/internal/domain"
	"iqeas/internal/server"
	iqeassdk "iqeas/sdk/go"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "sdk-secret"
	a, err := app.Build(context.Background(), t.TempDir(), cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	srv := httptest.NewServer(a.Handler)
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return srv
}

func clientFor(t *testing.T, srv *httptest.Server, workerID int64, role domain.Role) *iqeassdk.Client {
	t.Helper()
	token, _, err := server.SignToken("sdk-secret", workerID, role, time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	c := iqeassdk.New(srv.URL)
	c.BearerToken = token
	return c
}

func TestClientStageAndTaskFlow(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	pm := clientFor(t, srv, 1, domain.RolePM)
	worker := clientFor(t, srv, 7, domain.RoleWorker)

	d, err := pm.CreateDeliverable(ctx, "P-1", "Cable schedule")
	if err != nil {
		t.Fatalf("create deliverable: %v", err)
	}
	stages, err := pm.AppendStageEvent(ctx, d.ID, "IDC", "in-progress", "", nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if stages[0].Phase != "in-progress" {
		t.Fatalf("unexpected stages: %+v", stages)
	}

	_, err = pm.AppendStageEvent(ctx, d.ID, "AFC", "in-progress", "", nil)
	var apiErr *iqeassdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %v", err)
	}

	task, err := pm.CreateTask(ctx, d.ID, "Size feeders", "high", iqeassdk.Assignee{Kind: "worker", ID: 7})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	view, err := worker.TaskAction(ctx, task.Task.ID, "start", "", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if view.State.Status != "in-progress" {
		t.Fatalf("unexpected status %s", view.State.Status)
	}
	events, err := pm.Events(ctx, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) < 4 {
		t.Fatalf("expected timeline events, got %d", len(events))
	}
}

func TestTimerOverWebsocket(t *testing.T) {
	srv := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pm := clientFor(t, srv, 1, domain.RolePM)
	worker := clientFor(t, srv, 7, domain.RoleWorker)
	d, err := pm.CreateDeliverable(ctx, "P-1", "Load list")
	if err != nil {
		t.Fatal(err)
	}

	watch, err := pm.DialTimer(ctx)
	if err != nil {
		t.Fatalf("dial pm: %v", err)
	}
	defer watch.Close()
	if err := watch.Subscribe(ctx, d.ID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	timer, err := worker.DialTimer(ctx)
	if err != nil {
		t.Fatalf("dial worker: %v", err)
	}
	defer timer.Close()
	if timer.WorkerID != 7 {
		t.Fatalf("hello worker id %d", timer.WorkerID)
	}
	var gwErr *iqeassdk.GatewayError
	if _, err := timer.Start(ctx, d.ID); !errors.As(err, &gwErr) || gwErr.Code != "unauthorized" {
		t.Fatalf("start without an assigned task: expected unauthorized, got %v", err)
	}
	if _, err := pm.CreateTask(ctx, d.ID, "Cable sizing", "medium", iqeassdk.Assignee{Kind: "worker", ID: 7}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	ack, err := timer.Start(ctx, d.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if ack.Session == nil || ack.Session.Status != "running" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if _, err := timer.Pause(ctx, 99999); err == nil {
		t.Fatalf("expected an error for an unknown deliverable")
	}

	select {
	case n := <-watch.Notifications():
		if n.WorkerID != 7 || n.Status != "running" {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-ctx.Done():
		t.Fatalf("no notification for subscriber")
	}

	if _, err := timer.Stop(ctx, d.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	sum, err := worker.WorkSummary(ctx, 7, d.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Status != "stopped" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestDialTimerRejectsMissingCredential(t *testing.T) {
	srv := newServer(t)
	_, err := iqeassdk.New(srv.URL).DialTimer(context.Background())
	var apiErr *iqeassdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}
