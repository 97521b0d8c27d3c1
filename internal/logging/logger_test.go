package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWithCarriesAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, LevelDebug).WithComponent("coordinator").With("worker_id", 7)
	l.Info("session started", "deliverable_id", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["component"] != "coordinator" || entry["worker_id"] != float64(7) || entry["deliverable_id"] != float64(3) {
		t.Fatalf("missing attributes: %v", entry)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": LevelDebug, " Warning ": LevelWarn, "ERROR": LevelError, "bogus": LevelInfo, "": LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestTail(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, LevelDebug)
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("one")
	l.Info("two")
	l.Error("three", "code", "persistence_error")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := Tail(dir, 2, LevelDebug)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Message != "two" || got[1].Message != "three" {
		t.Fatalf("unexpected tail: %+v", got)
	}
	if got[1].Attrs["code"] != "persistence_error" {
		t.Fatalf("attrs not parsed: %+v", got[1].Attrs)
	}

	errs, err := Tail(dir, 0, LevelError)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 {
		t.Fatalf("expected one error entry, got %d", len(errs))
	}
}
