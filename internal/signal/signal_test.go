package signal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flowboard/internal/domain"
)

func TestParseDecision(t *testing.T) {
	s, err := Parse([]byte(`{"answer": " approve ", "feedback": "looks good"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	d := s.Decision()
	if d == nil || d.Answer != "approve" || d.Feedback != "looks good" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if s.HasArtifact() {
		t.Fatalf("no artifact expected")
	}
}

func TestParseYAMLArtifact(t *testing.T) {
	doc := "artifact_type: interface\ntitle: Client API\ncontent: |\n  GET /items\nscope: \"path:internal/server/*\"\n"
	s, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Decision() != nil {
		t.Fatalf("artifact-only signal carries no decision")
	}
	scope, pattern := s.ArtifactScope()
	if scope != domain.ArtifactPath || pattern != "internal/server/*" {
		t.Fatalf("scope %s pattern %q", scope, pattern)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"syntax":          `{"answer": `,
		"empty":           ``,
		"not a mapping":   `- approve`,
		"orphan title":    `{"title": "x"}`,
		"missing content": `{"artifact_type": "note", "title": "x"}`,
		"unknown scope":   `{"artifact_type": "note", "title": "x", "content": "y", "scope": "team"}`,
		"empty pattern":   `{"artifact_type": "note", "title": "x", "content": "y", "scope": "path: "}`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected malformed, got %v", name, err)
		}
	}
}

func TestReadMissingAndArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decision.json")
	if _, err := Read(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"answer": "approve"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := Archive(path, 3); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := os.Stat(path + ".3.done"); err != nil {
		t.Fatalf("archived file missing: %v", err)
	}
	if err := Archive(path, 3); err != nil {
		t.Fatalf("archiving a missing file should be a no-op: %v", err)
	}
}

func TestWatcherReportsNewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".flowboard", "decision.json")
	seen := make(chan string, 4)
	w := NewWatcher(func(_ context.Context, itemID string) { seen <- itemID }, 20*time.Millisecond, nil)
	w.Watch("item-1", path)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"answer": "approve"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-seen:
		if id != "item-1" {
			t.Fatalf("unexpected item %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("watcher did not report the decision file")
	}

	w.Unwatch("item-1")
	select {
	case id := <-seen:
		t.Fatalf("reported %s twice", id)
	case <-time.After(300 * time.Millisecond):
	}
}
