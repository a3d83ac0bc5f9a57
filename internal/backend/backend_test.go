package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/swarmguard/taskmesh/internal/mesh"
)

func TestShellBackendRejectsNonAllowlisted(t *testing.T) {
	b := NewShellBackend()
	task := mesh.NewTask("rm-everything", mesh.Definition{Kind: mesh.DefCommand, Command: "rm", Args: []string{"-rf", "/"}})
	_, err := b.Execute(context.Background(), task)
	if err == nil {
		t.Fatal("expected non-allow-listed command to be rejected")
	}
}

func TestShellBackendEcho(t *testing.T) {
	b := NewShellBackend()
	task := mesh.NewTask("echo", mesh.Definition{Kind: mesh.DefCommand, Command: "echo", Args: []string{"hello"}})
	result, err := b.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Stdout != "hello\n" {
		t.Fatalf("expected stdout %q, got %q", "hello\n", result.Stdout)
	}
}

func TestBoundOutputMarksTruncation(t *testing.T) {
	short := "hello"
	if got := boundOutput(short); got != short {
		t.Fatalf("short output should pass through unchanged, got %q", got)
	}

	long := strings.Repeat("x", maxCapturedOutput+100)
	got := boundOutput(long)
	if len(got) != maxCapturedOutput+len(truncationMarker) {
		t.Fatalf("unexpected bounded length %d", len(got))
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Fatal("expected truncation marker suffix on overflow")
	}
}

func TestRegistryRecommendRoutesByDefinitionKind(t *testing.T) {
	r := NewRegistry()
	r.Register(NewShellBackend())
	r.Register(NewHTTPBackend())

	shellTask := mesh.NewTask("t", mesh.Definition{Kind: mesh.DefCommand, Command: "echo"})
	b, err := r.Recommend(shellTask)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if b.Name() != "shell" {
		t.Fatalf("expected shell backend, got %s", b.Name())
	}

	httpTask := mesh.NewTask("t2", mesh.Definition{Kind: mesh.DefHTTP, URL: "http://example.invalid"})
	b2, err := r.Recommend(httpTask)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if b2.Name() != "httpbackend" {
		t.Fatalf("expected httpbackend, got %s", b2.Name())
	}
}
