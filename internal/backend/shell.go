package backend

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/swarmguard/taskmesh/internal/errs"
	"github.com/swarmguard/taskmesh/internal/mesh"
)

// ShellAllowlist is the set of commands ShellBackend permits, adapted
// from plugins.go's ShellPlugin allow-list.
var ShellAllowlist = map[string]bool{
	"echo": true, "cat": true, "grep": true, "awk": true,
	"sed": true, "jq": true, "curl": true, "wget": true,
}

// ShellBackend executes allow-listed commands via os/exec, killing the
// process on context cancellation — the same pattern plugins.go's
// PythonPlugin uses for its interpreter subprocess.
type ShellBackend struct {
	WorkingDir string // if set, commands run here instead of the process cwd

	mu      sync.Mutex
	running map[mesh.TaskID]context.CancelFunc
}

// NewShellBackend returns a ready ShellBackend.
func NewShellBackend() *ShellBackend {
	return &ShellBackend{running: make(map[mesh.TaskID]context.CancelFunc)}
}

func (s *ShellBackend) Name() string { return "shell" }

func (s *ShellBackend) Execute(ctx context.Context, t *mesh.Task) (mesh.ExecutionResult, error) {
	if !ShellAllowlist[t.Definition.Command] {
		return mesh.ExecutionResult{}, errs.New(errs.Validation, "shell", "Execute", nil, map[string]string{"command": t.Definition.Command, "reason": "not allow-listed"})
	}

	execCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[t.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, t.ID)
		s.mu.Unlock()
		cancel()
	}()

	args := make([]string, len(t.Definition.Args))
	for i, a := range t.Definition.Args {
		args[i] = resolveTemplate(a, t.Metadata)
	}

	cmd := exec.CommandContext(execCtx, t.Definition.Command, args...)
	cmd.Dir = s.WorkingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := mesh.ExecutionResult{
		TaskID:    t.ID,
		Stdout:    boundOutput(stdout.String()),
		Stderr:    boundOutput(stderr.String()),
		StartedAt: start,
		EndedAt:   time.Now(),
	}
	if err != nil {
		if execCtx.Err() != nil {
			return result, errs.New(errs.Cancel, "shell", "Execute", execCtx.Err(), nil)
		}
		result.ExitCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		}
		result.Err = err
		return result, errs.New(errs.Runtime, "shell", "Execute", err, map[string]string{"command": t.Definition.Command})
	}
	return result, nil
}

func (s *ShellBackend) Health(ctx context.Context) error { return nil }

func (s *ShellBackend) Cancel(ctx context.Context, id mesh.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[id]; ok {
		cancel()
	}
	return nil
}

func (s *ShellBackend) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}
