package backend

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/swarmguard/taskmesh/internal/errs"
	"github.com/swarmguard/taskmesh/internal/mesh"
)

const maxResponseBody = 10 << 20 // 10MB, mirrors task_executor.go's HTTPTaskExecutor

// HTTPBackend executes DefHTTP tasks against a pooled http.Client, the
// same connection-pool shape task_executor.go's HTTPTaskExecutor uses.
type HTTPBackend struct {
	client  *http.Client
	mu      sync.Mutex
	running map[mesh.TaskID]context.CancelFunc
}

// NewHTTPBackend returns an HTTPBackend with a pooled transport.
func NewHTTPBackend() *HTTPBackend {
	return &HTTPBackend{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		running: make(map[mesh.TaskID]context.CancelFunc),
	}
}

func (h *HTTPBackend) Name() string { return "httpbackend" }

func (h *HTTPBackend) Execute(ctx context.Context, t *mesh.Task) (mesh.ExecutionResult, error) {
	def := t.Definition
	method := def.Method
	if method == "" {
		method = http.MethodGet
	}
	url := resolveTemplate(def.URL, t.Metadata)
	body := resolveTemplate(def.Body, t.Metadata)

	execCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.running[t.ID] = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.running, t.ID)
		h.mu.Unlock()
		cancel()
	}()

	req, err := http.NewRequestWithContext(execCtx, method, url, bytes.NewBufferString(body))
	if err != nil {
		return mesh.ExecutionResult{}, errs.New(errs.Validation, "httpbackend", "Execute", err, nil)
	}
	for k, v := range def.Headers {
		req.Header.Set(k, resolveTemplate(v, t.Metadata))
	}
	req.Header.Set("X-Task-ID", t.ID.String())

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if execCtx.Err() != nil {
			return mesh.ExecutionResult{}, errs.New(errs.Cancel, "httpbackend", "Execute", execCtx.Err(), nil)
		}
		return mesh.ExecutionResult{}, errs.New(errs.External, "httpbackend", "Execute", err, map[string]string{"url": url})
	}
	defer resp.Body.Close()

	// Read one byte past the cap so overflow is detectable and marked.
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	body = string(data)
	if len(body) > maxResponseBody {
		body = body[:maxResponseBody] + truncationMarker
	}
	result := mesh.ExecutionResult{
		TaskID:    t.ID,
		ExitCode:  0,
		Stdout:    body,
		StartedAt: start,
		EndedAt:   time.Now(),
	}
	if resp.StatusCode >= 400 {
		result.ExitCode = resp.StatusCode
		return result, errs.New(errs.External, "httpbackend", "Execute", nil, map[string]string{"status": resp.Status})
	}
	return result, nil
}

func (h *HTTPBackend) Health(ctx context.Context) error { return nil }

func (h *HTTPBackend) Cancel(ctx context.Context, id mesh.TaskID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.running[id]; ok {
		cancel()
	}
	return nil
}

func (h *HTTPBackend) Running() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.running)
}
