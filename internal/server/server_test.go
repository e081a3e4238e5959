package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerd/internal/agent"
	"makerd/internal/codeops"
	"makerd/internal/config"
	convo "makerd/internal/context"
	"makerd/internal/kv"
	"makerd/internal/maker"
	"makerd/internal/workflow"
)

type stubCaller struct {
	mu      sync.Mutex
	replies map[agent.Role]string
}

func (s *stubCaller) Complete(_ context.Context, role agent.Role, _ agent.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reply, ok := s.replies[role]; ok {
		return reply, nil
	}
	return "", fmt.Errorf("no reply configured for role %s", role)
}

func (s *stubCaller) Stream(_ context.Context, _ agent.Role, _ agent.Request) <-chan string {
	out := make(chan string)
	close(out)
	return out
}

type testServer struct {
	srv       *Server
	router    http.Handler
	workspace string
	store     kv.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	store, err := kv.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default(workspace)
	cfg.Workflow.SkillsEnabled = false
	cfg.Workflow.SkillLearningEnabled = false

	caller := &stubCaller{replies: map[agent.Role]string{
		agent.RolePreprocessor: "simple_code",
		agent.RoleCoder:        "```python\nprint('ok')\n```",
	}}
	contexts := convo.NewManager(caller, cfg.Context)
	orch := workflow.New(caller, store, contexts, maker.NewEngine(caller),
		nil, nil, nil, nil, nil, &cfg)

	code, err := codeops.NewService(workspace, nil)
	require.NoError(t, err)

	srv := New(orch, contexts, store, NewToolService(code, workspace), nil, &cfg)
	return &testServer{
		srv:       srv,
		router:    srv.Router(),
		workspace: workspace,
		store:     store,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
}

func TestWorkflowNonStreaming(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/workflow",
		map[string]interface{}{"input": "write a hello world"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
		Output string `json:"output"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "complete", resp.Status)
	assert.Contains(t, resp.Output, "print('ok')")

	// Task snapshot is retrievable afterwards.
	w = ts.do(t, http.MethodGet, "/api/task/"+resp.TaskID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"complete"`)
}

func TestWorkflowStreamingWithOutputFile(t *testing.T) {
	ts := newTestServer(t)
	outputFile := filepath.Join(ts.workspace, "stream.log")
	w := ts.do(t, http.MethodPost, "/api/workflow", map[string]interface{}{
		"input":       "write a hello world",
		"stream":      true,
		"output_file": outputFile,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "data: ")
	assert.Contains(t, body, `"done":true`)
	assert.Contains(t, body, "print('ok')")

	// The tap holds every emitted payload.
	tapped, err := os.ReadFile(outputFile)
	require.NoError(t, err)
	assert.Contains(t, string(tapped), "print('ok')")
}

func TestTaskNotFound(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/task/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContextStatsAndClear(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/workflow",
		map[string]interface{}{"input": "write a hello world", "session_id": "s1"})

	w := ts.do(t, http.MethodGet, "/api/context/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Stats struct {
			MessageCount int `json:"message_count"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Greater(t, resp.Stats.MessageCount, 0)

	w = ts.do(t, http.MethodPost, "/api/clear/s1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/context/s1", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Stats.MessageCount)
}

func TestSessionSaveAndList(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/workflow",
		map[string]interface{}{"input": "write a hello world", "session_id": "s9"})

	w := ts.do(t, http.MethodPost, "/api/session/s9/save", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Sessions []string `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Sessions, "s9")
}

func TestCompactRequiresSession(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/compact", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/compact",
		map[string]interface{}{"session_id": "s1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"compressed":false`)
}

func TestMCPToolListAndDispatch(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(ts.workspace, "app.py"), []byte("def main():\n    pass\n"), 0o644))

	w := ts.do(t, http.MethodGet, "/api/mcp/tools", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"read_file"`)
	assert.Contains(t, w.Body.String(), `"impact_analysis"`)

	w = ts.do(t, http.MethodPost, "/api/mcp/tool", map[string]interface{}{
		"tool": "read_file",
		"args": map[string]interface{}{"path": "app.py"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "def main()")
}

func TestMCPToolPathConfinement(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/mcp/tool", map[string]interface{}{
		"tool": "read_file",
		"args": map[string]interface{}{"path": "../../etc/passwd"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMCPToolBlocklistWins(t *testing.T) {
	ts := newTestServer(t)
	policy := `{"allow":["read_file","run_tests"],"deny":["run_tests"]}`
	require.NoError(t, os.WriteFile(
		filepath.Join(ts.workspace, ".maker.json"), []byte(policy), 0o644))

	w := ts.do(t, http.MethodPost, "/api/mcp/tool", map[string]interface{}{
		"tool": "run_tests", "args": map[string]interface{}{},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Allowlisted tool still works.
	require.NoError(t, os.WriteFile(
		filepath.Join(ts.workspace, "app.py"), []byte("x = 1\n"), 0o644))
	w = ts.do(t, http.MethodPost, "/api/mcp/tool", map[string]interface{}{
		"tool": "read_file",
		"args": map[string]interface{}{"path": "app.py"},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// A tool outside the allowlist is rejected.
	w = ts.do(t, http.MethodPost, "/api/mcp/tool", map[string]interface{}{
		"tool": "search_docs", "args": map[string]interface{}{},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPermissionsPolicy(t *testing.T) {
	open := &Permissions{}
	assert.True(t, open.Allowed("anything"))

	scoped := &Permissions{Allow: []string{"read_file"}, Deny: []string{"run_tests"}}
	assert.True(t, scoped.Allowed("read_file"))
	assert.False(t, scoped.Allowed("run_tests"))
	assert.False(t, scoped.Allowed("git_diff"))

	denyBeatsAllow := &Permissions{Allow: []string{"run_tests"}, Deny: []string{"run_tests"}}
	assert.False(t, denyBeatsAllow.Allowed("run_tests"))
}

func TestListModels(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"makerd"`)
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/v1/chat/completions", map[string]interface{}{
		"model": "makerd",
		"messages": []map[string]string{
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "write a hello world"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Contains(t, resp.Choices[0].Message.Content, "print('ok')")
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestChatCompletionsStreaming(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/v1/chat/completions", map[string]interface{}{
		"model":  "makerd",
		"stream": true,
		"messages": []map[string]string{
			{"role": "user", "content": "write a hello world"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `"chat.completion.chunk"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"),
		"stream must terminate with the [DONE] marker")
}

func TestChatCompletionsRequiresUserMessage(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/v1/chat/completions", map[string]interface{}{
		"model":    "makerd",
		"messages": []map[string]string{{"role": "system", "content": "hi"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
