package server

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"makerd/internal/logging"
	"makerd/internal/workflow"
)

type workflowRequest struct {
	Input      string `json:"input"`
	Stream     bool   `json:"stream"`
	TaskID     string `json:"task_id"`
	SessionID  string `json:"session_id"`
	Resume     bool   `json:"resume"`
	OutputFile string `json:"output_file"`
}

// RunWorkflow executes one orchestration, streamed as SSE events when
// requested, otherwise returning the final task summary as JSON.
func (s *Server) RunWorkflow(c *gin.Context) {
	var req workflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Input == "" && !req.Resume {
		c.JSON(http.StatusBadRequest, gin.H{"error": "input is required"})
		return
	}

	run := func(emit workflow.Emit) (*workflow.Task, error) {
		if req.Resume {
			return s.orch.ResumeSession(c.Request.Context(), req.SessionID, emit)
		}
		return s.orch.Execute(c.Request.Context(), workflow.Options{
			Input:     req.Input,
			TaskID:    req.TaskID,
			SessionID: req.SessionID,
		}, emit)
	}

	if !req.Stream {
		var out strings.Builder
		task, err := run(func(chunk string) { out.WriteString(chunk) })
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"task_id": task.ID,
			"status":  string(task.Status),
			"output":  out.String(),
		})
		return
	}

	stream, err := newSSEStream(c, req.OutputFile)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer stream.Close()

	task, err := run(func(chunk string) {
		stream.Event(gin.H{"chunk": chunk})
	})
	if err != nil {
		stream.Event(gin.H{"error": err.Error()})
		stream.Done()
		return
	}
	stream.Event(gin.H{"task_id": task.ID, "status": string(task.Status)})
	stream.Done()
}

// GetTask returns the persisted task snapshot.
func (s *Server) GetTask(c *gin.Context) {
	task, err := s.orch.LoadTask(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetContextStats reports the session compressor's token usage.
func (s *Server) GetContextStats(c *gin.Context) {
	session := c.Param("session")
	stats := s.contexts.Get(session).Stats()
	c.JSON(http.StatusOK, gin.H{
		"session_id": session,
		"stats":      stats,
	})
}

type compactRequest struct {
	SessionID    string `json:"session_id"`
	Instructions string `json:"instructions"`
}

// CompactContext force-compacts a session's conversation, optionally
// with a custom compaction directive.
func (s *Server) CompactContext(c *gin.Context) {
	var req compactRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	comp := s.contexts.Get(req.SessionID)
	if req.Instructions != "" {
		comp.SetDirective(req.Instructions)
	}
	compressed := comp.CompressIfNeeded(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"session_id": req.SessionID,
		"compressed": compressed,
		"stats":      comp.Stats(),
	})
}

// ClearSession drops the session's conversation state.
func (s *Server) ClearSession(c *gin.Context) {
	session := c.Param("session")
	s.contexts.Clear(session)
	c.JSON(http.StatusOK, gin.H{"session_id": session, "cleared": true})
}

// ListSessions enumerates persisted session records.
func (s *Server) ListSessions(c *gin.Context) {
	records, err := s.store.Scan("session:")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ids := make([]string, 0, len(records))
	for key := range records {
		ids = append(ids, strings.TrimPrefix(key, "session:"))
	}
	sort.Strings(ids)
	c.JSON(http.StatusOK, gin.H{"sessions": ids})
}

// ResumeSession re-enters the workflow with the session's progress
// orientation, streaming SSE.
func (s *Server) ResumeSession(c *gin.Context) {
	session := c.Param("id")
	stream, err := newSSEStream(c, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer stream.Close()

	task, err := s.orch.ResumeSession(c.Request.Context(), session, func(chunk string) {
		stream.Event(gin.H{"chunk": chunk})
	})
	if err != nil {
		stream.Event(gin.H{"error": err.Error()})
		stream.Done()
		return
	}
	stream.Event(gin.H{"task_id": task.ID, "status": string(task.Status)})
	stream.Done()
}

// SaveSession persists the session's conversation state.
func (s *Server) SaveSession(c *gin.Context) {
	session := c.Param("id")
	if err := s.orch.SaveSession(session, nil); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": session, "saved": true})
}

type checkpointRequest struct {
	FeatureName string `json:"feature_name"`
	Code        string `json:"code"`
}

// CreateCheckpoint runs the test-gated commit for a feature.
func (s *Server) CreateCheckpoint(c *gin.Context) {
	if s.checkpoints == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "checkpointing is not configured"})
		return
	}
	var req checkpointRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.FeatureName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "feature_name is required"})
		return
	}
	result, err := s.checkpoints.CreateCheckpoint(c.Request.Context(),
		req.FeatureName, req.Code, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	code := http.StatusOK
	if !result.Committed {
		code = http.StatusConflict
	}
	c.JSON(code, result)
}

type clarifyRequest struct {
	Answers []string `json:"answers"`
}

// SubmitClarification resumes a paused task with the user's answers,
// streaming SSE.
func (s *Server) SubmitClarification(c *gin.Context) {
	taskID := c.Param("task_id")
	var req clarifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	stream, err := newSSEStream(c, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer stream.Close()

	task, err := s.orch.SubmitClarification(c.Request.Context(), taskID, req.Answers,
		func(chunk string) {
			stream.Event(gin.H{"chunk": chunk})
		})
	if err != nil {
		stream.Event(gin.H{"error": err.Error()})
		stream.Done()
		return
	}
	stream.Event(gin.H{"task_id": task.ID, "status": string(task.Status)})
	stream.Done()
}

// sseStream frames events as `data: <json>\n\n`, optionally tapping each
// payload to an append-mode file before emitting it.
type sseStream struct {
	c       *gin.Context
	flusher http.Flusher
	tap     *os.File
}

func newSSEStream(c *gin.Context, outputFile string) (*sseStream, error) {
	var tap *os.File
	if outputFile != "" {
		f, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		tap = f
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	return &sseStream{c: c, flusher: flusher, tap: tap}, nil
}

// Event writes one SSE data frame. The tap write happens first so a
// crashed stream leaves a prefix of the intended output on disk.
func (st *sseStream) Event(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Get(logging.CategoryAPI).Error("sse marshal failed: %v", err)
		return
	}
	if st.tap != nil {
		st.tap.Write(data)
		st.tap.Write([]byte("\n"))
	}
	st.c.Writer.WriteString("data: " + string(data) + "\n\n")
	if st.flusher != nil {
		st.flusher.Flush()
	}
}

// Done emits the terminal workflow event.
func (st *sseStream) Done() {
	st.Event(gin.H{"done": true})
}

// Raw writes a preframed SSE line, used by the OpenAI facade's [DONE]
// terminator which is not JSON.
func (st *sseStream) Raw(line string) {
	st.c.Writer.WriteString("data: " + line + "\n\n")
	if st.flusher != nil {
		st.flusher.Flush()
	}
}

func (st *sseStream) Close() {
	if st.tap != nil {
		st.tap.Close()
	}
}
