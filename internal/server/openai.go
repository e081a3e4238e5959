package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"makerd/internal/workflow"
)

// modelID is the single model exposed by the OpenAI-compatible facade.
const modelID = "makerd"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	User     string        `json:"user"`
}

// ChatCompletions adapts OpenAI chat-completions clients onto the
// workflow pipeline. The last user message is the task input; earlier
// messages ride along as conversation context via the session.
func (s *Server) ChatCompletions(c *gin.Context) {
	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"message": "invalid request body: " + err.Error(),
			"type":    "invalid_request_error",
		}})
		return
	}

	input := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			input = req.Messages[i].Content
			break
		}
	}
	if input == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"message": "at least one user message is required",
			"type":    "invalid_request_error",
		}})
		return
	}

	session := req.User
	completionID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	opts := workflow.Options{Input: input, SessionID: session}

	if !req.Stream {
		task, err := s.orch.Execute(c.Request.Context(), opts, nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
				"message": err.Error(),
				"type":    "server_error",
			}})
			return
		}
		finish := "stop"
		content := task.Output
		if task.Status == workflow.StatusFailed {
			content = fmt.Sprintf("The task failed: %s", task.Error)
		}
		c.JSON(http.StatusOK, gin.H{
			"id":      completionID,
			"object":  "chat.completion",
			"created": created,
			"model":   modelID,
			"choices": []gin.H{{
				"index":         0,
				"message":       gin.H{"role": "assistant", "content": content},
				"finish_reason": finish,
			}},
		})
		return
	}

	stream, err := newSSEStream(c, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
			"message": err.Error(),
			"type":    "server_error",
		}})
		return
	}
	defer stream.Close()

	chunk := func(delta gin.H, finish interface{}) gin.H {
		return gin.H{
			"id":      completionID,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   modelID,
			"choices": []gin.H{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
	}

	stream.Event(chunk(gin.H{"role": "assistant"}, nil))
	_, runErr := s.orch.Execute(c.Request.Context(), opts, func(text string) {
		stream.Event(chunk(gin.H{"content": text}, nil))
	})
	if runErr != nil {
		stream.Event(chunk(gin.H{"content": "\n[error] " + runErr.Error()}, nil))
	}
	stream.Event(chunk(gin.H{}, "stop"))
	stream.Raw("[DONE]")
}

// ListModels advertises the single facade model.
func (s *Server) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data": []gin.H{{
			"id":       modelID,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "makerd",
		}},
	})
}
