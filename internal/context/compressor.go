// Package context maintains per-task rolling conversation state with
// token-budgeted compression: old messages are summarised through the
// preprocessor agent while a recent window stays verbatim.
package context

import (
	ctx "context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"makerd/internal/agent"
	"makerd/internal/config"
	"makerd/internal/logging"
)

const (
	summarySeparator = "\n---\n"
	truncateFallback = 600 // chars kept per chunk when summarisation fails

	defaultDirective = "Summarize the following conversation excerpt. " +
		"Preserve decisions, file names, code identifiers, and unresolved questions. " +
		"Be terse."
)

// Message is one conversation turn with its estimated token count.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens"`
}

// EstimateTokens approximates the token count as chars/4, minimum 1.
func EstimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Stats reports the compressor's current budget usage.
type Stats struct {
	RecentTokens     int `json:"recent_tokens"`
	CompressedTokens int `json:"compressed_tokens"`
	MessageCount     int `json:"message_count"`
	Compressions     int `json:"compressions"`
}

// Compressor holds one task's rolling context.
type Compressor struct {
	mu sync.Mutex

	caller    agent.Caller
	directive string

	maxContext   int
	recentWindow int
	chunkSize    int

	messages         []Message
	compressedPrefix string
	compressions     int
}

// NewCompressor builds a compressor for one task. caller may be nil;
// compression then always uses the truncation fallback.
func NewCompressor(caller agent.Caller, cfg config.ContextConfig) *Compressor {
	return &Compressor{
		caller:       caller,
		directive:    defaultDirective,
		maxContext:   cfg.MaxContextTokens,
		recentWindow: cfg.RecentWindowTokens,
		chunkSize:    cfg.SummaryChunkSize,
	}
}

// SetDirective overrides the summarisation directive.
func (c *Compressor) SetDirective(directive string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if directive != "" {
		c.directive = directive
	}
}

// AddMessage appends a turn with its estimated token count.
func (c *Compressor) AddMessage(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Tokens:    EstimateTokens(content),
	})
}

// Messages returns a copy of the current list.
func (c *Compressor) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// Stats returns current token usage.
func (c *Compressor) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

func (c *Compressor) statsLocked() Stats {
	s := Stats{
		CompressedTokens: EstimateTokens(c.compressedPrefix),
		MessageCount:     len(c.messages),
		Compressions:     c.compressions,
	}
	if c.compressedPrefix == "" {
		s.CompressedTokens = 0
	}
	for _, m := range c.messages {
		s.RecentTokens += m.Tokens
	}
	return s
}

// CompressIfNeeded summarises the older prefix when the total exceeds
// the budget. Returns whether compression ran.
func (c *Compressor) CompressIfNeeded(parent ctx.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compressLocked(parent)
}

func (c *Compressor) compressLocked(parent ctx.Context) bool {
	stats := c.statsLocked()
	if stats.RecentTokens+stats.CompressedTokens <= c.maxContext {
		return false
	}

	// Newest contiguous suffix that fits the recent window.
	cut := len(c.messages)
	budget := c.recentWindow
	for cut > 0 && budget-c.messages[cut-1].Tokens >= 0 {
		budget -= c.messages[cut-1].Tokens
		cut--
	}
	if cut == len(c.messages) && cut > 0 {
		// Always retain the newest turn verbatim.
		cut--
	}
	older := c.messages[:cut]
	if len(older) == 0 {
		return false
	}

	timer := logging.StartTimer(logging.CategoryContext, "compress")
	defer timer.Stop()

	chunks := c.chunkMessages(older)
	summaries := make([]string, len(chunks))

	g, gctx := errgroup.WithContext(parent)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			summaries[i] = c.summarize(gctx, chunk)
			return nil
		})
	}
	g.Wait()

	for _, s := range summaries {
		if c.compressedPrefix != "" {
			c.compressedPrefix += summarySeparator
		}
		c.compressedPrefix += s
	}
	c.messages = append([]Message(nil), c.messages[cut:]...)
	c.compressions++

	logging.Get(logging.CategoryContext).Info(
		"compressed %d messages into %d summaries, %d retained",
		len(older), len(summaries), len(c.messages))
	return true
}

// chunkMessages greedily packs messages into chunks of at most
// chunkSize tokens; an oversized single message forms its own chunk.
func (c *Compressor) chunkMessages(older []Message) []string {
	var chunks []string
	var current strings.Builder
	currentTokens := 0
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			currentTokens = 0
		}
	}
	for _, m := range older {
		if currentTokens > 0 && currentTokens+m.Tokens > c.chunkSize {
			flush()
		}
		fmt.Fprintf(&current, "%s: %s\n", m.Role, m.Content)
		currentTokens += m.Tokens
	}
	flush()
	return chunks
}

// summarize invokes the preprocessor; on any failure the chunk is
// truncated instead of dropped.
func (c *Compressor) summarize(parent ctx.Context, chunk string) string {
	if c.caller != nil {
		out, err := c.caller.Complete(parent, agent.RolePreprocessor, agent.Request{
			System:      c.directive,
			User:        chunk,
			Temperature: 0.2,
		})
		if err == nil && out != "" {
			return out
		}
		logging.Get(logging.CategoryContext).Warn("summarisation failed, truncating: %v", err)
	}
	if len(chunk) > truncateFallback {
		return chunk[:truncateFallback]
	}
	return chunk
}

// GetContext compresses if needed and returns the assembled prompt
// context: summarised prefix, then the verbatim recent window.
func (c *Compressor) GetContext(parent ctx.Context, includeSystem bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compressLocked(parent)

	var b strings.Builder
	if c.compressedPrefix != "" {
		b.WriteString("[previous-summary]\n")
		b.WriteString(c.compressedPrefix)
		b.WriteString("\n\n")
	}
	for _, m := range c.messages {
		if m.Role == "system" && !includeSystem {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// state is the serialised form stored in the KV layer per session.
type state struct {
	Messages         []Message `json:"messages"`
	CompressedPrefix string    `json:"compressed_prefix"`
	Compressions     int       `json:"compressions"`
	Directive        string    `json:"directive"`
}

// ToJSON serialises the compressor state.
func (c *Compressor) ToJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(state{
		Messages:         c.messages,
		CompressedPrefix: c.compressedPrefix,
		Compressions:     c.compressions,
		Directive:        c.directive,
	})
}

// FromJSON restores state serialised by ToJSON.
func (c *Compressor) FromJSON(data []byte) error {
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode compressor state: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = s.Messages
	c.compressedPrefix = s.CompressedPrefix
	c.compressions = s.Compressions
	if s.Directive != "" {
		c.directive = s.Directive
	}
	return nil
}
