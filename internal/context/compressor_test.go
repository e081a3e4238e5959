package context

import (
	ctx "context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerd/internal/agent"
	"makerd/internal/config"
)

// stubCaller summarises every chunk with a fixed marker.
type stubCaller struct {
	calls int
	fail  bool
}

func (s *stubCaller) Complete(_ ctx.Context, role agent.Role, req agent.Request) (string, error) {
	s.calls++
	if s.fail {
		return "", fmt.Errorf("endpoint down")
	}
	return fmt.Sprintf("summary(%d chars)", len(req.User)), nil
}

func (s *stubCaller) Stream(_ ctx.Context, _ agent.Role, _ agent.Request) <-chan string {
	out := make(chan string)
	close(out)
	return out
}

func smallConfig() config.ContextConfig {
	return config.ContextConfig{
		MaxContextTokens:   1000,
		RecentWindowTokens: 200,
		SummaryChunkSize:   150,
	}
}

func TestNoCompressionUnderBudget(t *testing.T) {
	caller := &stubCaller{}
	c := NewCompressor(caller, smallConfig())
	c.AddMessage("user", "short message")

	assert.False(t, c.CompressIfNeeded(ctx.Background()))
	assert.Zero(t, caller.calls)
}

func TestCompressionTrigger(t *testing.T) {
	caller := &stubCaller{}
	c := NewCompressor(caller, smallConfig())

	// 40 messages of ~30 tokens each: 1200 total, over max_context 1000.
	payload := strings.Repeat("x", 120)
	for i := 0; i < 40; i++ {
		c.AddMessage("user", fmt.Sprintf("msg-%02d %s", i, payload))
	}
	last := c.Messages()[39]

	out := c.GetContext(ctx.Background(), true)

	stats := c.Stats()
	assert.LessOrEqual(t, stats.RecentTokens, 200)
	assert.Greater(t, stats.CompressedTokens, 0)
	assert.Equal(t, 1, stats.Compressions)
	assert.Greater(t, caller.calls, 1, "older prefix must be chunked")

	msgs := c.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, last.Content, msgs[len(msgs)-1].Content)

	assert.Contains(t, out, "[previous-summary]")
	assert.Contains(t, out, "summary(")
	assert.Contains(t, out, "msg-39")
}

func TestSummarisationFallbackTruncates(t *testing.T) {
	caller := &stubCaller{fail: true}
	c := NewCompressor(caller, smallConfig())

	payload := strings.Repeat("y", 120)
	for i := 0; i < 40; i++ {
		c.AddMessage("assistant", payload)
	}

	require.True(t, c.CompressIfNeeded(ctx.Background()))
	stats := c.Stats()
	assert.Greater(t, stats.CompressedTokens, 0, "failed summaries fall back to truncation")
}

func TestGetContextExcludesSystem(t *testing.T) {
	c := NewCompressor(nil, smallConfig())
	c.AddMessage("system", "hidden directive")
	c.AddMessage("user", "visible request")

	withSystem := c.GetContext(ctx.Background(), true)
	withoutSystem := c.GetContext(ctx.Background(), false)

	assert.Contains(t, withSystem, "hidden directive")
	assert.NotContains(t, withoutSystem, "hidden directive")
	assert.Contains(t, withoutSystem, "visible request")
}

func TestStateRoundTrip(t *testing.T) {
	caller := &stubCaller{}
	c := NewCompressor(caller, smallConfig())
	payload := strings.Repeat("z", 120)
	for i := 0; i < 40; i++ {
		c.AddMessage("user", payload)
	}
	require.True(t, c.CompressIfNeeded(ctx.Background()))

	data, err := c.ToJSON()
	require.NoError(t, err)

	restored := NewCompressor(caller, smallConfig())
	require.NoError(t, restored.FromJSON(data))

	assert.Equal(t, c.Stats(), restored.Stats())
	assert.Equal(t, c.Messages(), restored.Messages())
	assert.Equal(t, c.GetContext(ctx.Background(), true), restored.GetContext(ctx.Background(), true))
}

func TestManagerPerTask(t *testing.T) {
	m := NewManager(nil, smallConfig())
	a := m.Get("t1")
	b := m.Get("t2")
	assert.NotSame(t, a, b)
	assert.Same(t, a, m.Get("t1"))

	m.Clear("t1")
	assert.NotSame(t, a, m.Get("t1"))
}
