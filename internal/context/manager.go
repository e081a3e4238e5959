package context

import (
	"sync"

	"makerd/internal/agent"
	"makerd/internal/config"
)

// Manager hands out one compressor per task id.
type Manager struct {
	mu     sync.Mutex
	caller agent.Caller
	cfg    config.ContextConfig
	byTask map[string]*Compressor
}

// NewManager creates a compressor registry.
func NewManager(caller agent.Caller, cfg config.ContextConfig) *Manager {
	return &Manager{
		caller: caller,
		cfg:    cfg,
		byTask: make(map[string]*Compressor),
	}
}

// Get returns the task's compressor, creating it on first use.
func (m *Manager) Get(taskID string) *Compressor {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byTask[taskID]
	if !ok {
		c = NewCompressor(m.caller, m.cfg)
		m.byTask[taskID] = c
	}
	return c
}

// Clear drops a task's compressor.
func (m *Manager) Clear(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byTask, taskID)
}

// Restore installs a compressor rebuilt from serialised state.
func (m *Manager) Restore(taskID string, data []byte) error {
	c := NewCompressor(m.caller, m.cfg)
	if err := c.FromJSON(data); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTask[taskID] = c
	return nil
}
