// Package config holds all makerd configuration. Defaults are sensible for a
// local deployment; every field can be overridden from the environment, and a
// .env file in the workspace is honored at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all makerd configuration.
type Config struct {
	// Workspace is the codebase root everything operates on.
	Workspace string

	// Agents configures the model endpoint per agent role.
	Agents AgentsConfig

	// Store configures the KV store adapter.
	Store StoreConfig

	// Context configures the sliding-window compressor.
	Context ContextConfig

	// Maker configures candidate generation and voting.
	Maker MakerConfig

	// Workflow configures the orchestration loop.
	Workflow WorkflowConfig

	// Server configures the HTTP surface.
	Server ServerConfig

	// Memory configures hierarchical codebase memory.
	Memory MemoryConfig
}

// AgentsConfig maps each agent role to its endpoint.
type AgentsConfig struct {
	PreprocessorURL string
	PlannerURL      string
	CoderURL        string
	ReviewerURL     string
	VoterURL        string

	APIKey string

	// Concurrency is the per-agent in-flight request cap (default 1).
	Concurrency int

	// CallTimeout bounds a single agent call end to end.
	CallTimeout time.Duration
}

// StoreConfig configures the KV store.
type StoreConfig struct {
	// Path of the sqlite database file backing the KV adapter.
	Path string
}

// ContextConfig configures the context compressor.
type ContextConfig struct {
	MaxContextTokens   int
	RecentWindowTokens int
	SummaryChunkSize   int
}

// MakerConfig configures the candidate/vote engine.
type MakerConfig struct {
	NumCandidates int
	VoteK         int
	// Mode selects the review path: "high" uses a dedicated reviewer agent,
	// "low" reuses the planner in reflection mode.
	Mode string
}

// WorkflowConfig configures the orchestration loop.
type WorkflowConfig struct {
	MaxIterations int

	// Feature flags
	EEPlannerEnabled     bool
	SkillsEnabled        bool
	SkillLearningEnabled bool
	LongRunningEnabled   bool

	SkillsDir string
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string
	Port int
}

// MemoryConfig configures hierarchical memory ingest.
type MemoryConfig struct {
	MaxFiles          int
	PatternMin        int // minimum entities per file to form an L2 pattern
	FlowScoreFloor    float64
	QueryCacheTTL     time.Duration
	QueryCacheEntries int
}

// Default returns the baseline configuration for a workspace.
func Default(workspace string) Config {
	return Config{
		Workspace: workspace,
		Agents: AgentsConfig{
			PreprocessorURL: "http://localhost:8001",
			PlannerURL:      "http://localhost:8002",
			CoderURL:        "http://localhost:8003",
			ReviewerURL:     "http://localhost:8004",
			VoterURL:        "http://localhost:8005",
			Concurrency:     1,
			CallTimeout:     5 * time.Minute,
		},
		Store: StoreConfig{
			Path: filepath.Join(workspace, ".maker", "makerd.db"),
		},
		Context: ContextConfig{
			MaxContextTokens:   8000,
			RecentWindowTokens: 2000,
			SummaryChunkSize:   1500,
		},
		Maker: MakerConfig{
			NumCandidates: 3,
			VoteK:         2,
			Mode:          "high",
		},
		Workflow: WorkflowConfig{
			MaxIterations:        3,
			EEPlannerEnabled:     false,
			SkillsEnabled:        true,
			SkillLearningEnabled: true,
			LongRunningEnabled:   true,
			SkillsDir:            filepath.Join(workspace, ".maker", "skills"),
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Memory: MemoryConfig{
			MaxFiles:          500,
			PatternMin:        3,
			FlowScoreFloor:    0.1,
			QueryCacheTTL:     5 * time.Minute,
			QueryCacheEntries: 64,
		},
	}
}

// Load builds the configuration from defaults plus environment overrides.
func Load() (Config, error) {
	workspace := os.Getenv("MAKER_CODEBASE_ROOT")
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot determine workspace: %w", err)
		}
		workspace = wd
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return Config{}, fmt.Errorf("invalid workspace path %q: %w", workspace, err)
	}

	cfg := Default(abs)
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays environment variables onto the config.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("MAKER_PREPROCESSOR_URL"); url != "" {
		c.Agents.PreprocessorURL = url
	}
	if url := os.Getenv("MAKER_PLANNER_URL"); url != "" {
		c.Agents.PlannerURL = url
	}
	if url := os.Getenv("MAKER_CODER_URL"); url != "" {
		c.Agents.CoderURL = url
	}
	if url := os.Getenv("MAKER_REVIEWER_URL"); url != "" {
		c.Agents.ReviewerURL = url
	}
	if url := os.Getenv("MAKER_VOTER_URL"); url != "" {
		c.Agents.VoterURL = url
	}
	if key := os.Getenv("MAKER_API_KEY"); key != "" {
		c.Agents.APIKey = key
	}
	if n := envInt("MAKER_AGENT_CONCURRENCY"); n > 0 {
		c.Agents.Concurrency = n
	}
	if d := envDuration("MAKER_AGENT_TIMEOUT"); d > 0 {
		c.Agents.CallTimeout = d
	}

	if path := os.Getenv("MAKER_KV_PATH"); path != "" {
		c.Store.Path = path
	}

	if n := envInt("MAKER_MAX_CONTEXT_TOKENS"); n > 0 {
		c.Context.MaxContextTokens = n
	}
	if n := envInt("MAKER_RECENT_WINDOW_TOKENS"); n > 0 {
		c.Context.RecentWindowTokens = n
	}
	if n := envInt("MAKER_SUMMARY_CHUNK_SIZE"); n > 0 {
		c.Context.SummaryChunkSize = n
	}

	if n := envInt("MAKER_NUM_CANDIDATES"); n > 0 {
		c.Maker.NumCandidates = n
	}
	if n := envInt("MAKER_VOTE_K"); n > 0 {
		c.Maker.VoteK = n
	}
	if mode := os.Getenv("MAKER_MODE"); mode == "high" || mode == "low" {
		c.Maker.Mode = mode
	}

	if n := envInt("MAKER_MAX_ITERATIONS"); n > 0 {
		c.Workflow.MaxIterations = n
	}
	if v, ok := envBool("MAKER_EE_PLANNER"); ok {
		c.Workflow.EEPlannerEnabled = v
	}
	if v, ok := envBool("MAKER_SKILLS"); ok {
		c.Workflow.SkillsEnabled = v
	}
	if v, ok := envBool("MAKER_SKILL_LEARNING"); ok {
		c.Workflow.SkillLearningEnabled = v
	}
	if v, ok := envBool("MAKER_LONG_RUNNING"); ok {
		c.Workflow.LongRunningEnabled = v
	}
	if dir := os.Getenv("MAKER_SKILLS_DIR"); dir != "" {
		c.Workflow.SkillsDir = dir
	}

	if host := os.Getenv("MAKER_HOST"); host != "" {
		c.Server.Host = host
	}
	if n := envInt("MAKER_PORT"); n > 0 {
		c.Server.Port = n
	}

	if n := envInt("MAKER_MEMORY_MAX_FILES"); n > 0 {
		c.Memory.MaxFiles = n
	}
}

// Validate rejects configurations that cannot run. Failures here are fatal
// at startup.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace must not be empty")
	}
	if info, err := os.Stat(c.Workspace); err != nil || !info.IsDir() {
		return fmt.Errorf("workspace %q is not a directory", c.Workspace)
	}
	if c.Maker.NumCandidates < 1 {
		return fmt.Errorf("num_candidates must be >= 1, got %d", c.Maker.NumCandidates)
	}
	if c.Maker.VoteK < 1 {
		return fmt.Errorf("vote_k must be >= 1, got %d", c.Maker.VoteK)
	}
	if c.Workflow.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", c.Workflow.MaxIterations)
	}
	if c.Context.RecentWindowTokens > c.Context.MaxContextTokens {
		return fmt.Errorf("recent window (%d) exceeds max context (%d)",
			c.Context.RecentWindowTokens, c.Context.MaxContextTokens)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
