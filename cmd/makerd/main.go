package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"makerd/internal/agent"
	"makerd/internal/checkpoint"
	"makerd/internal/codeops"
	"makerd/internal/config"
	convo "makerd/internal/context"
	"makerd/internal/kv"
	"makerd/internal/logging"
	"makerd/internal/maker"
	"makerd/internal/memory"
	"makerd/internal/progress"
	"makerd/internal/server"
	"makerd/internal/skills"
	"makerd/internal/watcher"
	"makerd/internal/workflow"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger for process-level events; component logs go through the
	// category log files.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "makerd",
	Short: "makerd - multi-agent code generation daemon",
	Long: `makerd orchestrates a team of language-model agents over a codebase.

A request is classified, planned, implemented by parallel coder candidates,
decided by a voter quorum, and gated by review. The daemon keeps a
hierarchical memory of the codebase, compresses long conversations, and
learns reusable skills from approved work.

Run "makerd serve" to start the HTTP API, or "makerd run" for a one-shot
task from the terminal.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path := os.Getenv("MAKER_ENV_FILE"); path != "" {
			godotenv.Load(path)
		} else {
			godotenv.Load()
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Starts the workflow API, the OpenAI-compatible facade, and the MCP
tool endpoints. The codebase is ingested into hierarchical memory on
startup (or restored from the KV store), and a filesystem watcher keeps
the memory current while the server runs.`,
	RunE: runServe,
}

var runCmd = &cobra.Command{
	Use:   "run [task description]",
	Short: "Execute a single task and stream the result to stdout",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runOnce,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Ingest the codebase into hierarchical memory and persist the graph",
	RunE:  runIndex,
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "codebase root (defaults to MAKER_CODEBASE_ROOT or cwd)")
	rootCmd.AddCommand(serveCmd, runCmd, indexCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// runtime holds the wired component graph for one process.
type runtime struct {
	cfg      config.Config
	store    kv.Store
	caller   agent.Caller
	contexts *convo.Manager
	hmn      *memory.HMN
	code     *codeops.Service
	orch     *workflow.Orchestrator
	srv      *server.Server
}

func buildRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg = config.Default(workspace)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Initialize(cfg.Workspace); err != nil {
		return nil, fmt.Errorf("logging init: %w", err)
	}

	store, err := kv.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}

	caller := agent.NewClient(cfg.Agents)
	contexts := convo.NewManager(caller, cfg.Context)
	hmn := memory.New(store, cfg.Memory)

	code, err := codeops.NewService(cfg.Workspace, hmn)
	if err != nil {
		store.Close()
		return nil, err
	}

	registry := skills.NewRegistry(store)
	skillStore := skills.NewStore(cfg.Workflow.SkillsDir, registry, nil)
	prog := progress.NewManager(cfg.Workspace)

	orch := workflow.New(caller, store, contexts, maker.NewEngine(caller),
		skillStore, registry, prog, hmn, server.NewCodeInspector(code), &cfg)

	checkpoints := checkpoint.NewManager(cfg.Workspace, prog, store)
	srv := server.New(orch, contexts, store, server.NewToolService(code, cfg.Workspace),
		checkpoints, &cfg)

	return &runtime{
		cfg:      cfg,
		store:    store,
		caller:   caller,
		contexts: contexts,
		hmn:      hmn,
		code:     code,
		orch:     orch,
		srv:      srv,
	}, nil
}

// ensureMemory restores the persisted code graph, falling back to a
// fresh ingest when none exists or the graph is empty.
func (r *runtime) ensureMemory() error {
	if err := r.hmn.LoadGraph(); err != nil {
		logger.Warn("graph restore failed, reingesting", zap.Error(err))
	}
	if n := r.hmn.Stats()["l0_files"]; n > 0 {
		logger.Info("memory restored", zap.Int("files", n))
		return nil
	}
	if err := r.hmn.IngestCodebase(r.cfg.Workspace); err != nil {
		return fmt.Errorf("codebase ingest: %w", err)
	}
	if err := r.hmn.SaveGraph(); err != nil {
		logger.Warn("graph persist failed", zap.Error(err))
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.store.Close()

	if err := rt.ensureMemory(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := watcher.New(rt.cfg.Workspace, rt.hmn)
	if err != nil {
		logger.Warn("filesystem watcher unavailable", zap.Error(err))
	} else {
		go w.Run(ctx)
		defer w.Close()
	}

	rt.srv.SetRequestLogger(logger)
	logger.Info("serving",
		zap.String("workspace", rt.cfg.Workspace),
		zap.String("host", rt.cfg.Server.Host),
		zap.Int("port", rt.cfg.Server.Port))
	return rt.srv.Run(ctx)
}

func runOnce(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.store.Close()

	if err := rt.ensureMemory(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	input := strings.Join(args, " ")
	task, err := rt.orch.Execute(ctx, workflow.Options{Input: input}, func(chunk string) {
		fmt.Print(chunk)
	})
	if err != nil {
		return err
	}
	fmt.Printf("\n\ntask %s finished with status %s\n", task.ID, task.Status)
	if task.Error != "" {
		return fmt.Errorf("%s", task.Error)
	}
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.store.Close()

	if err := rt.hmn.IngestCodebase(rt.cfg.Workspace); err != nil {
		return err
	}
	if err := rt.hmn.SaveGraph(); err != nil {
		return err
	}
	stats := rt.hmn.Stats()
	logger.Info("index complete",
		zap.Int("files", stats["l0_files"]),
		zap.Int("entities", stats["l1_entities"]),
		zap.Int("patterns", stats["l2_patterns"]),
		zap.Int("flows", stats["l3_flows"]))
	fmt.Printf("indexed %d files, %d entities, %d patterns, %d flows\n",
		stats["l0_files"], stats["l1_entities"], stats["l2_patterns"], stats["l3_flows"])
	return nil
}
