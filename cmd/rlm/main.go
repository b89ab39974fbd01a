package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rlm/internal/config"
	"rlm/internal/llm"
	"rlm/internal/logging"
	"rlm/internal/session"
	"rlm/internal/slicer"
)

var (
	// Global flags
	verbose    bool
	configPath string
	provider   string
	model      string
	apiKey     string

	// run flags
	contextPath   string
	query         string
	maxIterations int
	budgetPolicy  string
	tracePath     string
	noAutoSlice   bool

	// slice flags
	strategy string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rlm",
	Short: "rlm - recursive language model sessions over large contexts",
	Long: `rlm answers queries over contexts too large for a single prompt.

The root model never sees the context directly. It is given a persistent Go
execution environment where the context is pre-partitioned into addressable
slices; it explores them with sub-queries, maintains a working hypothesis,
and terminates by calling FINAL with its answer.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a session against a context file",
	Long: `Runs one session to termination: the context file is sliced, the root
model iterates in the execution environment, and the final answer is printed
to stdout.

The context file is parsed as JSON when it is a .json file or starts with an
object or array; anything else is treated as plain text.

Example:
  rlm run --context report.md --query "What were the Q3 risks?"`,
	RunE: runSession,
}

var sliceCmd = &cobra.Command{
	Use:   "slice",
	Short: "Show how a context file would be partitioned (dry run)",
	RunE:  runSlice,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&provider, "provider", "", "llm provider (anthropic, openai, gemini)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "model override")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "api key (falls back to RLM_API_KEY)")

	runCmd.Flags().StringVar(&contextPath, "context", "", "path to the context file (required)")
	runCmd.Flags().StringVarP(&query, "query", "q", "", "query to answer over the context")
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration budget override")
	runCmd.Flags().StringVar(&budgetPolicy, "budget-policy", "", "best_effort or fail")
	runCmd.Flags().StringVar(&tracePath, "trace", "", "append session trace events (JSONL) to this file")
	runCmd.Flags().BoolVar(&noAutoSlice, "no-auto-slice", false, "expose the context as one slice instead of partitioning it")
	_ = runCmd.MarkFlagRequired("context")

	sliceCmd.Flags().StringVar(&contextPath, "context", "", "path to the context file (required)")
	sliceCmd.Flags().StringVar(&strategy, "strategy", "", "slicing strategy override")
	_ = sliceCmd.MarkFlagRequired("context")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sliceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if maxIterations > 0 {
		cfg.Session.MaxIterations = maxIterations
	}
	if budgetPolicy != "" {
		cfg.Session.BudgetPolicy = budgetPolicy
	}
	if tracePath != "" {
		cfg.Logging.TracePath = tracePath
	}
	if noAutoSlice {
		cfg.Session.AutoSlice = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.Configure(logging.Settings{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Dir:        filepath.Join(".rlm", "logs"),
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	defer logging.Close()

	contextData, err := loadContext(contextPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	var trace *logging.TraceWriter
	if cfg.Logging.TracePath != "" {
		trace, err = logging.NewTraceWriter(cfg.Logging.TracePath)
		if err != nil {
			return err
		}
		defer trace.Close()
	}

	timeout, err := cfg.LLMTimeout()
	if err != nil {
		return err
	}
	root, err := llm.New(llm.Options{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  timeout,
	})
	if err != nil {
		return err
	}

	sub := root
	if cfg.LLM.SubQueryModel != "" && cfg.LLM.SubQueryModel != cfg.LLM.Model {
		sub, err = llm.New(llm.Options{
			Provider: cfg.LLM.Provider,
			APIKey:   cfg.LLM.APIKey,
			Model:    cfg.LLM.SubQueryModel,
			BaseURL:  cfg.LLM.BaseURL,
			Timeout:  timeout,
		})
		if err != nil {
			return err
		}
	}

	logger.Info("Starting session",
		zap.String("context", contextPath),
		zap.String("provider", cfg.LLM.Provider),
		zap.Int("max_iterations", cfg.Session.MaxIterations))

	controller := session.NewController(root, sub, cfg, trace)
	result, err := controller.Run(ctx, contextData, query)
	if err != nil {
		return err
	}

	logger.Info("Session finished",
		zap.String("session", result.SessionID),
		zap.String("state", result.State.String()),
		zap.Int("iterations", len(result.Records)),
		zap.Int("llm_calls", result.Usage.Calls))

	fmt.Println(result.Value)
	return nil
}

func runSlice(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	contextData, err := loadContext(contextPath)
	if err != nil {
		return err
	}

	opts := slicer.Options{
		Strategy:      slicer.Strategy(cfg.Session.SliceStrategy),
		ListCutoff:    cfg.Slicer.ListCutoff,
		ListChunkSize: cfg.Slicer.ListChunkSize,
		CharChunkSize: cfg.Slicer.CharChunkSize,
	}
	if strategy != "" {
		opts.Strategy = slicer.Strategy(strategy)
	}

	slices, err := slicer.Slice(contextData, opts)
	if err != nil {
		return err
	}

	store := slicer.NewStore(slices)
	fmt.Printf("%d slices:\n", store.Len())
	for _, info := range store.Info() {
		fmt.Printf("  %-24s %-10s %8d chars", info.ID, info.ContentType, info.Size)
		if s, ok := info.Metadata["strategy"]; ok {
			fmt.Printf("  (%v)", s)
		}
		fmt.Println()
	}
	return nil
}

// loadConfig merges file config, env overrides, and CLI flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if provider != "" {
		cfg.LLM.Provider = provider
	}
	if model != "" {
		cfg.LLM.Model = model
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	return cfg, nil
}

// loadContext reads the context file and decides its shape: JSON object or
// array when unambiguous, plain text otherwise.
func loadContext(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read context %s: %w", path, err)
	}

	text := string(data)
	trimmed := strings.TrimSpace(text)
	isJSON := strings.EqualFold(filepath.Ext(path), ".json") ||
		strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
	if isJSON {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err == nil {
			return parsed, nil
		} else if strings.EqualFold(filepath.Ext(path), ".json") {
			return nil, fmt.Errorf("failed to parse context %s: %w", path, err)
		}
	}
	return text, nil
}
