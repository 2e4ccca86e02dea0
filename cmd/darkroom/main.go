package main

import (
	"context"
	"fmt"
	"os"

	"github.com/darkroomd/darkroom/acp"
	"github.com/darkroomd/darkroom/agent"
	"github.com/darkroomd/darkroom/config"
	"github.com/darkroomd/darkroom/llm"
	"github.com/darkroomd/darkroom/planner"
	"github.com/darkroomd/darkroom/tools"
	toolsmcp "github.com/darkroomd/darkroom/tools/mcp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	traceFile   string
	llmOverride string
	modeFlag    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "darkroom",
		Short: "A conversational photo-editing agent speaking JSON-RPC over stdio",
		Long: `darkroom is an editing agent for clients that speak the agent protocol:
newline-delimited JSON-RPC 2.0 over stdio. Clients create sessions, attach
images, and describe edits in plain language; the agent maintains a
non-destructive edit stack per session and streams its work back as
session/update notifications.

Stdout carries nothing but protocol messages. Use --trace to route logs to
a file when debugging.`,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (skips the ~/.darkroom and ./.darkroom lookup)")
	rootCmd.Flags().StringVar(&traceFile, "trace", "", "write debug logs to this file")
	rootCmd.Flags().StringVar(&llmOverride, "llm", "", "LLM backend: anthropic, openai, gemini, bedrock or mock (overrides config)")
	rootCmd.Flags().StringVar(&modeFlag, "planner", "", "planner mode: rules or llm (overrides config)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	log, closeLog, err := newLogger(traceFile)
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if llmOverride != "" {
		cfg.LLMClient = llmOverride
	}
	if modeFlag != "" {
		cfg.Planner.Mode = modeFlag
	}

	client, err := newLLMClient(ctx, cfg)
	if err != nil {
		// A missing key must not kill the agent; the planner degrades to
		// rules and tells the user why.
		log.Warn().Err(err).Msg("LLM client unavailable, planner will fall back")
		client = nil
	}

	plan, err := planner.New(cfg, client)
	if err != nil {
		return err
	}

	provider, closeProvider, err := newProvider(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeProvider()

	a := agent.New(cfg, log)
	server := acp.NewServer(a, plan, provider, os.Stdin, os.Stdout, log)
	return server.Run(ctx)
}

// newLogger builds the trace logger. Stdout belongs to the protocol, so
// without --trace everything is discarded.
func newLogger(path string) (zerolog.Logger, func(), error) {
	if path == "" {
		return zerolog.Nop(), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("could not open trace file: %w", err)
	}
	log := zerolog.New(f).With().Timestamp().Logger()
	return log, func() { f.Close() }, nil
}

func newLLMClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.LLMClient {
	case "anthropic":
		return llm.NewAnthropicClient(ctx, cfg.Model)
	case "openai":
		return llm.NewOpenAIClient(ctx, cfg.Model)
	case "gemini":
		return llm.NewGeminiClient(ctx, cfg.Model)
	case "bedrock":
		return llm.NewBedrockClient(ctx, cfg.Model)
	case "mock":
		return &llm.MockClient{}, nil
	case "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown llm backend %q", cfg.LLMClient)
}

// newProvider starts the configured MCP tool provider, wrapped in the
// preview cache and a file watcher that invalidates it. Without a
// configured provider the in-memory mock serves, which is enough for
// protocol development against clients.
func newProvider(ctx context.Context, cfg *config.Config, log zerolog.Logger) (tools.Provider, func(), error) {
	if len(cfg.ToolProviders) == 0 {
		log.Warn().Msg("no tool provider configured, using the in-memory mock")
		return &tools.MockProvider{}, func() {}, nil
	}

	tp := cfg.ToolProviders[0]
	base, err := toolsmcp.New(ctx, tp.Name, tp.Command, tp.Args)
	if err != nil {
		return nil, nil, err
	}

	caching := tools.NewCachingProvider(base, nil)
	watcher, err := tools.NewWatcher(caching.Cache(), log)
	if err != nil {
		base.Close()
		return nil, nil, err
	}

	closeAll := func() {
		watcher.Close()
		base.Close()
	}
	return &watchedProvider{CachingProvider: caching, watcher: watcher}, closeAll, nil
}

// watchedProvider registers each image with the watcher the first time its
// metadata is read.
type watchedProvider struct {
	*tools.CachingProvider
	watcher *tools.Watcher
}

func (w *watchedProvider) ReadImageMetadata(ctx context.Context, uri string) (tools.ImageMetadata, error) {
	meta, err := w.CachingProvider.ReadImageMetadata(ctx, uri)
	if err == nil {
		// Best effort; an unwatchable file just renders fresh.
		_ = w.watcher.Add(uri)
	}
	return meta, err
}
