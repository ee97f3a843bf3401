// Command parley-orchestrator runs the dialog core: it turns final
// transcripts into streamed assistant turns, sentence-segmented TTS requests,
// and tool invocations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/orchestrator"
	"github.com/parley-ai/parley/internal/orchestrator/toolrouter"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/service"
	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/provider/llm/anyllm"
	"github.com/parley-ai/parley/pkg/provider/llm/openai"
	"github.com/parley-ai/parley/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/parley.yaml", "path to the YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := service.Start(ctx, "parley-orchestrator", *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley-orchestrator: %v\n", err)
		return 1
	}
	defer rt.Close()

	model, err := buildModel(rt.Cfg)
	if err != nil {
		rt.Log.Error("llm provider init failed", "provider", rt.Cfg.LLM.Provider.Name, "error", err)
		return 1
	}
	rt.Log.Info("llm provider ready",
		"provider", rt.Cfg.LLM.Provider.Name,
		"model", rt.Cfg.LLM.Provider.Model,
		"fallbacks", len(rt.Cfg.LLM.Fallbacks))

	timeout := time.Duration(rt.Cfg.Orchestrator.ToolTimeoutMs) * time.Millisecond
	router := toolrouter.New(rt.Bus, timeout, rt.Log)
	defer router.Close()

	if err := registerBuiltinTools(router); err != nil {
		rt.Log.Error("builtin tool registration failed", "error", err)
		return 1
	}
	for _, srv := range rt.Cfg.Orchestrator.MCPServers {
		if err := router.ConnectServer(ctx, srv); err != nil {
			rt.Log.Error("mcp server connect failed", "server", srv.Name, "error", err)
			continue
		}
		rt.Log.Info("mcp server connected", "server", srv.Name, "transport", srv.Transport)
	}

	worker := orchestrator.New(rt.Bus, model, router, rt.Cfg, rt.Log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return rt.Serve(gctx, rt.Cfg.Orchestrator.ListenAddr, rt.ProbeMux(), nil) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		rt.Log.Error("orchestrator failed", "error", err)
		return 1
	}
	rt.Log.Info("orchestrator stopped")
	return 0
}

// buildModel constructs the primary LLM provider and, when fallbacks are
// configured, wraps the chain in a circuit-breaking failover group.
func buildModel(cfg *config.Config) (llm.Provider, error) {
	primary, err := buildProvider(cfg.LLM.Provider)
	if err != nil {
		return nil, err
	}
	if len(cfg.LLM.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewLLMFallback(primary, cfg.LLM.Provider.Name, resilience.FallbackConfig{})
	for _, entry := range cfg.LLM.Fallbacks {
		fb, err := buildProvider(entry)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, fb)
	}
	return group, nil
}

// buildProvider constructs one LLM backend. OpenAI uses the native client;
// everything else goes through the any-llm multi-provider client.
func buildProvider(entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "openai" {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	}

	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(entry.Name, entry.Model, opts...)
}

// registerBuiltinTools wires the server-side tools that ship with the
// orchestrator.
func registerBuiltinTools(router *toolrouter.Router) error {
	return router.RegisterBuiltin(types.ToolDefinition{
		Name:        "get_current_time",
		Description: "Returns the current date and time, optionally in a specific IANA timezone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name, e.g. Europe/Paris. Defaults to UTC.",
				},
			},
		},
	}, currentTime)
}

func currentTime(_ context.Context, args string) (string, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &in); err != nil {
			return "", fmt.Errorf("parse arguments: %w", err)
		}
	}
	loc := time.UTC
	if in.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(in.Timezone); err != nil {
			return "", fmt.Errorf("unknown timezone %q", in.Timezone)
		}
	}
	out, err := json.Marshal(map[string]string{"now": time.Now().In(loc).Format(time.RFC3339)})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
