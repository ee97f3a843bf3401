// Command parley-tts runs the speech-synthesis worker: it turns sentence
// requests into ordered, cancellable per-conversation audio streams.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/service"
	"github.com/parley-ai/parley/internal/ttsworker"
	"github.com/parley-ai/parley/pkg/provider/tts"
	"github.com/parley-ai/parley/pkg/provider/tts/coqui"
	"github.com/parley-ai/parley/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/parley.yaml", "path to the YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := service.Start(ctx, "parley-tts", *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley-tts: %v\n", err)
		return 1
	}
	defer rt.Close()

	engine, err := buildEngine(rt.Cfg.TTS)
	if err != nil {
		rt.Log.Error("tts engine init failed", "provider", rt.Cfg.TTS.Provider.Name, "error", err)
		return 1
	}
	rt.Log.Info("tts engine ready",
		"provider", rt.Cfg.TTS.Provider.Name,
		"sample_rate", engine.SampleRate(),
		"default_voice", rt.Cfg.TTS.VoiceID)

	worker := ttsworker.New(rt.Bus, engine, rt.Cfg, rt.Log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return rt.Serve(gctx, rt.Cfg.TTS.ListenAddr, rt.ProbeMux(), nil) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		rt.Log.Error("tts worker failed", "error", err)
		return 1
	}
	rt.Log.Info("tts worker stopped")
	return 0
}

// buildEngine constructs the synthesis backend named in the tts section.
func buildEngine(cfg config.TTSConfig) (tts.Provider, error) {
	entry := cfg.Provider
	switch entry.Name {
	case "elevenlabs", "":
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	case "coqui":
		return coqui.New(entry.BaseURL)
	default:
		return nil, fmt.Errorf("unknown tts provider %q", entry.Name)
	}
}
