// Command parley-vad runs the VAD/ASR worker: it segments inbound microphone
// audio into utterances, transcribes them, and raises barge-in signals.
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
	"github.com/parley-ai/parley/internal/vadworker"
	"github.com/parley-ai/parley/pkg/provider/stt"
	"github.com/parley-ai/parley/pkg/provider/stt/deepgram"
	"github.com/parley-ai/parley/pkg/provider/stt/whisper"
	"github.com/parley-ai/parley/pkg/provider/vad/silero"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/parley.yaml", "path to the YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := service.Start(ctx, "parley-vad", *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley-vad: %v\n", err)
		return 1
	}
	defer rt.Close()

	eng, err := silero.New(rt.Cfg.VAD.ModelPath)
	if err != nil {
		rt.Log.Error("vad engine init failed", "model_path", rt.Cfg.VAD.ModelPath, "error", err)
		return 1
	}

	asr, err := buildASR(rt.Cfg)
	if err != nil {
		rt.Log.Error("asr provider init failed", "provider", rt.Cfg.ASR.Provider.Name, "error", err)
		return 1
	}
	rt.Log.Info("asr provider ready", "provider", rt.Cfg.ASR.Provider.Name, "language", rt.Cfg.ASR.Language)

	worker := vadworker.New(rt.Bus, eng, asr, rt.Cfg, rt.Log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return rt.Serve(gctx, rt.Cfg.VAD.ListenAddr, rt.ProbeMux(), nil) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		rt.Log.Error("vad worker failed", "error", err)
		return 1
	}
	rt.Log.Info("vad worker stopped")
	return 0
}

// buildASR constructs the transcription provider named in the asr section.
func buildASR(cfg *config.Config) (stt.Provider, error) {
	entry := cfg.ASR.Provider
	switch entry.Name {
	case "whisper", "":
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if cfg.ASR.Language != "" {
			opts = append(opts, whisper.WithLanguage(cfg.ASR.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	case "deepgram":
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if cfg.ASR.Language != "" {
			opts = append(opts, deepgram.WithLanguage(cfg.ASR.Language))
		}
		return deepgram.New(entry.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown asr provider %q", entry.Name)
	}
}
