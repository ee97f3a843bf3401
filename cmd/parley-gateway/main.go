// Command parley-gateway serves the client-facing WebSocket boundary of the
// Parley voice pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/parley-ai/parley/internal/gateway"
	"github.com/parley-ai/parley/internal/service"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/parley.yaml", "path to the YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := service.Start(ctx, "parley-gateway", *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley-gateway: %v\n", err)
		return 1
	}
	defer rt.Close()

	addr := rt.Cfg.Gateway.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := gateway.New(rt.Bus, rt.Cfg, rt.Log)

	rt.Log.Info("gateway listening", "addr", addr, "tls", rt.Cfg.Gateway.TLS != nil)
	if err := rt.Serve(ctx, addr, srv.Routes(), rt.Cfg.Gateway.TLS); err != nil {
		rt.Log.Error("gateway serve failed", "error", err)
		return 1
	}
	rt.Log.Info("gateway stopped")
	return 0
}
