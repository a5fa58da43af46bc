package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"ollama-openai-adapter/internal/auth"
	"ollama-openai-adapter/internal/config"
	"ollama-openai-adapter/internal/logger"
	"ollama-openai-adapter/internal/router"
	"ollama-openai-adapter/internal/server"
	"ollama-openai-adapter/internal/upstream"
)

const serveUsage = `Usage:
  ollama-openai-adapter serve [--config <path>] [--port <port>]

Flags:
  --config string   Optional YAML configuration file; environment variables override it
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort < 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	policy := upstream.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.Ollama.MaxAttempts

	client, err := upstream.New(cfg.Ollama.Host, upstream.NewHTTPClient(cfg.Ollama.Timeout), policy, log)
	if err != nil {
		return err
	}

	gate := auth.NewGate(cfg.Auth.Enabled, cfg.Auth.APIKey)
	if !gate.Enabled() {
		log.Warn("authentication disabled; /v1 endpoints are open")
	}

	rt := router.New(client, gate, log)

	srv, err := server.New(cfg, rt, log)
	if err != nil {
		return err
	}

	log.Info("configuration loaded",
		zap.String("ollama_host", cfg.Ollama.Host),
		zap.String("default_model", cfg.Ollama.DefaultModel),
		zap.Duration("upstream_timeout", cfg.Ollama.Timeout),
		zap.Int("upstream_max_attempts", cfg.Ollama.MaxAttempts),
	)

	return srv.Run(ctx)
}
