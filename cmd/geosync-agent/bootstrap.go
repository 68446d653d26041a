package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/GeoSync/config"
	"github.com/joho/godotenv"
)

type agentApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *config.Config
	opts   agentOpts
}

func mustBootstrapAgent() *agentApp {
	// .env необязателен
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("load .env", "error", err.Error())
	}

	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	applyEnv(cfg)

	httpAddr := cfg.GeoSync.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	grpcAddr := cfg.GeoSync.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = ":50051"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &agentApp{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		opts: agentOpts{
			httpAddr:    httpAddr,
			grpcAddr:    grpcAddr,
			swaggerPath: os.Getenv("swaggerPath"),
		},
	}
}

// applyEnv lets the environment override secrets from the config file.
func applyEnv(cfg *config.Config) {
	if v := os.Getenv("GEOSYNC_SESSION_TOKEN"); v != "" {
		cfg.GeoSync.SessionToken = v
	}
	if v := os.Getenv("GEOSYNC_JWT_SECRET"); v != "" {
		cfg.GeoSync.JWTSecret = v
	}
}

func (a *agentApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *agentApp) Run() error {
	return RunAgent(a.ctx, a.cfg, defaultAgentFactories(), a.opts)
}
