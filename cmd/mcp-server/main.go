package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/app"
	"github.com/patrickwarner/admatch/internal/config"
	"github.com/patrickwarner/admatch/internal/observability"
)

func newLogger() (*zap.Logger, error) {
	// stdout carries the MCP protocol.
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "msg"

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named("admatch-mcp").With(zap.String("service", "admatch-mcp")), nil
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger, observability.NewNoOpRegistry(), app.Options{})
	if err != nil {
		logger.Fatal("Failed to build matching pipeline", zap.Error(err))
	}
	defer a.Close()
	a.Start(ctx)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "admatch",
		Version: "1.0.0",
	}, nil)
	registerTools(server, &MatchServer{
		engine:  a.Engine,
		catalog: a.Catalog.Current,
		redis:   a.Redis,
		logger:  logger,
	})

	var logBuffer bytes.Buffer
	transport := &mcp.LoggingTransport{
		Transport: &mcp.StdioTransport{},
		Writer:    &logBuffer,
	}

	logger.Info("MCP server running via stdio", zap.Int("ads", a.Catalog.Current().NumAds()))
	if err := server.Run(ctx, transport); err != nil {
		logger.Fatal("Server error", zap.Error(err), zap.String("mcp_logs", logBuffer.String()))
	}
}
