package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vbonduro/homeinv/internal/config"
	"github.com/vbonduro/homeinv/internal/db"
	"github.com/vbonduro/homeinv/internal/extract"
	claudeextract "github.com/vbonduro/homeinv/internal/extract/claude"
	ollamaextract "github.com/vbonduro/homeinv/internal/extract/ollama"
	workflowextract "github.com/vbonduro/homeinv/internal/extract/workflow"
	"github.com/vbonduro/homeinv/internal/filestore/local"
	"github.com/vbonduro/homeinv/internal/logging"
	"github.com/vbonduro/homeinv/internal/service"
	"github.com/vbonduro/homeinv/internal/store"
	"github.com/vbonduro/homeinv/internal/web"
	"github.com/vbonduro/homeinv/internal/workflow"
)

// upstreamTimeout bounds blocking calls to the workflow service. Streaming
// runs are bounded by the request context instead.
const upstreamTimeout = 5 * time.Minute

func main() {
	cfg := config.Load()

	logger, cleanup, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer cleanup()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	files, err := local.NewStore(cfg.FilePath, logger)
	if err != nil {
		logger.Error("failed to initialize file store", "error", err)
		return
	}

	itemService := service.NewItemService(store.NewItemStore(database, logger), files, newExtractor(cfg, logger), logger)
	server := web.NewServer(itemService, cfg.Proxy(), &http.Client{}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		logger.Error("server error", "error", err)
	}
}

// newExtractor returns nil when the selected backend is not configured, which
// leaves product extraction disabled.
func newExtractor(cfg *config.Config, logger *slog.Logger) extract.Extractor {
	switch cfg.ExtractBackend {
	case "claude":
		if cfg.ClaudeAPIKey == "" {
			logger.Error("CLAUDE_API_KEY is required when EXTRACT_BACKEND=claude")
			return nil
		}
		logger.Info("using Claude extraction backend", "model", cfg.ClaudeModel)
		return claudeextract.NewExtractor(cfg.ClaudeAPIKey, cfg.ClaudeModel, logger)
	case "ollama":
		logger.Info("using Ollama extraction backend", "host", cfg.OllamaHost, "model", cfg.OllamaModel)
		return ollamaextract.NewExtractor(cfg.OllamaHost, cfg.OllamaModel, logger)
	case "none":
		logger.Info("product extraction disabled")
		return nil
	default:
		if cfg.DifyAPIKey == "" || cfg.DifyAPIURL == "" {
			logger.Warn("workflow service not configured, product extraction disabled")
			return nil
		}
		logger.Info("using workflow extraction backend", "proxy_url", cfg.WorkflowProxyURL)
		client := workflow.NewClient(cfg.WorkflowProxyURL, &http.Client{Timeout: upstreamTimeout}, logger)
		return workflowextract.NewExtractor(client, logger,
			workflowextract.WithImageInput(cfg.WorkflowImageInput),
			workflowextract.WithWorkflowID(cfg.WorkflowID),
		)
	}
}
