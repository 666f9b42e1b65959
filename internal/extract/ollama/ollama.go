package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vbonduro/homeinv/internal/extract"
	"github.com/vbonduro/homeinv/internal/filestore"
	"github.com/vbonduro/homeinv/internal/metrics"
)

// Extractor runs the product prompt against a local Ollama vision model.
type Extractor struct {
	host   string
	model  string
	client *http.Client
	logger *slog.Logger
}

func NewExtractor(host, model string, logger *slog.Logger) *Extractor {
	return &Extractor{
		host:   strings.TrimRight(host, "/"),
		model:  model,
		client: &http.Client{},
		logger: logger,
	}
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Format string   `json:"format"`
	Stream bool     `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (e *Extractor) Extract(ctx context.Context, r io.Reader, filename, user string) (*extract.ProductInfo, error) {
	start := time.Now()
	defer func() {
		metrics.ExtractDuration.WithLabelValues("ollama").Observe(time.Since(start).Seconds())
	}()

	imageData, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if _, ok := filestore.ImageMIME(imageData); !ok {
		return nil, fmt.Errorf("unsupported image format for %q", filename)
	}

	payload, err := json.Marshal(generateRequest{
		Model:  e.model,
		Prompt: extract.Prompt,
		Images: []string{base64.StdEncoding.EncodeToString(imageData)},
		Format: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	e.logger.Debug("ollama extraction started", "user", user, "model", e.model, "bytes", len(imageData))
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call ollama: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			e.logger.Error("failed to close ollama response", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var body generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if strings.TrimSpace(body.Response) == "" {
		return nil, fmt.Errorf("ollama returned no text: %w", extract.ErrNoProductInfo)
	}
	return extract.ParseOutputs(map[string]any{"result": extract.StripCodeFence(body.Response)}, e.logger)
}
