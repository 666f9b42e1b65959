package claude

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/liushuangls/go-anthropic/v2"

	"github.com/vbonduro/homeinv/internal/extract"
	"github.com/vbonduro/homeinv/internal/filestore"
	"github.com/vbonduro/homeinv/internal/metrics"
)

// maxTokens comfortably covers the single JSON object the prompt asks for.
const maxTokens = 1024

// Extractor asks Claude for product details in a single Messages call.
type Extractor struct {
	client *anthropic.Client
	model  string
	logger *slog.Logger
}

func NewExtractor(apiKey, model string, logger *slog.Logger, opts ...anthropic.ClientOption) *Extractor {
	return &Extractor{
		client: anthropic.NewClient(apiKey, opts...),
		model:  model,
		logger: logger,
	}
}

func (e *Extractor) Extract(ctx context.Context, r io.Reader, filename, user string) (*extract.ProductInfo, error) {
	start := time.Now()
	defer func() {
		metrics.ExtractDuration.WithLabelValues("claude").Observe(time.Since(start).Seconds())
	}()

	imageData, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	mimeType, ok := filestore.ImageMIME(imageData)
	if !ok {
		return nil, fmt.Errorf("unsupported image format for %q", filename)
	}

	e.logger.Debug("claude extraction started", "user", user, "mime_type", mimeType, "bytes", len(imageData))
	resp, err := e.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(e.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.Message{{
			Role: anthropic.RoleUser,
			Content: []anthropic.MessageContent{
				anthropic.NewImageMessageContent(anthropic.NewMessageContentSource(
					anthropic.MessagesContentSourceTypeBase64,
					mimeType,
					base64.StdEncoding.EncodeToString(imageData),
				)),
				anthropic.NewTextMessageContent(extract.Prompt),
			},
		}},
	})
	if err != nil {
		var apiErr *anthropic.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("claude returned %s: %s", apiErr.Type, apiErr.Message)
		}
		return nil, fmt.Errorf("failed to call claude: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return nil, fmt.Errorf("claude returned no text: %w", extract.ErrNoProductInfo)
	}
	return extract.ParseOutputs(map[string]any{"result": extract.StripCodeFence(text)}, e.logger)
}

func responseText(resp anthropic.MessagesResponse) string {
	for _, c := range resp.Content {
		if c.Type == anthropic.MessagesContentTypeText {
			return c.GetText()
		}
	}
	return ""
}
