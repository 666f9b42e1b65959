package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/vbonduro/homeinv/internal/extract"
	"github.com/vbonduro/homeinv/internal/metrics"
	"github.com/vbonduro/homeinv/internal/workflow"
)

// DefaultImageInput is the workflow input variable that receives the photo.
const DefaultImageInput = "image"

// facade is the subset of workflow.Client the extractor needs.
type facade interface {
	UploadFile(ctx context.Context, r io.Reader, filename, user string) (*workflow.FileUploadResponse, error)
	RunWorkflow(ctx context.Context, req workflow.RunRequest) (*workflow.WorkflowRunResponse, error)
}

// Extractor uploads a photo through the proxy and runs the extraction
// workflow on it in blocking mode.
type Extractor struct {
	client     facade
	imageInput string
	workflowID string
	logger     *slog.Logger
}

type Option func(*Extractor)

// WithImageInput overrides the input variable name the photo is bound to.
func WithImageInput(name string) Option {
	return func(e *Extractor) {
		if name != "" {
			e.imageInput = name
		}
	}
}

// WithWorkflowID runs a specific workflow instead of the app's default one.
func WithWorkflowID(id string) Option {
	return func(e *Extractor) { e.workflowID = id }
}

func NewExtractor(client facade, logger *slog.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		client:     client,
		imageInput: DefaultImageInput,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Extractor) Extract(ctx context.Context, r io.Reader, filename, user string) (*extract.ProductInfo, error) {
	start := time.Now()
	defer func() {
		metrics.ExtractDuration.WithLabelValues("workflow").Observe(time.Since(start).Seconds())
	}()

	upload, err := e.client.UploadFile(ctx, r, filename, user)
	if err != nil {
		return nil, fmt.Errorf("failed to upload image: %w", err)
	}
	e.logger.Debug("image uploaded", "upload_file_id", upload.ID, "size", upload.Size)

	resp, err := e.client.RunWorkflow(ctx, workflow.RunRequest{
		Inputs: map[string]any{
			e.imageInput: workflow.FileInput{
				TransferMethod: workflow.TransferLocalFile,
				UploadFileID:   upload.ID,
				Type:           workflow.FileTypeImage,
			},
		},
		User:       user,
		WorkflowID: e.workflowID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run workflow: %w", err)
	}

	if resp.Data.Status == workflow.StatusFailed {
		msg := "Unknown error"
		if resp.Data.Error != nil && *resp.Data.Error != "" {
			msg = *resp.Data.Error
		}
		e.logger.Error("extraction workflow failed",
			"workflow_run_id", resp.WorkflowRunID,
			"task_id", resp.TaskID,
			"error", msg,
		)
		return nil, fmt.Errorf("workflow failed: %s", msg)
	}

	info, err := extract.ParseOutputs(resp.Data.Outputs, e.logger)
	if err != nil {
		return nil, err
	}
	e.logger.Info("product info extracted",
		"workflow_run_id", resp.WorkflowRunID,
		"product_name", info.ProductName,
		"elapsed_time", resp.Data.ElapsedTime,
	)
	return info, nil
}
