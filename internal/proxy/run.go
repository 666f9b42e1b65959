package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/vbonduro/homeinv/internal/metrics"
	"github.com/vbonduro/homeinv/internal/workflow"
)

// relayBufferSize is the read size for upstream event streams.
const relayBufferSize = 32 * 1024

type runParams struct {
	Inputs       map[string]any        `json:"inputs"`
	ResponseMode workflow.ResponseMode `json:"response_mode" validate:"omitempty,oneof=streaming blocking"`
	User         string                `json:"user" validate:"required"`
	TraceID      string                `json:"trace_id"`
	WorkflowID   string                `json:"workflow_id"`
}

// WorkflowRunHandler forwards workflow runs upstream. Blocking runs are
// answered with the finished run; streaming runs are relayed byte for byte as
// an event stream.
type WorkflowRunHandler struct {
	upstream
}

func NewWorkflowRunHandler(cfg Config, client *http.Client, logger *slog.Logger) *WorkflowRunHandler {
	return &WorkflowRunHandler{
		upstream: newUpstream("workflow-run", baseAllowHeaders+", Authorization", cfg, client, logger),
	}
}

func (h *WorkflowRunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.preflight(w, r) {
		return
	}

	var p runParams
	if err := decodeJSONBody(w, r, &p); err != nil {
		h.writeError(w, http.StatusBadRequest, codeInvalidParam, "Invalid JSON body")
		return
	}
	if err := validate.Struct(&p); err != nil {
		if failedFields(err)["user"] {
			h.writeError(w, http.StatusBadRequest, codeInvalidParam, "Missing required parameter: user")
			return
		}
		h.writeError(w, http.StatusBadRequest, codeInvalidParam, "Invalid parameter: response_mode")
		return
	}
	if p.ResponseMode == "" {
		p.ResponseMode = workflow.ResponseModeStreaming
	}
	if p.Inputs == nil {
		p.Inputs = map[string]any{}
	}

	h.logger.Debug("workflow run requested",
		"user", p.User,
		"response_mode", p.ResponseMode,
		"workflow_id", p.WorkflowID,
		"trace_id", p.TraceID,
	)

	req, err := h.newUpstreamRequest(r, p)
	if err != nil {
		h.internalError(w, err)
		return
	}

	resp, err := h.do(req)
	if err != nil {
		h.internalError(w, err)
		return
	}
	defer closeWithLog(resp.Body, "upstream run body", h.logger)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.relayError(w, resp, "workflow_request_error", "Workflow execution failed")
		return
	}

	if p.ResponseMode == workflow.ResponseModeStreaming {
		h.relayStream(w, resp)
		return
	}
	h.relayJSON(w, resp)
}

func (h *WorkflowRunHandler) newUpstreamRequest(r *http.Request, p runParams) (*http.Request, error) {
	endpoint := h.cfg.endpoint("/workflows/run")
	if p.WorkflowID != "" {
		endpoint = h.cfg.endpoint("/workflows/" + url.PathEscape(p.WorkflowID) + "/run")
	}

	payload, err := json.Marshal(workflow.WorkflowRunRequest{
		Inputs:       p.Inputs,
		ResponseMode: p.ResponseMode,
		User:         p.User,
		TraceID:      p.TraceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run request: %w", err)
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.TraceID != "" {
		req.Header.Set("X-Trace-Id", p.TraceID)
	}
	return req, nil
}

// relayStream copies the upstream event stream to w as chunks arrive, flushing
// after each write. Bytes pass through untouched. Once the first byte is
// written, failures can only be logged: the caller sees the stream end.
func (h *WorkflowRunHandler) relayStream(w http.ResponseWriter, resp *http.Response) {
	if resp.Body == nil || resp.Body == http.NoBody {
		h.writeError(w, http.StatusInternalServerError, "stream_error", "Failed to establish streaming connection")
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	// Runs can outlive the server-wide write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("failed to clear write deadline", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	h.count(http.StatusOK)

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	var relayed int64
	buf := make([]byte, relayBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				h.logger.Info("stream caller went away", "bytes", relayed, "error", err)
				return
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				h.logger.Info("stream flush failed", "bytes", relayed, "error", err)
				return
			}
			relayed += int64(n)
			metrics.StreamBytes.Add(float64(n))
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				metrics.UpstreamErrors.WithLabelValues(h.name, "stream").Inc()
				h.logger.Error("streaming error", "bytes", relayed, "error", readErr)
			}
			h.logger.Debug("stream relay finished", "bytes", relayed)
			return
		}
	}
}
