package proxy

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
)

type stopParams struct {
	TaskID string `json:"task_id" validate:"required"`
	User   string `json:"user" validate:"required"`
}

// WorkflowStopHandler forwards task cancellation requests upstream. Repeated
// stops for the same task relay whatever the upstream answers.
type WorkflowStopHandler struct {
	upstream
}

func NewWorkflowStopHandler(cfg Config, client *http.Client, logger *slog.Logger) *WorkflowStopHandler {
	return &WorkflowStopHandler{
		upstream: newUpstream("workflow-stop", baseAllowHeaders, cfg, client, logger),
	}
}

func (h *WorkflowStopHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.preflight(w, r) {
		return
	}

	var p stopParams
	if err := decodeJSONBody(w, r, &p); err != nil {
		h.writeError(w, http.StatusBadRequest, codeInvalidParam, "Invalid JSON body")
		return
	}
	if err := validate.Struct(&p); err != nil {
		h.writeError(w, http.StatusBadRequest, codeInvalidParam, "Missing required parameters: task_id and user")
		return
	}

	payload, err := json.Marshal(map[string]string{"user": p.User})
	if err != nil {
		h.internalError(w, err)
		return
	}

	endpoint := h.cfg.endpoint("/workflows/tasks/" + url.PathEscape(p.TaskID) + "/stop")
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		h.internalError(w, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.do(req)
	if err != nil {
		h.internalError(w, err)
		return
	}
	defer closeWithLog(resp.Body, "upstream stop body", h.logger)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.relayError(w, resp, "stop_workflow_error", "Failed to stop workflow")
		return
	}
	h.relayJSON(w, resp)
}
