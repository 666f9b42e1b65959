package workflow

import "encoding/json"

// ResponseMode selects how the upstream returns a workflow run.
type ResponseMode string

const (
	ResponseModeStreaming ResponseMode = "streaming"
	ResponseModeBlocking  ResponseMode = "blocking"
)

type TransferMethod string

const (
	TransferLocalFile TransferMethod = "local_file"
	TransferRemoteURL TransferMethod = "remote_url"
)

type FileType string

const (
	FileTypeDocument FileType = "document"
	FileTypeImage    FileType = "image"
)

// FileInput references a file in workflow inputs, either an upload id or a URL.
type FileInput struct {
	TransferMethod TransferMethod `json:"transfer_method"`
	UploadFileID   string         `json:"upload_file_id,omitempty"`
	URL            string         `json:"url,omitempty"`
	Type           FileType       `json:"type"`
}

// RunRequest is what callers of the facade send. ResponseMode is forced by the
// facade method used.
type RunRequest struct {
	Inputs     map[string]any `json:"inputs"`
	User       string         `json:"user"`
	TraceID    string         `json:"trace_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
}

// WorkflowRunRequest is the body forwarded to the upstream run endpoint.
type WorkflowRunRequest struct {
	Inputs       map[string]any `json:"inputs"`
	ResponseMode ResponseMode   `json:"response_mode"`
	User         string         `json:"user"`
	TraceID      string         `json:"trace_id,omitempty"`
}

type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusStopped   RunStatus = "stopped"
)

type WorkflowRunResponse struct {
	WorkflowRunID string  `json:"workflow_run_id"`
	TaskID        string  `json:"task_id"`
	Data          RunData `json:"data"`
}

type RunData struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Status      RunStatus      `json:"status"`
	Outputs     map[string]any `json:"outputs"`
	Error       *string        `json:"error"`
	ElapsedTime float64        `json:"elapsed_time"`
	TotalTokens int64          `json:"total_tokens"`
	TotalSteps  int64          `json:"total_steps"`
	CreatedAt   int64          `json:"created_at"`
	FinishedAt  int64          `json:"finished_at"`
}

type EventType string

const (
	EventWorkflowStarted  EventType = "workflow_started"
	EventNodeStarted      EventType = "node_started"
	EventTextChunk        EventType = "text_chunk"
	EventNodeFinished     EventType = "node_finished"
	EventWorkflowFinished EventType = "workflow_finished"
	EventTTSMessage       EventType = "tts_message"
	EventTTSMessageEnd    EventType = "tts_message_end"
	EventPing             EventType = "ping"
)

// StreamingEvent is one "data: " line of a streaming run. Data is left raw;
// its shape depends on Event.
type StreamingEvent struct {
	Event         EventType       `json:"event"`
	TaskID        string          `json:"task_id,omitempty"`
	WorkflowRunID string          `json:"workflow_run_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

type FileUploadResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
	MimeType  string `json:"mime_type"`
	CreatedBy string `json:"created_by"`
	CreatedAt int64  `json:"created_at"`
}

// ErrorEnvelope is the normalized error body returned by the proxy handlers.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}
