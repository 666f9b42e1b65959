package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/homeinv/internal/logging"
)

// fakeUpstream counts calls and delegates to handler.
type fakeUpstream struct {
	*httptest.Server
	calls atomic.Int32
}

func newFakeUpstream(t *testing.T, handler http.HandlerFunc) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func configFor(f *fakeUpstream) Config {
	return Config{APIKey: "app-secret", APIURL: f.URL + "/v1"}
}

type handlerCtor func(Config, *http.Client, *slog.Logger) http.Handler

func allHandlers() map[string]handlerCtor {
	return map[string]handlerCtor{
		"file-upload": func(c Config, hc *http.Client, l *slog.Logger) http.Handler {
			return NewFileUploadHandler(c, hc, l)
		},
		"workflow-run": func(c Config, hc *http.Client, l *slog.Logger) http.Handler {
			return NewWorkflowRunHandler(c, hc, l)
		},
		"workflow-stop": func(c Config, hc *http.Client, l *slog.Logger) http.Handler {
			return NewWorkflowStopHandler(c, hc, l)
		},
	}
}

func postJSON(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return env
}

func TestHandlersOptions(t *testing.T) {
	for name, ctor := range allHandlers() {
		t.Run(name, func(t *testing.T) {
			// Preflight succeeds even without credentials.
			h := ctor(Config{}, nil, logging.Nop())
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/", nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Empty(t, rec.Body.String())
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
			assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))

			allow := rec.Header().Get("Access-Control-Allow-Headers")
			assert.Contains(t, allow, "X-CSRF-Token")
			assert.Equal(t, name == "workflow-run", strings.Contains(allow, "Authorization"))
		})
	}
}

func TestHandlersMethodNotAllowed(t *testing.T) {
	for name, ctor := range allHandlers() {
		t.Run(name, func(t *testing.T) {
			h := ctor(Config{APIKey: "k", APIURL: "http://upstream.invalid"}, nil, logging.Nop())
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
			assert.JSONEq(t, `{"error":"Method not allowed"}`, rec.Body.String())
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestHandlersMissingConfig(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	configs := map[string]Config{
		"no key": {APIURL: up.URL},
		"no url": {APIKey: "k"},
		"empty":  {},
	}
	for name, ctor := range allHandlers() {
		for cfgName, cfg := range configs {
			t.Run(name+"/"+cfgName, func(t *testing.T) {
				rec := postJSON(t, ctor(cfg, up.Client(), logging.Nop()), `{"user":"u","task_id":"t"}`)

				assert.Equal(t, http.StatusInternalServerError, rec.Code)
				env := decodeEnvelope(t, rec)
				assert.Equal(t, "server_config_error", env["code"])
				assert.EqualValues(t, 500, env["status"])
			})
		}
	}
	assert.Zero(t, up.calls.Load())
}

func TestWorkflowRunMissingUser(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {})
	h := NewWorkflowRunHandler(configFor(up), up.Client(), logging.Nop())

	for _, body := range []string{``, `{}`, `{"inputs":{"a":1}}`, `{"user":""}`} {
		rec := postJSON(t, h, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		assert.JSONEq(t,
			`{"code":"invalid_param","message":"Missing required parameter: user","status":400}`,
			rec.Body.String())
	}
	assert.Zero(t, up.calls.Load())
}

func TestWorkflowRunInvalidInput(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {})
	h := NewWorkflowRunHandler(configFor(up), up.Client(), logging.Nop())

	rec := postJSON(t, h, `{"user":"u","response_mode":"eventually"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_param", decodeEnvelope(t, rec)["code"])

	rec = postJSON(t, h, `{"user":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_param", decodeEnvelope(t, rec)["code"])

	assert.Zero(t, up.calls.Load())
}

func TestWorkflowRunBlocking(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workflows/run", r.URL.Path)
		assert.Equal(t, "Bearer app-secret", r.Header.Get("Authorization"))
		assert.Equal(t, "trace-1", r.Header.Get("X-Trace-Id"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "blocking", body["response_mode"])
		assert.Equal(t, "user-1", body["user"])
		assert.Equal(t, "trace-1", body["trace_id"])
		assert.Equal(t, map[string]any{"query": "chair"}, body["inputs"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"workflow_run_id":"run-1","task_id":"task-1","data":{"status":"succeeded","outputs":{"x":1}}}`)
	})
	h := NewWorkflowRunHandler(configFor(up), up.Client(), logging.Nop())

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(
		`{"inputs":{"query":"chair"},"response_mode":"blocking","user":"user-1","trace_id":"trace-1"}`))
	req.Header.Set("Authorization", "Bearer caller-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"workflow_run_id":"run-1","task_id":"task-1","data":{"status":"succeeded","outputs":{"x":1}}}`,
		rec.Body.String())
	assert.EqualValues(t, 1, up.calls.Load())
}

func TestWorkflowRunWorkflowIDAndDefaults(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workflows/wf-42/run", r.URL.Path)
		assert.Empty(t, r.Header.Get("X-Trace-Id"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "streaming", body["response_mode"])
		assert.Equal(t, map[string]any{}, body["inputs"])
		assert.NotContains(t, body, "trace_id")
		assert.NotContains(t, body, "workflow_id")

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"event\":\"ping\"}\n\n")
	})
	h := NewWorkflowRunHandler(configFor(up), up.Client(), logging.Nop())

	rec := postJSON(t, h, `{"user":"u","workflow_id":"wf-42"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data: {\"event\":\"ping\"}\n\n", rec.Body.String())
}

func TestWorkflowRunBlockingUpstreamError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantJSON string
	}{
		{
			name:     "upstream envelope",
			status:   http.StatusBadRequest,
			body:     `{"code":"workflow_not_published","message":"Workflow not published"}`,
			wantJSON: `{"code":"workflow_not_published","message":"Workflow not published","status":400}`,
		},
		{
			name:     "unparsable body",
			status:   http.StatusBadGateway,
			body:     `<html>bad gateway</html>`,
			wantJSON: `{"code":"workflow_request_error","message":"Workflow execution failed","status":502}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			h := NewWorkflowRunHandler(configFor(up), up.Client(), logging.Nop())

			rec := postJSON(t, h, `{"user":"u","response_mode":"blocking"}`)
			assert.Equal(t, tt.status, rec.Code)
			assert.JSONEq(t, tt.wantJSON, rec.Body.String())
		})
	}
}

func TestWorkflowRunStreamingRelay(t *testing.T) {
	// "椅子" is split inside its first rune across two upstream writes.
	payload := []byte("data: {\"event\":\"text_chunk\",\"data\":{\"text\":\"椅子\"}}\n\n")
	cut := bytes.Index(payload, []byte("椅")) + 1

	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write(payload[:cut])
		flusher.Flush()
		_, _ = w.Write(payload[cut:])
		flusher.Flush()
		_, _ = io.WriteString(w, "data: {\"event\":\"workflow_finished\"}\n\n")
	})
	h := NewWorkflowRunHandler(configFor(up), up.Client(), logging.Nop())

	rec := postJSON(t, h, `{"user":"u"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.True(t, rec.Flushed)

	want := string(payload) + "data: {\"event\":\"workflow_finished\"}\n\n"
	assert.Equal(t, want, rec.Body.String())
	assert.True(t, utf8.Valid(rec.Body.Bytes()))
}

func TestWorkflowRunStreamingNoBody(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := NewWorkflowRunHandler(configFor(up), up.Client(), logging.Nop())

	rec := postJSON(t, h, `{"user":"u","response_mode":"streaming"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t,
		`{"code":"stream_error","message":"Failed to establish streaming connection","status":500}`,
		rec.Body.String())
}

func TestWorkflowRunStreamingUpstreamError(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"code":"too_many_requests","message":"slow down"}`)
	})
	h := NewWorkflowRunHandler(configFor(up), up.Client(), logging.Nop())

	rec := postJSON(t, h, `{"user":"u"}`)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEqual(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"code":"too_many_requests","message":"slow down","status":429}`, rec.Body.String())
}

func TestWorkflowRunTransportError(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {})
	cfg := configFor(up)
	up.Close()

	h := NewWorkflowRunHandler(cfg, nil, logging.Nop())
	rec := postJSON(t, h, `{"user":"u","response_mode":"blocking"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "internal_server_error", env["code"])
	assert.NotEmpty(t, env["message"])
}

func TestWorkflowStopMissingParams(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {})
	h := NewWorkflowStopHandler(configFor(up), up.Client(), logging.Nop())

	for _, body := range []string{``, `{}`, `{"task_id":"t"}`, `{"user":"u"}`, `{"task_id":"","user":"u"}`} {
		rec := postJSON(t, h, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		assert.JSONEq(t,
			`{"code":"invalid_param","message":"Missing required parameters: task_id and user","status":400}`,
			rec.Body.String())
	}
	assert.Zero(t, up.calls.Load())
}

func TestWorkflowStopRepeated(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workflows/tasks/task-9/stop", r.URL.Path)
		assert.Equal(t, "Bearer app-secret", r.Header.Get("Authorization"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"user": "u"}, body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"result":"success"}`)
	})
	h := NewWorkflowStopHandler(configFor(up), up.Client(), logging.Nop())

	for i := 0; i < 2; i++ {
		rec := postJSON(t, h, `{"task_id":"task-9","user":"u"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"result":"success"}`, rec.Body.String())
	}
	assert.EqualValues(t, 2, up.calls.Load())
}

func TestWorkflowStopUpstreamError(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := NewWorkflowStopHandler(configFor(up), up.Client(), logging.Nop())

	rec := postJSON(t, h, `{"task_id":"gone","user":"u"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"code":"stop_workflow_error","message":"Failed to stop workflow","status":404}`, rec.Body.String())
}

// multipartRequest builds an upload request. A nil file omits the file part.
func multipartRequest(t *testing.T, file []byte, filename, user string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if file != nil {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(file)
		require.NoError(t, err)
	}
	if user != "" {
		require.NoError(t, mw.WriteField("user", user))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestFileUploadMissingFile(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {})
	h := NewFileUploadHandler(configFor(up), up.Client(), logging.Nop())

	want := `{"code":"missing_file","message":"Please upload your file.","status":400}`

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, nil, "", "u"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, want, rec.Body.String())

	rec = postJSON(t, h, `{"user":"u"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, want, rec.Body.String())

	assert.Zero(t, up.calls.Load())
}

func TestFileUploadForwards(t *testing.T) {
	image := []byte{0xFF, 0xD8, 0xFF, 0xE0, 'j', 'p', 'g'}

	up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/files/upload", r.URL.Path)
		assert.Equal(t, "Bearer app-secret", r.Header.Get("Authorization"))

		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		got, err := io.ReadAll(f)
		assert.NoError(t, err)
		assert.Equal(t, image, got)
		assert.Equal(t, "sofa.jpg", hdr.Filename)
		assert.Equal(t, "application/octet-stream", hdr.Header.Get("Content-Type"))
		assert.Equal(t, "user-7", r.FormValue("user"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"file-1","name":"sofa.jpg","size":7,"extension":"jpg","mime_type":"image/jpeg","created_by":"user-7","created_at":1700000000}`)
	})
	h := NewFileUploadHandler(configFor(up), up.Client(), logging.Nop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, image, "sofa.jpg", "user-7"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"id":"file-1","name":"sofa.jpg","size":7,"extension":"jpg","mime_type":"image/jpeg","created_by":"user-7","created_at":1700000000}`,
		rec.Body.String())
}

func TestFileUploadUpstreamErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantJSON string
	}{
		{
			name:     "too large",
			status:   http.StatusRequestEntityTooLarge,
			body:     `{"code":"file_too_large","message":"upstream says too big"}`,
			wantJSON: `{"code":"file_too_large","message":"File size exceeds the maximum allowed limit","status":413}`,
		},
		{
			name:     "unsupported type",
			status:   http.StatusUnsupportedMediaType,
			wantJSON: `{"code":"unsupported_file_type","message":"Unsupported file type","status":415}`,
		},
		{
			name:     "other with envelope",
			status:   http.StatusBadRequest,
			body:     `{"code":"no_file_uploaded","message":"No file"}`,
			wantJSON: `{"code":"no_file_uploaded","message":"No file","status":400}`,
		},
		{
			name:     "other without body",
			status:   http.StatusServiceUnavailable,
			wantJSON: `{"code":"upload_error","message":"File upload failed","status":503}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			h := NewFileUploadHandler(configFor(up), up.Client(), logging.Nop())

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, multipartRequest(t, []byte("data"), "a.bin", ""))

			assert.Equal(t, tt.status, rec.Code)
			assert.JSONEq(t, tt.wantJSON, rec.Body.String())
		})
	}
}

func TestFileUploadTooLarge(t *testing.T) {
	up := newFakeUpstream(t, func(w http.ResponseWriter, _ *http.Request) {})
	h := NewFileUploadHandler(configFor(up), up.Client(), logging.Nop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, make([]byte, MaxUploadSize+1), "big.bin", "u"))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t,
		`{"code":"file_too_large","message":"File size exceeds the maximum allowed limit","status":413}`,
		rec.Body.String())
	assert.Zero(t, up.calls.Load())
}
