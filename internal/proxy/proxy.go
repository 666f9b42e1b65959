// Package proxy forwards file uploads and workflow runs to the upstream
// workflow service. The upstream credential is held server-side and injected
// into every forwarded request; callers never see it.
package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vbonduro/homeinv/internal/metrics"
	"github.com/vbonduro/homeinv/internal/workflow"
)

// Config holds the upstream workflow service credentials.
type Config struct {
	APIKey string
	APIURL string
}

func (c Config) complete() bool {
	return c.APIKey != "" && c.APIURL != ""
}

func (c Config) endpoint(path string) string {
	return strings.TrimRight(c.APIURL, "/") + path
}

const (
	baseAllowHeaders = "X-CSRF-Token, X-Requested-With, Accept, Accept-Version, Content-Length, Content-MD5, Content-Type, Date, X-Api-Version"

	// maxJSONBody bounds run and stop request bodies.
	maxJSONBody = 1 << 20
)

const (
	codeServerConfig   = "server_config_error"
	codeInvalidParam   = "invalid_param"
	codeInternalServer = "internal_server_error"
)

var validate = newValidator()

// newValidator reports field names by their json tag so validation failures
// can be mapped onto wire parameter names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// failedFields returns the json names of the fields that failed validation.
func failedFields(err error) map[string]bool {
	fields := make(map[string]bool)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields[fe.Field()] = true
		}
	}
	return fields
}

// upstream is the part shared by every proxy handler: configuration, the
// outbound client and response helpers that feed the request metrics.
type upstream struct {
	name         string
	allowHeaders string
	cfg          Config
	client       *http.Client
	logger       *slog.Logger
}

func newUpstream(name, allowHeaders string, cfg Config, client *http.Client, logger *slog.Logger) upstream {
	if client == nil {
		client = &http.Client{}
	}
	return upstream{
		name:         name,
		allowHeaders: allowHeaders,
		cfg:          cfg,
		client:       client,
		logger:       logger.With("handler", name),
	}
}

// preflight sets CORS headers and answers OPTIONS, wrong methods and missing
// configuration. It reports whether the handler should go on.
func (u *upstream) preflight(w http.ResponseWriter, r *http.Request) bool {
	h := w.Header()
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", u.allowHeaders)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		u.count(http.StatusOK)
		return false
	case http.MethodPost:
	default:
		u.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return false
	}

	if !u.cfg.complete() {
		u.logger.Error("workflow service credentials are not configured")
		u.writeError(w, http.StatusInternalServerError, codeServerConfig, "Server configuration error: Missing API credentials")
		return false
	}
	return true
}

// do sends req upstream with the server's bearer credential.
func (u *upstream) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+u.cfg.APIKey)

	start := time.Now()
	resp, err := u.client.Do(req)
	metrics.UpstreamDuration.WithLabelValues(u.name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(u.name, "transport").Inc()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.UpstreamErrors.WithLabelValues(u.name, "status_"+strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

// relayJSON answers 200 with the upstream JSON body. A body that is not JSON
// is an internal error.
func (u *upstream) relayJSON(w http.ResponseWriter, resp *http.Response) {
	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		u.internalError(w, err)
		return
	}
	u.writeJSON(w, http.StatusOK, body)
}

// relayError answers with the upstream status and a normalized envelope,
// taking code and message from the upstream body when it has them.
func (u *upstream) relayError(w http.ResponseWriter, resp *http.Response, defaultCode, defaultMessage string) {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	code, message := body.Code, body.Message
	if code == "" {
		code = defaultCode
	}
	if message == "" {
		message = defaultMessage
	}
	u.writeError(w, resp.StatusCode, code, message)
}

func (u *upstream) internalError(w http.ResponseWriter, err error) {
	u.logger.Error("proxy request failed", "error", err)
	message := "Unknown error"
	if err != nil {
		message = err.Error()
	}
	u.writeError(w, http.StatusInternalServerError, codeInternalServer, message)
}

func (u *upstream) writeError(w http.ResponseWriter, status int, code, message string) {
	u.writeJSON(w, status, workflow.ErrorEnvelope{Code: code, Message: message, Status: status})
}

func (u *upstream) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	u.count(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		u.logger.Error("failed to write response", "error", err)
	}
}

func (u *upstream) count(status int) {
	metrics.ProxyRequests.WithLabelValues(u.name, strconv.Itoa(status)).Inc()
}

// decodeJSONBody reads a bounded JSON request body into dst. An empty body
// leaves dst untouched so that required-field checks report it.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// closeWithLog closes c and logs any error, using label to identify the resource.
func closeWithLog(c io.Closer, label string, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close resource", "label", label, "error", err)
	}
}
