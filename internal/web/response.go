package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/vbonduro/homeinv/internal/extract"
	"github.com/vbonduro/homeinv/internal/service"
	"github.com/vbonduro/homeinv/internal/store"
	"github.com/vbonduro/homeinv/internal/workflow"
)

// multipartOverhead is allowed on top of a file size limit for the form
// boundaries and other fields.
const multipartOverhead = 1 << 20

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}

// writeError sends the same error body shape the workflow proxy uses.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, workflow.ErrorEnvelope{Code: code, Message: message, Status: status})
}

// writeServiceError maps service and store errors onto HTTP responses.
// Unrecognized errors are logged and reported as 500 without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", "item not found")
	case errors.Is(err, service.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, "invalid_param", err.Error())
	case errors.Is(err, service.ErrInvalidFile):
		s.writeError(w, http.StatusUnsupportedMediaType, "unsupported_file_type", err.Error())
	case errors.Is(err, service.ErrFileTooLarge):
		s.writeError(w, http.StatusRequestEntityTooLarge, "file_too_large", err.Error())
	case errors.Is(err, service.ErrExtractionUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "extraction_unavailable", err.Error())
	case errors.Is(err, extract.ErrNoProductInfo):
		s.writeError(w, http.StatusUnprocessableEntity, "no_product_info", "could not read product information from the image")
	default:
		s.logger.Error(op+" failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, multipartOverhead)).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_param", "invalid JSON body")
		return false
	}
	return true
}

// readUpload reads the multipart file in field, capping the request body at
// limit plus form overhead. On failure it writes the response and returns
// ok false.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, field string, limit int64) (data []byte, filename string, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "file_too_large", "file too large")
			return nil, "", false
		}
		s.writeError(w, http.StatusBadRequest, "invalid_param", "failed to parse form")
		return nil, "", false
	}

	file, header, err := r.FormFile(field)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing_file", field+" file required")
		return nil, "", false
	}
	defer closeWithLog(file, "upload file", s.logger)

	data, err = io.ReadAll(file)
	if err != nil {
		s.logger.Error("read upload failed", "field", field, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "failed to read file")
		return nil, "", false
	}
	return data, header.Filename, true
}

func (s *Server) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_param", "invalid item id")
		return 0, false
	}
	return id, true
}

// closeWithLog closes c and logs any error, using label to identify the resource.
func closeWithLog(c io.Closer, label string, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("failed to close resource", "label", label, "error", err)
	}
}
