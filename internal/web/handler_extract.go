package web

import (
	"errors"
	"net/http"

	"github.com/vbonduro/homeinv/internal/extract"
	"github.com/vbonduro/homeinv/internal/service"
)

// handleExtract reads product details from an uploaded photo so the client
// can prefill a new item. The required "user" form field identifies the end
// user to the extraction backend.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	data, filename, ok := s.readUpload(w, r, "image", service.MaxExtractImageSize)
	if !ok {
		return
	}
	user := r.FormValue("user")

	info, err := s.service.ExtractProductInfo(r.Context(), data, filename, user)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) ||
			errors.Is(err, service.ErrInvalidFile) ||
			errors.Is(err, service.ErrFileTooLarge) ||
			errors.Is(err, service.ErrExtractionUnavailable) ||
			errors.Is(err, extract.ErrNoProductInfo) {
			s.writeServiceError(w, "extract", err)
			return
		}
		s.logger.Error("extract failed", "error", err)
		s.writeError(w, http.StatusBadGateway, "extraction_failed", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}
