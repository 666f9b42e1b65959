package web

import (
	"io"
	"net/http"

	"github.com/vbonduro/homeinv/internal/domain"
	"github.com/vbonduro/homeinv/internal/service"
)

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	data, _, ok := s.readUpload(w, r, "image", service.MaxImageSize)
	if !ok {
		return
	}
	item, err := s.service.SetImage(r.Context(), id, data)
	if err != nil {
		s.writeServiceError(w, "upload image", err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	kind, ok := s.parseKind(w, r)
	if !ok {
		return
	}
	data, filename, ok := s.readUpload(w, r, "document", service.MaxDocumentSize)
	if !ok {
		return
	}
	item, err := s.service.SetDocument(r.Context(), id, kind, filename, data)
	if err != nil {
		s.writeServiceError(w, "upload document", err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	s.serveAttachment(w, r, id, domain.SlotImage)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	kind, ok := s.parseKind(w, r)
	if !ok {
		return
	}
	s.serveAttachment(w, r, id, domain.DocumentSlot(kind))
}

func (s *Server) serveAttachment(w http.ResponseWriter, r *http.Request, id int64, slot domain.Slot) {
	reader, contentType, err := s.service.OpenAttachment(r.Context(), id, slot)
	if err != nil {
		s.writeServiceError(w, "open attachment", err)
		return
	}
	defer closeWithLog(reader, "attachment reader", s.logger)

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Error("write attachment failed", "item_id", id, "slot", slot, "error", err)
	}
}

func (s *Server) parseKind(w http.ResponseWriter, r *http.Request) (domain.DocumentKind, bool) {
	kind := domain.DocumentKind(r.PathValue("kind"))
	if !kind.Valid() {
		s.writeError(w, http.StatusNotFound, "not_found", "unknown document kind")
		return "", false
	}
	return kind, true
}
