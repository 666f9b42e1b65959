package web

import (
	"net/http"
	"strconv"

	"github.com/vbonduro/homeinv/internal/domain"
	"github.com/vbonduro/homeinv/internal/service"
)

type itemList struct {
	Items []*domain.Item `json:"items"`
}

// handleListItems serves GET /api/items. ?q= searches by name and takes
// precedence over ?category=.
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	var (
		items []*domain.Item
		err   error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		items, err = s.service.SearchItems(r.Context(), q)
	} else {
		items, err = s.service.ListItems(r.Context(), r.URL.Query().Get("category"))
	}
	if err != nil {
		s.writeServiceError(w, "list items", err)
		return
	}
	if items == nil {
		items = []*domain.Item{}
	}
	s.writeJSON(w, http.StatusOK, itemList{Items: items})
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var in service.ItemInput
	if !s.decodeJSON(w, r, &in) {
		return
	}
	item, err := s.service.CreateItem(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, "create item", err)
		return
	}
	w.Header().Set("Location", "/api/items/"+strconv.FormatInt(item.ID, 10))
	s.writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	item, err := s.service.GetItem(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get item", err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	var in service.ItemInput
	if !s.decodeJSON(w, r, &in) {
		return
	}
	item, err := s.service.UpdateItem(r.Context(), id, in)
	if err != nil {
		s.writeServiceError(w, "update item", err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteItem(r.Context(), id); err != nil {
		s.writeServiceError(w, "delete item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	months := service.DefaultStatisticsMonths
	if v := r.URL.Query().Get("months"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_param", "months must be a positive integer")
			return
		}
		months = n
	}
	stats, err := s.service.Statistics(r.Context(), s.now(), months)
	if err != nil {
		s.writeServiceError(w, "statistics", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
