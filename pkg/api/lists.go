package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"dnsgate/pkg/engine"
	"dnsgate/pkg/store"
)

type scopedHandler func(w http.ResponseWriter, r *http.Request, scope string, list store.DomainList)

// listHandler resolves the domain list for the scope at request time, so
// handlers always operate on the active driver.
func (s *Server) listHandler(scope string, fn scopedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := s.manager.Drivers().List(scope)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		fn(w, r, scope, list)
	}
}

func (s *Server) handleListGet(w http.ResponseWriter, r *http.Request, scope string, list store.DomainList) {
	entries := list.List(r.URL.Query().Get("category"))
	if entries == nil {
		entries = []store.ListEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":   scope,
		"entries": entries,
		"count":   len(entries),
	})
}

type listAddRequest struct {
	Domain   string `json:"domain"`
	Source   string `json:"source,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Category string `json:"category,omitempty"`
}

func (s *Server) handleListAdd(w http.ResponseWriter, r *http.Request, scope string, list store.DomainList) {
	var req listAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Source == "" {
		req.Source = store.SourceAPI
	}
	entry, err := engine.AddListEntry(list, req.Domain, req.Source, req.Reason, req.Category)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrEmptyDomain) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListRemove(w http.ResponseWriter, r *http.Request, scope string, list store.DomainList) {
	domain := r.PathValue("domain")
	if !engine.RemoveListEntry(list, domain) {
		writeError(w, http.StatusNotFound, errors.New("domain not on "+scope))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": domain})
}

type listImportRequest struct {
	Domains []string `json:"domains"`
}

func (s *Server) handleListImport(w http.ResponseWriter, r *http.Request, scope string, list store.DomainList) {
	var req listImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	count, err := engine.ImportDomains(list, req.Domains, store.SourceImport)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": count})
}

func (s *Server) handleListExport(w http.ResponseWriter, r *http.Request, scope string, list store.DomainList) {
	entries := list.Export()
	if entries == nil {
		entries = []store.ListEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListClear(w http.ResponseWriter, r *http.Request, scope string, list store.DomainList) {
	if err := s.manager.ClearScope(scope); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
