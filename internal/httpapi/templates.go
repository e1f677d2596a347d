package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/c360studio/templatefabric/internal/version"
)

// handleTemplates routes the template read/restore endpoints:
//
//	GET  /templates/{id}
//	GET  /templates/{id}/versions
//	GET  /templates/{id}/versions/{n}
//	POST /templates/{id}/restore
func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if s.templates == nil {
		http.Error(w, "template store not configured", http.StatusNotFound)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/templates/"), "/")
	segments := strings.Split(rest, "/")
	if segments[0] == "" {
		http.Error(w, "template id required", http.StatusBadRequest)
		return
	}
	templateID := segments[0]

	switch {
	case len(segments) == 1 && r.Method == http.MethodGet:
		s.handleGetTemplate(w, r, templateID)

	case len(segments) == 2 && segments[1] == "versions" && r.Method == http.MethodGet:
		s.handleListVersions(w, r, templateID)

	case len(segments) == 3 && segments[1] == "versions" && r.Method == http.MethodGet:
		n, err := strconv.Atoi(segments[2])
		if err != nil || n < 1 {
			http.Error(w, "invalid version number", http.StatusBadRequest)
			return
		}
		s.handleGetVersion(w, r, templateID, n)

	case len(segments) == 2 && segments[1] == "restore" && r.Method == http.MethodPost:
		s.handleRestore(w, r, templateID)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request, templateID string) {
	tmpl, err := s.templates.Get(r.Context(), templateID)
	if err != nil {
		s.writeTemplateError(w, templateID, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request, templateID string) {
	versions, err := s.templates.ListVersions(r.Context(), templateID)
	if err != nil {
		s.writeTemplateError(w, templateID, err)
		return
	}
	if versions == nil {
		versions = []*version.Version{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"template_id": templateID, "versions": versions})
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request, templateID string, n int) {
	ver, err := s.templates.GetVersion(r.Context(), templateID, n)
	if err != nil {
		s.writeTemplateError(w, templateID, err)
		return
	}
	writeJSON(w, http.StatusOK, ver)
}

// restoreRequest is the POST /templates/{id}/restore body.
type restoreRequest struct {
	TargetVersion int    `json:"target_version"`
	RestoredBy    string `json:"restored_by"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request, templateID string) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.TargetVersion < 1 {
		http.Error(w, "target_version must be >= 1", http.StatusBadRequest)
		return
	}

	newVersion, err := s.templates.Restore(r.Context(), templateID, req.TargetVersion, req.RestoredBy)
	if err != nil {
		if errors.Is(err, version.ErrStateConflict) {
			http.Error(w, "concurrent edit, retry", http.StatusConflict)
			return
		}
		s.writeTemplateError(w, templateID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"template_id":           templateID,
		"version_number":        newVersion,
		"restored_from_version": req.TargetVersion,
	})
}

func (s *Server) writeTemplateError(w http.ResponseWriter, templateID string, err error) {
	switch {
	case errors.Is(err, version.ErrNotFound), errors.Is(err, version.ErrVersionNotFound):
		http.Error(w, "template not found", http.StatusNotFound)
	default:
		s.logger.Error("template store error", "template_id", templateID, "error", err)
		http.Error(w, "template store unavailable", http.StatusServiceUnavailable)
	}
}
