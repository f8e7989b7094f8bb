package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/maxpert/gitsync/project"
	"github.com/maxpert/gitsync/source"
	"github.com/rs/zerolog/log"
)

// Source is the view of an event source the admin endpoints need
type Source interface {
	Name() string
	State() source.State
	Statuses() []project.Status
	Idle() bool
}

// AdminHandlers serves health and project status
type AdminHandlers struct {
	sources   []Source
	startedAt time.Time
}

// NewAdminHandlers creates handlers over the running sources
func NewAdminHandlers(sources []Source) *AdminHandlers {
	return &AdminHandlers{
		sources:   sources,
		startedAt: time.Now(),
	}
}

type sourceHealth struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Idle     bool   `json:"idle"`
	Projects int    `json:"projects"`
}

// handleHealth reports liveness plus a per-source summary
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	sources := make([]sourceHealth, 0, len(h.sources))
	for _, s := range h.sources {
		sources = append(sources, sourceHealth{
			Name:     s.Name(),
			State:    s.State().String(),
			Idle:     s.Idle(),
			Projects: len(s.Statuses()),
		})
	}

	writeJSONResponse(w, map[string]interface{}{
		"status":  "ok",
		"uptime":  time.Since(h.startedAt).Truncate(time.Second).String(),
		"sources": sources,
	}, false, "")
}

// handleProjects lists task status for every source, or one source when
// ?source= is given. Results are paged by project name with ?limit and ?from.
func (h *AdminHandlers) handleProjects(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	name := r.URL.Query().Get("source")
	var statuses []projectStatus
	found := name == ""
	for _, s := range h.sources {
		if name != "" && s.Name() != name {
			continue
		}
		found = true
		for _, st := range s.Statuses() {
			statuses = append(statuses, projectStatus{Source: s.Name(), Status: st})
		}
	}
	if !found {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("source '%s' not found", name))
		return
	}

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Name != statuses[j].Name {
			return statuses[i].Name < statuses[j].Name
		}
		return statuses[i].Source < statuses[j].Source
	})

	page, hasMore := paginate(statuses, parseFrom(r), limit)
	lastKey := ""
	if hasMore {
		lastKey = page[len(page)-1].Name
	}
	writeJSONResponse(w, page, hasMore, lastKey)
}

type projectStatus struct {
	Source string `json:"source"`
	project.Status
}

// paginate returns up to limit entries whose name sorts after from
func paginate(statuses []projectStatus, from string, limit int) ([]projectStatus, bool) {
	start := 0
	if from != "" {
		start = sort.Search(len(statuses), func(i int) bool {
			return statuses[i].Name > from
		})
	}
	rest := statuses[start:]
	if len(rest) > limit {
		return rest[:limit], true
	}
	return rest, false
}

// writeJSONResponse writes a JSON response with optional pagination metadata
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes a JSON error response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseFrom parses from parameter for pagination
func parseFrom(r *http.Request) string {
	return r.URL.Query().Get("from")
}
