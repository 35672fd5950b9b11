package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/astro-devsim/internal/journal"
)

const maxQueryParamLen = 128

// handleListEvents returns journalled events for a device, newest first.
//
// Query parameters: name, since (RFC 3339), limit, offset.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "journal is disabled")
		return
	}
	q := r.URL.Query()

	name := q.Get("name")
	if len(name) > maxQueryParamLen {
		writeBadRequest(w, "name is too long")
		return
	}
	since, err := parseSince(q.Get("since"))
	if err != nil {
		writeBadRequest(w, "invalid since timestamp")
		return
	}
	limit, err := parseNonNegative(q.Get("limit"), "limit")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offset, err := parseNonNegative(q.Get("offset"), "offset")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	page, err := s.journal.ListEvents(r.Context(), deviceFrom(r).ID(), journal.EventFilter{
		Name:   name,
		Since:  since,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("listing events failed", "error", err)
		writeInternalError(w, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleHistory returns the property change history of a device.
//
// Query parameters: property (optional, all properties when empty), limit.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "journal is disabled")
		return
	}
	q := r.URL.Query()

	property := q.Get("property")
	if len(property) > maxQueryParamLen {
		writeBadRequest(w, "property is too long")
		return
	}
	limit, err := parseNonNegative(q.Get("limit"), "limit")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	id := deviceFrom(r).ID()
	changes, err := s.journal.ListPropertyChanges(r.Context(), id, property, limit)
	if err != nil {
		s.logger.Error("listing property history failed", "error", err)
		writeInternalError(w, "failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"property":  property,
		"changes":   changes,
		"count":     len(changes),
	})
}

// handleCommandLog returns the most recent dispatched commands.
func (s *Server) handleCommandLog(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "journal is disabled")
		return
	}
	limit, err := parseNonNegative(r.URL.Query().Get("limit"), "limit")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	id := deviceFrom(r).ID()
	cmds, err := s.journal.ListCommands(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("listing command log failed", "error", err)
		writeInternalError(w, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "commands": cmds, "count": len(cmds)})
}

func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseNonNegative(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
