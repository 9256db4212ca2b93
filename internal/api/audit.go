package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-zigbee/internal/audit"
)

// recordCommand writes an audit entry for an accepted command. Failures are
// logged; the command itself already went through.
func (s *Server) recordCommand(r *http.Request, key string, value any) {
	if s.audit == nil {
		return
	}
	requestID, _ := r.Context().Value(ctxKeyRequestID).(string) //nolint:errcheck // absent outside the middleware chain
	err := s.audit.Create(r.Context(), &audit.Entry{
		Action: audit.ActionCommand,
		Key:    key,
		Source: audit.SourceAPI,
		Details: map[string]any{
			"value":       value,
			"request_id":  requestID,
			"remote_addr": r.RemoteAddr,
		},
	})
	if err != nil {
		s.logger.Warn("failed to record command in audit log", "key", key, "error", err)
	}
}

// handleListAudit returns audit entries, newest first.
//
// Query parameters: action, key, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Action: q.Get("action"),
		Key:    q.Get("key"),
	}

	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, name+" must be an integer")
			return
		}
		*dst = n
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit log", "error", err)
		writeInternalError(w, "failed to list audit log")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
