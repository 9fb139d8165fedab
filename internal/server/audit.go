package server

import (
	"net/http"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/entitle/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// auditEvent starts a structured audit log entry for a billing-sensitive
// request. Every entry carries a unique event id plus caller metadata so
// payment flows can be traced after the fact.
func auditEvent(r *http.Request, action, outcome string) *zerolog.Event {
	evt := log.Info()
	if outcome != "success" {
		evt = log.Warn()
	}
	return evt.
		Str("event_id", ulid.Make().String()).
		Str("request_id", logging.RequestIDFromContext(r.Context())).
		Str("audit_action", action).
		Str("outcome", outcome).
		Str("client_ip", clientIP(r)).
		Str("path", r.URL.Path)
}
