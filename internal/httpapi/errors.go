package httpapi

import (
	"encoding/json"
	"net/http"

	"orchestratord/internal/orchestrator"
	"orchestratord/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusForKind maps the orchestration core's error kinds onto HTTP
// statuses for the REST endpoints. The WS channel carries the kind string
// itself; REST callers only see the status plus the same kind in the body.
func statusForKind(kind string) int {
	switch kind {
	case "BadRequest":
		return http.StatusBadRequest
	case "RefNotFound", "ModeNotFound":
		return http.StatusNotFound
	case "QueueFull":
		return http.StatusTooManyRequests
	case "DreamBusy", "Canceled":
		return http.StatusConflict
	case "Shutdown":
		return http.StatusServiceUnavailable
	case "Timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeKindError is writeJSONError for errors originating in the core:
// the kind travels in the body so REST clients can branch the same way
// WS clients do.
func writeKindError(w http.ResponseWriter, err error) {
	kind := orchestrator.KindOf(err)
	status := statusForKind(kind)
	if kind == "QueueFull" {
		IncrementBackpressure("queue")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: err.Error(), Kind: kind, Code: status})
}
