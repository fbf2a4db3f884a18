package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/pool"
)

// apiError is the Anthropic-style error envelope returned for proxy-origin
// failures. Upstream failures relay the upstream's own body instead.
// RequestID points the caller at the persisted record.
type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func errorResponse(typ, msg, requestID string) apiError {
	var e apiError
	e.Error.Type = typ
	e.Error.Message = msg
	e.RequestID = requestID
	return e
}

// errorKind maps a pipeline error to its HTTP status and envelope type.
func errorKind(err error) (status int, typ string) {
	switch {
	case errors.Is(err, palantir.ErrValidation):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, palantir.ErrAuthentication):
		return http.StatusUnauthorized, "authentication_error"
	case errors.Is(err, palantir.ErrAuthorization):
		return http.StatusForbidden, "permission_error"
	case errors.Is(err, palantir.ErrPoolExhausted):
		return http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, palantir.ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, palantir.ErrUpstream):
		return http.StatusBadGateway, "api_error"
	case errors.Is(err, palantir.ErrCredential):
		return http.StatusInternalServerError, "api_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

// writeError serializes err into the envelope. Authentication failures
// collapse to a fixed message so callers cannot probe which part was wrong;
// pool exhaustion carries a Retry-After hint; 5xx causes are logged loud.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, typ := errorKind(err)
	msg := err.Error()

	switch {
	case status == http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="palantir"`)
		msg = "authentication failed"
	case status == http.StatusTooManyRequests:
		var ex *pool.ExhaustedError
		if errors.As(err, &ex) {
			w.Header().Set("Retry-After", strconv.Itoa(int(ex.RetryAfter.Seconds())))
		}
	case status >= 500:
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("request_id", palantir.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
	}

	s.reject(w, r, status, typ, msg)
}

func (s *server) reject(w http.ResponseWriter, r *http.Request, status int, typ, msg string) {
	writeJSON(w, status, errorResponse(typ, msg, palantir.RequestIDFromContext(r.Context())))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
