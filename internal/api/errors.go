package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/kalambet/medbrief/internal/profile"
	"github.com/kalambet/medbrief/internal/query"
	"github.com/kalambet/medbrief/internal/searches"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// serviceError maps a service error onto the HTTP error envelope. Unknown
// errors are logged and reported with a generic message.
func serviceError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *query.ValidationError
	var limited *searches.RateLimitError
	switch {
	case errors.As(err, &validation):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", validation.Error())
	case errors.Is(err, profile.ErrInvalidField):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", err.Error())
	case errors.Is(err, searches.ErrUnauthenticated):
		httpError(w, http.StatusUnauthorized, "authentication_error", "authentication required")
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limited)))
		httpError(w, http.StatusTooManyRequests, "rate_limit_error", "%s", limited.Error())
	case errors.Is(err, searches.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "search not found")
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal server error")
	}
}

func retryAfterSeconds(e *searches.RateLimitError) int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
