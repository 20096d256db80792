package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	log "github.com/charmbracelet/log"

	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/arena"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/relay"
)

// apiError is the bridge's client-visible failure type. Detail ends up in
// the response body verbatim, cause stays in the logs.
type apiError struct {
	Status int
	Detail string
	cause  error
}

func (e *apiError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.cause)
	}
	return e.Detail
}

func (e *apiError) Unwrap() error { return e.cause }

func errUnauthorized(detail string) *apiError {
	return &apiError{Status: http.StatusUnauthorized, Detail: detail}
}

func errRateLimited() *apiError {
	return &apiError{Status: http.StatusTooManyRequests, Detail: "Rate limit exceeded. Please try again later."}
}

func errBadRequest(detail string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Detail: detail}
}

func errModelNotFound(model string) *apiError {
	return &apiError{
		Status: http.StatusNotFound,
		Detail: fmt.Sprintf("Model '%s' not found. Use /api/v1/models to see available models.", model),
	}
}

func errInternal(err error) *apiError {
	return &apiError{Status: http.StatusInternalServerError, Detail: fmt.Sprintf("Internal server error: %v", err), cause: err}
}

// toAPIError classifies upstream and transport failures into the response
// taxonomy.
func toAPIError(err error) *apiError {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var upErr *arena.UpstreamError
	if errors.As(err, &upErr) {
		if upErr.Status != 0 {
			return &apiError{
				Status: http.StatusBadGateway,
				Detail: fmt.Sprintf("LMArena API error: %d - %s", upErr.Status, upErr.Message),
				cause:  err,
			}
		}
		return &apiError{
			Status: http.StatusBadGateway,
			Detail: fmt.Sprintf("LMArena API returned an error: %s", upErr.Message),
			cause:  err,
		}
	}
	if errors.Is(err, arena.ErrEmptyResponse) {
		return &apiError{
			Status: http.StatusBadGateway,
			Detail: "LMArena API returned empty response. This could be due to: invalid auth token, expired cf_clearance, model unavailable, or API rate limiting.",
			cause:  err,
		}
	}
	if errors.Is(err, relay.ErrAgentUnavailable) {
		return &apiError{
			Status: http.StatusGatewayTimeout,
			Detail: "No upstream transport available: userscript agent did not respond.",
			cause:  err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &apiError{Status: http.StatusGatewayTimeout, Detail: "Request to LMArena API timed out", cause: err}
	}
	return errInternal(err)
}

// writeDetail emits the error body shape API clients expect.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func writeAPIError(w http.ResponseWriter, err error) {
	apiErr := toAPIError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		log.Error("request failed", "status", apiErr.Status, "err", err)
	} else {
		log.Warn("request rejected", "status", apiErr.Status, "detail", apiErr.Detail)
	}
	writeDetail(w, apiErr.Status, apiErr.Detail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
