// Package handler holds the shared HTTP response plumbing for the JSON API
// and webhook endpoints.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/billfold/billfold/internal/domain"
)

// JSON writes v as the response body with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// errorBody is the JSON envelope for error responses.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusFromCode maps a domain error code to an HTTP status.
func StatusFromCode(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest
	case domain.EUNAUTHORIZED:
		return http.StatusUnauthorized
	case domain.EPAYMENT:
		return http.StatusPaymentRequired
	case domain.EFORBIDDEN:
		return http.StatusForbidden
	case domain.ENOTFOUND:
		return http.StatusNotFound
	case domain.ECONFLICT:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// ErrorResponse writes err as a JSON error body. Internal errors are logged
// with their underlying cause and reported to the client with a generic
// message; expected errors log at debug.
func ErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	ErrorResponseStatus(w, r, logger, err, StatusFromCode(domain.ErrorCode(err)))
}

// ErrorResponseStatus writes err like ErrorResponse but with an explicit
// status, for callers whose retry semantics diverge from the code mapping.
func ErrorResponseStatus(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, status int) {
	code := domain.ErrorCode(err)

	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("op", domain.ErrorOp(err)),
			slog.String("error", err.Error()),
		)
	} else {
		logger.Debug("request rejected",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	}

	JSON(w, status, errorBody{Error: errorDetail{
		Code:    code,
		Message: domain.ErrorMessage(err),
	}})
}
