// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the REST and streaming surface of the job pipeline and keeps a
// clear separation between HTTP concerns and the admission logic in usecase.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	var insufficient *domain.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		code = http.StatusPaymentRequired
		codeStr = "INSUFFICIENT_CREDITS"
		if details == nil {
			details = map[string]int{
				"required_credits":  insufficient.Required,
				"available_credits": insufficient.Available,
			}
		}
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrForbidden):
		code = http.StatusForbidden
		codeStr = "FORBIDDEN"
	case errors.Is(err, domain.ErrNoPosts):
		code = http.StatusNotFound
		codeStr = "NO_POSTS_FOUND"
	case errors.Is(err, domain.ErrNoPainPoints):
		code = http.StatusNotFound
		codeStr = "NO_PAIN_POINTS"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrInsufficientCredits):
		code = http.StatusPaymentRequired
		codeStr = "INSUFFICIENT_CREDITS"
	case errors.Is(err, domain.ErrCredentialsUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "CREDENTIALS_UNAVAILABLE"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_TIMEOUT"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
