package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/job"
)

var codes = map[error]int{
	internal.ErrResourceNotFound:      http.StatusNotFound,
	internal.ErrAccessNotPermitted:    http.StatusForbidden,
	internal.ErrUnauthorized:          http.StatusUnauthorized,
	internal.ErrResourceAlreadyExists: http.StatusConflict,
	internal.ErrConflict:              http.StatusConflict,
	job.ErrStateMismatch:              http.StatusConflict,
	internal.ErrInvalidArgument:       http.StatusUnprocessableEntity,
}

// errorResponse is the body of an error response.
type errorResponse struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// lookupHTTPCode maps a domain error to a http status code
func lookupHTTPCode(err error) int {
	for domainError, code := range codes {
		if errors.Is(err, domainError) {
			return code
		}
	}
	return http.StatusInternalServerError
}

// Error writes an HTTP response with a JSON encoded error.
func Error(w http.ResponseWriter, err error) {
	code := lookupHTTPCode(err)
	b, _ := json.Marshal(errorResponse{
		Status: code,
		Title:  http.StatusText(code),
		Detail: err.Error(),
	})
	w.Header().Set("Content-type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

// Respond writes v as a JSON response with the given status code.
func Respond(w http.ResponseWriter, v any, status int) {
	b, err := json.Marshal(v)
	if err != nil {
		Error(w, err)
		return
	}
	w.Header().Set("Content-type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
