// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes understood by RespondError. Handlers wrap domain errors with
// one of these via Classify to pick the status code.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
)

// Classify tags err with an error class.
func Classify(class, err error) error {
	return fmt.Errorf("%w: %w", class, err)
}

// RespondError maps classified errors to RFC7807 responses. Code becomes the
// problem type so clients can branch without parsing the detail.
func RespondError(w http.ResponseWriter, err error, code string) {
	typ := ""
	if code != "" {
		typ = "urn:odyssey-accounts:problem:" + code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", typ, err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", typ, err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", typ, err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", typ, "")
	}
}
