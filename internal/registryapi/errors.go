package registryapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/markus-barta/nmosmocks/internal/auth"
	"github.com/markus-barta/nmosmocks/internal/registry"
)

// errorBody is the NMOS error response.
type errorBody struct {
	Code  int     `json:"code"`
	Error string  `json:"error"`
	Debug *string `json:"debug"`
}

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrOwnershipConflict), errors.Is(err, registry.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, registry.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrForbidden):
		return auth.StatusCode(err)
	}
	return http.StatusInternalServerError
}

// WriteError writes err as an NMOS error body.
func WriteError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := http.StatusText(code)
	debug := err.Error()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Error: msg, Debug: &debug})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
