package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
	"github.com/vaebz/magic-mcp/internal/pkg/security"
)

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; nothing useful to do with an encode error.
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, security.MaxMessageSize+1))
	if err != nil {
		return apperrors.InvalidRequestError("failed to read request body")
	}
	if len(body) > security.MaxMessageSize {
		return apperrors.InvalidRequestError("request body too large")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr):
			return apperrors.InvalidRequestError("malformed JSON body")
		case errors.As(err, &typeErr):
			return apperrors.InvalidRequestError("invalid value for " + typeErr.Field)
		default:
			return apperrors.InvalidRequestError("invalid JSON body")
		}
	}
	return nil
}

// healthResponse is the body of /healthz and /readyz.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}
