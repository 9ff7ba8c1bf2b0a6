package handler

import (
	"encoding/json"
	"net/http"

	"github.com/promptforge-ai/codegen-platform/internal/apperr"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a classified error as a JSON response.
func writeError(w http.ResponseWriter, err error, expose bool) {
	body := apperr.ToBody(err, expose)
	writeJSON(w, apperr.HTTPStatus(apperr.Kind(body.Error)), body)
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("invalid request body")
	}
	return nil
}
