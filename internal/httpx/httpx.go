// Package httpx holds the tiny JSON response helpers every service's HTTP
// surface shares, built on the uniform apperr.Kind → status mapping (spec
// §7).
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/basket/nodeforge/internal/apperr"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err through apperr.KindOf and writes the platform's
// uniform {"error": "..."} body at the corresponding HTTP status.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, apperr.HTTPStatus(apperr.KindOf(err)), map[string]string{"error": err.Error()})
}

func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.InvalidArgumentf("invalid request body: %v", err)
	}
	return nil
}
