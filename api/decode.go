package api

import (
	"encoding/json"
	"net/http"
)

// maxBodySize bounds every JSON request body.
const maxBodySize = 64 << 10

// decodeJSON reads and decodes the request body into T. On failure it
// writes the error response and returns ok=false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}
