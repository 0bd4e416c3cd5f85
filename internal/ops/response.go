package ops

import (
	"encoding/json"
	"net/http"
)

// writeJSON marshals data and writes it with the given status. Marshal
// failures fall back to a bare 500 since the ops payloads carry no
// client-supplied data.
func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
