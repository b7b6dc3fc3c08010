package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/visage/gateway/metrics"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeWindowError maps the three distinct window-input failures to
// machine-readable codes so a caller can correct the request.
func writeWindowError(w http.ResponseWriter, err error) {
	code := ""
	switch {
	case errors.Is(err, metrics.ErrPartialWindow):
		code = "partial_window"
	case errors.Is(err, metrics.ErrInvertedWindow):
		code = "inverted_window"
	case errors.Is(err, metrics.ErrBadTimestamp):
		code = "bad_timestamp"
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: code})
}
