package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
)

type errorEnvelope struct {
	Error *domain.APIError `json:"error"`
}

// WriteJSON writes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes err as {"error": {...}}. Errors that are not
// *domain.APIError become server errors.
func WriteError(w http.ResponseWriter, err error) {
	apiErr := domain.AsAPIError(err)
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(apiErr.RetryAfter.Seconds()))))
	}
	WriteJSON(w, apiErr.HTTPStatusCode(), errorEnvelope{Error: apiErr})
}
