package httpapi

import (
	"encoding/json"
	"net/http"

	"agrispare-be/internal/logger"
	"agrispare-be/internal/quote"

	"go.uber.org/zap"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, code int, kind, message string) {
	respondWithJSON(w, code, errorResponse{Error: kind, Message: message})
}

// statusFor maps a quote error kind to its HTTP status.
func statusFor(kind string) int {
	switch kind {
	case "unauthenticated":
		return http.StatusUnauthorized
	case "not_found":
		return http.StatusNotFound
	case "transition_denied", "resync_required":
		return http.StatusConflict
	case "validation_failed":
		return http.StatusUnprocessableEntity
	case "storage_failure":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := quote.Kind(err)
	code := statusFor(kind)
	if code >= http.StatusInternalServerError {
		logger.FromCtx(r.Context()).Error("request failed",
			zap.String("layer", "httpapi"),
			zap.String("path", r.URL.Path),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
	respondWithError(w, code, kind, quote.PublicMessage(err))
}
