package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/klint-ai/klint-gpt/internal/llm"
	"github.com/klint-ai/klint-gpt/internal/service"
	"github.com/klint-ai/klint-gpt/internal/store"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

// retryAfterSeconds is advertised when every slot of a family is busy.
const retryAfterSeconds = 60

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON decodes a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v)
}

// statusFor maps a service error to an HTTP status and client message.
// Exhausted capacity means "try again later"; a permanent provider error
// means the request was rejected upstream.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, service.ErrInvalid):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, llm.ErrUnknownFamily):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, llm.ErrExhaustedCapacity):
		return http.StatusServiceUnavailable, "all model deployments are busy, try again later"
	case errors.Is(err, llm.ErrImageGenerationDisabled):
		return http.StatusNotImplemented, err.Error()
	case errors.Is(err, llm.ErrPermanent):
		return http.StatusBadGateway, "request rejected by the model provider"
	case errors.Is(err, llm.ErrTransient):
		return http.StatusServiceUnavailable, "model provider unavailable, try again later"
	case errors.Is(err, llm.ErrConfiguration):
		return http.StatusInternalServerError, "model is not configured"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeServiceError writes the response for err and logs server-side failures.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, msg string, err error) {
	status, message := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status >= 500 {
		log.Error(msg, zap.Int("status", status), zap.Error(err))
	} else {
		log.Debug(msg, zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, message)
}
