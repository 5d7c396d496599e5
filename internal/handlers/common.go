package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"duo-sync-backend/internal/docstore"
	"duo-sync-backend/internal/services"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

const maxJSONBody = 1 << 20

var validate = validator.New()

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message string, statusCode int) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// respondJSON sends v as a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// respondServiceError logs err and answers with the status it maps to
func respondServiceError(w http.ResponseWriter, err error, userID, msg string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("user_id", userID).Msg(msg)
	} else {
		log.Warn().Err(err).Str("user_id", userID).Msg(msg)
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	respondError(w, message, status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound), errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, services.ErrAlreadyPending), errors.Is(err, docstore.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, services.ErrCodeLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, services.ErrReplication), errors.Is(err, services.ErrReclamation):
		return http.StatusBadGateway
	case errors.Is(err, docstore.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decodeJSON reads and validates a request body. An empty body is allowed
// when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v)
	if err != nil && !(allowEmpty && errors.Is(err, io.EOF)) {
		return errors.New("invalid request body")
	}
	return validateStruct(v)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// queryInt parses a non-negative integer query parameter, capped at max when max > 0
func queryInt(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	if max > 0 && n > max {
		n = max
	}
	return n, nil
}
