package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/auth"
	"github.com/ekaya-inc/ekaya-connect/pkg/logging"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// writeServiceError maps a service error to its status code and writes the
// {error, message} body. Internal errors are logged and never described.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	status := apperrors.HTTPStatus(err)
	kind := apperrors.KindOf(err)
	if status >= http.StatusInternalServerError && kind != apperrors.KindTimeout {
		logger.Error(msg, append(fields, zap.String("error", logging.SanitizeError(err)))...)
	} else {
		logger.Debug(msg, append(fields,
			zap.String("kind", string(kind)),
			zap.String("error", logging.SanitizeError(err)))...)
	}
	if werr := ErrorResponse(w, status, string(kind), apperrors.PublicMessage(err)); werr != nil {
		logger.Error("Failed to write error response", zap.Error(werr))
	}
}

// writeResponse writes data with status 200, logging encoding failures.
func writeResponse(w http.ResponseWriter, logger *zap.Logger, data any) {
	if err := WriteJSON(w, http.StatusOK, data); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}

// decodeJSON reads a bounded JSON body into v. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperrors.Validation("request body exceeds %d bytes", maxErr.Limit)
		}
		if errors.Is(err, io.EOF) {
			return apperrors.Validation("request body is required")
		}
		return apperrors.Validation("invalid request body: %s", err.Error())
	}
	if dec.More() {
		return apperrors.Validation("request body must be a single JSON object")
	}
	return nil
}

// requireActor returns the authenticated caller, writing a 401 when the
// request carries none.
func requireActor(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (models.Actor, bool) {
	actor, err := auth.ActorFromContext(r.Context())
	if err != nil {
		writeServiceError(w, logger, apperrors.Unauthorized("authentication required"), "Missing actor",
			zap.String("path", r.URL.Path))
		return models.Actor{}, false
	}
	return actor, true
}

// resultStatus is the status a connector result is returned with: an
// upstream HTTP failure is passed through, everything else is 200.
func resultStatus(upstream int) int {
	if upstream >= 400 && upstream <= 599 {
		return upstream
	}
	return http.StatusOK
}
