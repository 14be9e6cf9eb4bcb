// Package http provides the admin HTTP API of the solrqueue daemon.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	sqerrors "github.com/solrqueue/solrqueue/internal/errors"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Category  string `json:"category,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RequestIDMiddleware propagates X-Request-ID or assigns a new one.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware writes one access log line per request.
func LoggingMiddleware(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  GetRequestID(r.Context()),
			}).Info("http: request")
		})
	}
}

// RecoveryMiddleware turns panics into 500 responses.
func RecoveryMiddleware(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					requestID := GetRequestID(r.Context())
					logger.WithFields(logrus.Fields{
						"panic":      p,
						"request_id": requestID,
						"stack":      string(debug.Stack()),
					}).Error("http: handler panicked")
					writeJSON(w, http.StatusInternalServerError, ErrorResponse{
						Error:     "internal server error",
						RequestID: requestID,
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestScopeMiddleware calls reset once the request is served, dropping
// state that must not outlive it.
func RequestScopeMiddleware(reset func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer reset()
			next.ServeHTTP(w, r)
		})
	}
}

// ChainMiddleware applies middlewares so that the first one is outermost.
func ChainMiddleware(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch sqerrors.GetCategory(err) {
	case sqerrors.ErrCategoryConfiguration:
		if sqerrors.GetCode(err) == sqerrors.CodeUnknownSite ||
			sqerrors.GetCode(err) == sqerrors.CodeUnknownIndexingConfiguration {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	case sqerrors.ErrCategoryValidation, sqerrors.ErrCategoryResolution:
		return http.StatusBadRequest
	case sqerrors.ErrCategoryTransport:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error(), RequestID: GetRequestID(r.Context())}
	if cat := sqerrors.GetCategory(err); cat != "" {
		resp.Category = string(cat)
		resp.Code = sqerrors.GetCode(err)
	}
	writeJSON(w, statusFor(err), resp)
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, RequestID: GetRequestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// GetRequestID returns the request id stored by RequestIDMiddleware.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
