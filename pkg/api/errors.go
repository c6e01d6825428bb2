package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openfroyo/pkgdeck/pkg/engine"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error *engine.EngineError `json:"error"`
}

// statusFor maps an error class to an HTTP status.
func statusFor(err error) int {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		if engine.IsCancelled(err) {
			return http.StatusRequestTimeout
		}
		return http.StatusInternalServerError
	}

	switch ee.Class {
	case engine.ErrorClassInvalid:
		return http.StatusBadRequest
	case engine.ErrorClassJobNotFound:
		return http.StatusNotFound
	case engine.ErrorClassConflict:
		return http.StatusConflict
	case engine.ErrorClassUnsupported:
		return http.StatusUnprocessableEntity
	case engine.ErrorClassManagerUnavailable:
		if ee.Code == engine.ErrCodeUnknownManager {
			return http.StatusNotFound
		}
		return http.StatusServiceUnavailable
	case engine.ErrorClassCommandTimeout:
		return http.StatusGatewayTimeout
	case engine.ErrorClassCommandFailed, engine.ErrorClassDecode:
		return http.StatusBadGateway
	case engine.ErrorClassCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// asEngineError classifies err for the response body. Unclassified errors
// keep their message under the internal error code.
func asEngineError(err error) *engine.EngineError {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}
	class := engine.ClassOf(err)
	if class == "" {
		class = "internal"
	}
	return &engine.EngineError{
		Class:   class,
		Message: err.Error(),
		Code:    engine.ErrCodeInternal,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	ee := asEngineError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	} else {
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request rejected")
	}
	writeJSON(w, status, errorResponse{Error: ee})
}
