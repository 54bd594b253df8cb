package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/grokipedia-api/internal/access"
	"github.com/JakeFAU/grokipedia-api/internal/apikey"
	"github.com/JakeFAU/grokipedia-api/internal/article"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps an error to its HTTP status and stable code.
func statusFor(err error) (int, string) {
	code := article.KindOf(err)
	switch {
	case errors.Is(err, access.ErrMissingCredential):
		return http.StatusUnauthorized, code
	case errors.Is(err, apikey.ErrKeyNotFound):
		return http.StatusNotFound, "key_not_found"
	case errors.Is(err, apikey.ErrInvalidQuota):
		return http.StatusBadRequest, "invalid_quota"
	case code == "internal" && errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	switch code {
	case "invalid_credential":
		return http.StatusForbidden, code
	case "quota_exceeded":
		return http.StatusTooManyRequests, code
	case "not_found", "section_not_found":
		return http.StatusNotFound, code
	case "invalid_slug":
		return http.StatusBadRequest, code
	case "timeout":
		return http.StatusGatewayTimeout, code
	case "unreachable", "upstream_status", "parse_error":
		return http.StatusBadGateway, code
	default:
		return http.StatusInternalServerError, code
	}
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}
