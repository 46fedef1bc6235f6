package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/louisbranch/iam/internal/platform/errors"
	"github.com/louisbranch/iam/internal/platform/errors/i18n"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

var (
	errBodyTooLarge = apperrors.WithMetadata(apperrors.CodeInvalidArgument, "request body too large", map[string]string{"Field": "body"})
	errMalformed    = apperrors.WithMetadata(apperrors.CodeInvalidArgument, "request body is not valid JSON", map[string]string{"Field": "body"})
	errUnauthorized = apperrors.New(apperrors.CodeUnauthenticated, "session token is missing")
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err as {"error", "message"}. Only domain errors reach the
// client; anything else is logged and reported as INTERNAL.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeInternal
	var metadata map[string]string
	if domainErr, ok := apperrors.As(err); ok {
		code = domainErr.Code
		metadata = domainErr.Metadata
	}
	status := code.HTTPStatus()
	if err == errBodyTooLarge {
		status = http.StatusRequestEntityTooLarge
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		code = apperrors.CodeInternal
		metadata = nil
	}

	catalog := i18n.GetCatalog(requestLocale(r))
	writeJSON(w, status, errorResponse{
		Error:   string(code),
		Message: catalog.Format(string(code), metadata),
	})
}

// requestLocale picks the caller's preferred locale from Accept-Language.
func requestLocale(r *http.Request) string {
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return i18n.BaseLocale
	}
	return tags[0].String()
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return errMalformed
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errMalformed
	}
	return nil
}
