package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/iam/internal/services/iam/session"
)

const (
	sessionCookie        = "session_id"
	adminMarkerCookie    = "session_is_admin"
	registrationCookie   = "registration_id"
	authenticationCookie = "authentication_id"

	registrationPath   = "/api/v1/register"
	authenticationPath = "/api/v1/auth"
)

func (s *Server) setCeremonyCookie(w http.ResponseWriter, name, path, value string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

// setSessionCookies stores the bearer token and the scope marker. The marker
// is readable by scripts so the UI can reflect the scope.
func (s *Server) setSessionCookies(w http.ResponseWriter, issued session.Issued) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    issued.Token,
		Path:     "/",
		Expires:  issued.View.ExpiresAt,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     adminMarkerCookie,
		Value:    strconv.FormatBool(issued.View.Elevated()),
		Path:     "/",
		Expires:  issued.View.ExpiresAt,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearCookie(w http.ResponseWriter, name, path string, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: httpOnly,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearSessionCookies(w http.ResponseWriter) {
	s.clearCookie(w, sessionCookie, "/", true)
	s.clearCookie(w, adminMarkerCookie, "/", false)
}

// sessionToken reads the bearer token from the Authorization header, falling
// back to the session cookie.
func sessionToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// ceremonyID prefers the id sent in the body over the cookie.
func ceremonyID(r *http.Request, fromBody, cookieName string) string {
	if id := strings.TrimSpace(fromBody); id != "" {
		return id
	}
	if cookie, err := r.Cookie(cookieName); err == nil {
		return cookie.Value
	}
	return ""
}
