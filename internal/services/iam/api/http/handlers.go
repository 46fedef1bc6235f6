package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/louisbranch/iam/internal/platform/errors"
	"github.com/louisbranch/iam/internal/platform/requestctx"
	"github.com/louisbranch/iam/internal/services/iam/grant"
	"github.com/louisbranch/iam/internal/services/iam/registration"
	"github.com/louisbranch/iam/internal/services/iam/session"
	"github.com/louisbranch/iam/internal/services/iam/storage"
	"github.com/louisbranch/iam/internal/services/iam/user"
	"go.uber.org/zap"
)

type registerStartRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type registerStartResponse struct {
	RegistrationID string          `json:"registration_id"`
	Options        json.RawMessage `json:"options"`
}

type registerFinishRequest struct {
	RegistrationID string          `json:"registration_id"`
	Email          string          `json:"email"`
	DisplayName    string          `json:"display_name"`
	Response       json.RawMessage `json:"response"`
}

type authStartRequest struct {
	Email string `json:"email"`
}

type authStartResponse struct {
	AuthenticationID string          `json:"authentication_id"`
	Options          json.RawMessage `json:"options"`
}

type authFinishRequest struct {
	AuthenticationID string          `json:"authentication_id"`
	Response         json.RawMessage `json:"response"`
}

type upgradeRequest struct {
	Target string `json:"target"`
}

type userResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type sessionResponse struct {
	Scope     string    `json:"scope"`
	Elevated  bool      `json:"elevated"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type passkeyResponse struct {
	CredentialID string     `json:"credential_id"`
	SignCount    uint32     `json:"sign_count"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

type signedInResponse struct {
	User    userResponse    `json:"user"`
	Session sessionResponse `json:"session"`
}

type sessionStateResponse struct {
	User    userResponse    `json:"user"`
	Tags    []string        `json:"tags"`
	Session sessionResponse `json:"session"`
}

type profileResponse struct {
	User     userResponse      `json:"user"`
	Tags     []string          `json:"tags"`
	Passkeys []passkeyResponse `json:"passkeys"`
}

type grantResponse struct {
	Grant     string    `json:"grant"`
	ExpiresAt time.Time `json:"expires_at"`
}

type configResponse struct {
	InstanceName   string `json:"instance_name"`
	RPID           string `json:"rp_id"`
	GrantsEnabled  bool   `json:"grants_enabled"`
	GrantPublicKey string `json:"grant_public_key,omitempty"`
}

// authenticated is the validated session a protected handler runs under.
type authenticated struct {
	token string
	view  session.View
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, auth authenticated)

func (s *Server) requireSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			s.writeError(w, r, errUnauthorized)
			return
		}
		view, err := s.deps.Sessions.Validate(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := requestctx.WithPrincipal(r.Context(), requestctx.Principal{
			UserID:      view.UserID,
			SessionHash: session.Fingerprint(view.IDHash),
			Elevated:    view.Elevated(),
		})
		next(w, r.WithContext(ctx), authenticated{token: token, view: view})
	}
}

func (s *Server) requireAdmin(next sessionHandler) http.HandlerFunc {
	return s.requireSession(func(w http.ResponseWriter, r *http.Request, auth authenticated) {
		if !auth.view.Elevated() {
			s.writeError(w, r, session.ErrForbidden)
			return
		}
		next(w, r, auth)
	})
}

func (s *Server) handleRegisterStart(w http.ResponseWriter, r *http.Request) {
	var req registerStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	started, err := s.deps.Registration.Start(r.Context(), req.Email, req.DisplayName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setCeremonyCookie(w, registrationCookie, registrationPath, started.PendingID, started.ExpiresAt)
	writeJSON(w, http.StatusOK, registerStartResponse{RegistrationID: started.PendingID, Options: started.Options})
}

func (s *Server) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var req registerFinishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pendingID := ceremonyID(r, req.RegistrationID, registrationCookie)
	s.clearCookie(w, registrationCookie, registrationPath, true)

	finished, err := s.deps.Registration.Finish(r.Context(), registration.FinishInput{
		PendingID:   pendingID,
		Response:    req.Response,
		Email:       req.Email,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setSessionCookies(w, finished.Session)
	writeJSON(w, http.StatusOK, signedInResponse{User: toUserResponse(finished.User), Session: toSessionResponse(finished.Session.View)})
}

func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	var req authStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	started, err := s.deps.Authentication.StartTargeted(r.Context(), req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setCeremonyCookie(w, authenticationCookie, authenticationPath, started.PendingID, started.ExpiresAt)
	writeJSON(w, http.StatusOK, authStartResponse{AuthenticationID: started.PendingID, Options: started.Options})
}

func (s *Server) handleDiscoverableStart(w http.ResponseWriter, r *http.Request) {
	started, err := s.deps.Authentication.StartDiscoverable(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setCeremonyCookie(w, authenticationCookie, authenticationPath, started.PendingID, started.ExpiresAt)
	writeJSON(w, http.StatusOK, authStartResponse{AuthenticationID: started.PendingID, Options: started.Options})
}

func (s *Server) handleAuthFinish(w http.ResponseWriter, r *http.Request) {
	var req authFinishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pendingID := ceremonyID(r, req.AuthenticationID, authenticationCookie)
	s.clearCookie(w, authenticationCookie, authenticationPath, true)

	finished, err := s.deps.Authentication.Finish(r.Context(), pendingID, req.Response)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setSessionCookies(w, finished.Session)
	writeJSON(w, http.StatusOK, signedInResponse{User: toUserResponse(finished.User), Session: toSessionResponse(finished.Session.View)})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, auth authenticated) {
	u, tags, err := s.loadUser(r, auth.view.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionStateResponse{User: toUserResponse(u), Tags: tagNames(tags), Session: toSessionResponse(auth.view)})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, auth authenticated) {
	var req upgradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Target != "" && req.Target != string(storage.ScopeAdmin) {
		s.writeError(w, r, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "unsupported elevation target", map[string]string{"Field": "target"}))
		return
	}
	issued, err := s.deps.Sessions.Elevate(r.Context(), auth.token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setSessionCookies(w, issued)
	writeJSON(w, http.StatusOK, map[string]sessionResponse{"session": toSessionResponse(issued.View)})
}

func (s *Server) handleDowngrade(w http.ResponseWriter, r *http.Request, auth authenticated) {
	issued, err := s.deps.Sessions.DeElevate(r.Context(), auth.token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setSessionCookies(w, issued)
	writeJSON(w, http.StatusOK, map[string]sessionResponse{"session": toSessionResponse(issued.View)})
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request, auth authenticated) {
	if s.deps.Grants == nil || !s.deps.Grants.Enabled() {
		s.writeError(w, r, grant.ErrDisabled)
		return
	}
	u, err := s.deps.Directory.GetUser(r.Context(), auth.view.UserID)
	if err != nil {
		s.writeError(w, r, lookupError(err))
		return
	}
	issued, err := s.deps.Grants.Issue(grant.Subject{
		UserID:    u.ID,
		Email:     u.Email,
		Scope:     string(auth.view.Scope),
		SessionID: session.Fingerprint(auth.view.IDHash),
		NotAfter:  auth.view.ExpiresAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grantResponse{Grant: issued.Token, ExpiresAt: issued.ExpiresAt})
}

// handleLogout always succeeds and clears the session cookies.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		if err := s.deps.Sessions.Logout(r.Context(), token); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.clearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, auth authenticated) {
	s.writeProfile(w, r, auth.view.UserID)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request, _ authenticated) {
	s.writeProfile(w, r, r.PathValue("id"))
}

func (s *Server) handleRevokeSessions(w http.ResponseWriter, r *http.Request, _ authenticated) {
	userID := r.PathValue("id")
	if _, err := s.deps.Directory.GetUser(r.Context(), userID); err != nil {
		s.writeError(w, r, lookupError(err))
		return
	}
	count, err := s.deps.Sessions.RevokeUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("sessions revoked",
		zap.String("user_id", userID),
		zap.String("admin_id", requestctx.UserIDFromContext(r.Context())),
		zap.Int64("count", count),
	)
	writeJSON(w, http.StatusOK, map[string]int64{"revoked": count})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	resp := configResponse{InstanceName: s.cfg.InstanceName, RPID: s.cfg.RPID}
	if s.deps.Grants != nil && s.deps.Grants.Enabled() {
		resp.GrantsEnabled = true
		resp.GrantPublicKey = s.deps.Grants.PublicKey()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeProfile(w http.ResponseWriter, r *http.Request, userID string) {
	u, tags, err := s.loadUser(r, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	passkeys, err := s.deps.Directory.ListPasskeys(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := profileResponse{User: toUserResponse(u), Tags: tagNames(tags), Passkeys: make([]passkeyResponse, 0, len(passkeys))}
	for _, record := range passkeys {
		resp.Passkeys = append(resp.Passkeys, passkeyResponse{
			CredentialID: record.CredentialID,
			SignCount:    record.SignCount,
			CreatedAt:    record.CreatedAt,
			LastUsedAt:   record.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loadUser(r *http.Request, userID string) (user.User, []user.Tag, error) {
	u, err := s.deps.Directory.GetUser(r.Context(), userID)
	if err != nil {
		return user.User{}, nil, lookupError(err)
	}
	tags, err := s.deps.Directory.ListUserTags(r.Context(), userID)
	if err != nil {
		return user.User{}, nil, err
	}
	return u, tags, nil
}

func lookupError(err error) error {
	if apperrors.HasCode(err, apperrors.CodeNotFound) {
		return apperrors.New(apperrors.CodeUserNotFound, "user not found")
	}
	return err
}

func toUserResponse(u user.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName, CreatedAt: u.CreatedAt}
}

func toSessionResponse(view session.View) sessionResponse {
	return sessionResponse{
		Scope:     string(view.Scope),
		Elevated:  view.Elevated(),
		CreatedAt: view.CreatedAt,
		ExpiresAt: view.ExpiresAt,
	}
}

func tagNames(tags []user.Tag) []string {
	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		names = append(names, tag.Name)
	}
	return names
}
