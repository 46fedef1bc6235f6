package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/louisbranch/iam/internal/platform/logging"
	"github.com/louisbranch/iam/internal/services/iam/authentication"
	"github.com/louisbranch/iam/internal/services/iam/grant"
	"github.com/louisbranch/iam/internal/services/iam/registration"
	"github.com/louisbranch/iam/internal/services/iam/session"
	"github.com/louisbranch/iam/internal/services/iam/storage"
	"github.com/louisbranch/iam/internal/services/iam/user"
	"go.uber.org/zap"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 8 << 10

// Config controls presentation and cookie attributes.
type Config struct {
	InstanceName  string `env:"IAM_INSTANCE_NAME"  envDefault:"IAM"`
	SecureCookies bool   `env:"IAM_SECURE_COOKIES" envDefault:"true"`
	// RPID is copied from the passkey configuration for /config.
	RPID string
}

// Registration starts and finishes registration ceremonies.
type Registration interface {
	Start(ctx context.Context, email, displayName string) (registration.Started, error)
	Finish(ctx context.Context, input registration.FinishInput) (registration.Finished, error)
}

// Authentication starts and finishes sign-in ceremonies.
type Authentication interface {
	StartTargeted(ctx context.Context, email string) (authentication.Started, error)
	StartDiscoverable(ctx context.Context) (authentication.Started, error)
	Finish(ctx context.Context, pendingID string, response []byte) (authentication.Finished, error)
}

// Sessions validates and transitions sessions.
type Sessions interface {
	Validate(ctx context.Context, token string) (session.View, error)
	Elevate(ctx context.Context, token string) (session.Issued, error)
	DeElevate(ctx context.Context, token string) (session.Issued, error)
	Logout(ctx context.Context, token string) error
	RevokeUser(ctx context.Context, userID string) (int64, error)
}

// Directory reads users and what is attached to them.
type Directory interface {
	GetUser(ctx context.Context, userID string) (user.User, error)
	ListUserTags(ctx context.Context, userID string) ([]user.Tag, error)
	ListPasskeys(ctx context.Context, userID string) ([]storage.Passkey, error)
}

// Grants signs session grants.
type Grants interface {
	Enabled() bool
	PublicKey() string
	Issue(subject grant.Subject) (grant.Grant, error)
}

// Dependencies are the services behind the API.
type Dependencies struct {
	Registration   Registration
	Authentication Authentication
	Sessions       Sessions
	Directory      Directory
	Grants         Grants
}

// Server routes HTTP requests to the IAM services.
type Server struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
	now    func() time.Time
}

// NewServer builds the API server.
func NewServer(cfg Config, deps Dependencies, logger *zap.Logger) *Server {
	if cfg.InstanceName == "" {
		cfg.InstanceName = "IAM"
	}
	return &Server{cfg: cfg, deps: deps, logger: logging.OrNop(logger), now: time.Now}
}

// RegisterRoutes registers API endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	handle(mux, "POST /api/v1/register/start", s.handleRegisterStart)
	handle(mux, "POST /api/v1/register/finish", s.handleRegisterFinish)
	handle(mux, "POST /api/v1/auth/start", s.handleAuthStart)
	handle(mux, "POST /api/v1/auth/finish", s.handleAuthFinish)
	handle(mux, "POST /api/v1/auth/discoverable/start", s.handleDiscoverableStart)
	handle(mux, "POST /api/v1/auth/discoverable/finish", s.handleAuthFinish)
	handle(mux, "GET /api/v1/auth/session", s.requireSession(s.handleSession))
	handle(mux, "POST /api/v1/auth/upgrade", s.requireSession(s.handleUpgrade))
	handle(mux, "POST /api/v1/auth/downgrade", s.requireSession(s.handleDowngrade))
	handle(mux, "POST /api/v1/auth/grant", s.requireSession(s.handleGrant))
	handle(mux, "POST /api/v1/logout", s.handleLogout)
	handle(mux, "GET /api/v1/users/me", s.requireSession(s.handleMe))
	handle(mux, "GET /api/v1/users/{id}", s.requireAdmin(s.handleUser))
	handle(mux, "POST /api/v1/users/{id}/sessions/revoke", s.requireAdmin(s.handleRevokeSessions))
	handle(mux, "GET /api/v1/config", s.handleConfig)
	handle(mux, "GET /health", s.handleHealth)
}

func handle(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	mux.HandleFunc(pattern, routeTag(pattern, handler))
}

// Handler returns the routed API wrapped in tracing, logging and security
// header middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return tracingMiddleware(loggingMiddleware(s.logger)(securityHeadersMiddleware(s.cfg.SecureCookies)(mux)))
}
