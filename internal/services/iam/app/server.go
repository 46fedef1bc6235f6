package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/iam/internal/platform/logging"
	"github.com/louisbranch/iam/internal/platform/timeouts"
	httpapi "github.com/louisbranch/iam/internal/services/iam/api/http"
	"github.com/louisbranch/iam/internal/services/iam/audit"
	"github.com/louisbranch/iam/internal/services/iam/authentication"
	"github.com/louisbranch/iam/internal/services/iam/grant"
	"github.com/louisbranch/iam/internal/services/iam/passkey"
	"github.com/louisbranch/iam/internal/services/iam/registration"
	"github.com/louisbranch/iam/internal/services/iam/session"
	"github.com/louisbranch/iam/internal/services/iam/storage"
	redisstore "github.com/louisbranch/iam/internal/services/iam/storage/redis"
	"github.com/louisbranch/iam/internal/services/iam/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Config is the complete service configuration.
type Config struct {
	HTTPAddr string `env:"IAM_HTTP_ADDR" envDefault:"localhost:8080"`
	// GRPCHealthAddr enables a gRPC health endpoint when set.
	GRPCHealthAddr       string        `env:"IAM_GRPC_HEALTH_ADDR"`
	DBPath               string        `env:"IAM_DB_PATH"`
	CleanupInterval      time.Duration `env:"IAM_CLEANUP_INTERVAL"        envDefault:"5m"`
	BootstrapAdminEmails []string      `env:"IAM_BOOTSTRAP_ADMIN_EMAILS" envSeparator:","`

	Passkey passkey.Config
	Session session.Config
	Grant   grant.Config
	Audit   audit.Config
	Redis   redisstore.Config
	HTTP    httpapi.Config
}

// Server hosts the IAM HTTP API and its background maintenance.
type Server struct {
	cfg    Config
	logger *zap.Logger

	store      *sqlite.Store
	redis      *redisstore.Store
	ceremonies storage.CeremonyStore
	publisher  audit.Publisher
	authority  *session.Authority

	httpListener net.Listener
	httpServer   *http.Server
	grpcListener net.Listener
	grpcServer   *grpc.Server
	health       *health.Server
}

// New opens storage, builds the services and binds listeners.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger = logging.OrNop(logger)
	if err := cfg.Passkey.Validate(); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, logger: logger}
	if err := s.open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) open(ctx context.Context) error {
	store, err := openStore(ctx, s.cfg.DBPath)
	if err != nil {
		return err
	}
	s.store = store
	s.ceremonies = store
	if strings.TrimSpace(s.cfg.Redis.Addr) != "" {
		redis, err := redisstore.Open(ctx, s.cfg.Redis)
		if err != nil {
			return fmt.Errorf("open redis ceremony store: %w", err)
		}
		s.redis = redis
		s.ceremonies = redis
		s.logger.Info("using redis ceremony store", zap.String("addr", s.cfg.Redis.Addr))
	}

	if err := bootstrapAdmins(ctx, store, s.cfg.BootstrapAdminEmails, time.Now(), s.logger); err != nil {
		return err
	}

	adapter, err := passkey.New(s.cfg.Passkey)
	if err != nil {
		return err
	}
	grants, err := grant.NewIssuer(s.cfg.Grant, nil)
	if err != nil {
		return err
	}
	if !grants.Enabled() {
		s.logger.Info("session grants disabled")
	}

	s.publisher = audit.NewPublisher(s.cfg.Audit, s.logger)
	recorder := audit.NewRecorder(s.publisher, s.logger)
	s.authority = session.NewAuthority(store, store, s.cfg.Session,
		session.WithAudit(recorder),
		session.WithLogger(s.logger),
	)
	registrations := registration.NewManager(store, s.ceremonies, adapter, s.authority,
		registration.WithCeremonyTTL(s.cfg.Passkey.CeremonyTTL),
		registration.WithAudit(recorder),
		registration.WithLogger(s.logger),
	)
	authentications := authentication.NewManager(store, store, s.ceremonies, adapter, s.authority,
		authentication.WithCeremonyTTL(s.cfg.Passkey.CeremonyTTL),
		authentication.WithAudit(recorder),
		authentication.WithLogger(s.logger),
	)

	httpCfg := s.cfg.HTTP
	httpCfg.RPID = s.cfg.Passkey.RPID
	api := httpapi.NewServer(httpCfg, httpapi.Dependencies{
		Registration:   registrations,
		Authentication: authentications,
		Sessions:       s.authority,
		Directory:      store,
		Grants:         grants,
	}, s.logger)

	s.httpListener, err = net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on http addr %s: %w", s.cfg.HTTPAddr, err)
	}
	s.httpServer = &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	if addr := strings.TrimSpace(s.cfg.GRPCHealthAddr); addr != "" {
		s.grpcListener, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on grpc health addr %s: %w", addr, err)
		}
		s.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		s.health = health.NewServer()
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
		s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		s.health.SetServingStatus("iam", grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return nil
}

// Addr returns the HTTP listener address.
func (s *Server) Addr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// HealthAddr returns the gRPC health listener address, if any.
func (s *Server) HealthAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Run creates and serves the IAM service until ctx ends.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	server, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve runs the listeners and the cleanup loop until ctx ends or a listener
// fails, then shuts everything down.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.Close()

	s.startCleanup(serverCtx, s.cfg.CleanupInterval)

	s.logger.Info("iam HTTP server listening", zap.String("addr", s.Addr()))
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- s.httpServer.Serve(s.httpListener)
	}()

	grpcErr := make(chan error, 1)
	if s.grpcServer != nil {
		s.logger.Info("iam gRPC health listening", zap.String("addr", s.HealthAddr()))
		go func() {
			grpcErr <- s.grpcServer.Serve(s.grpcListener)
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve HTTP: %w", err)
		}
	case err := <-grpcErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr = fmt.Errorf("serve gRPC: %w", err)
		}
	}

	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("shutdown HTTP: %w", err)
	}
	return serveErr
}

// Close releases listeners and stores. It is safe to call more than once.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	} else if s.grpcListener != nil {
		_ = s.grpcListener.Close()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	} else if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Warn("close audit publisher", zap.Error(err))
		}
		s.publisher = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("close redis", zap.Error(err))
		}
		s.redis = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("close sqlite store", zap.Error(err))
		}
		s.store = nil
	}
}

func openStore(ctx context.Context, path string) (*sqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "iam.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open iam sqlite store: %w", err)
	}
	return store, nil
}
