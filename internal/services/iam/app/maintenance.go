package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/iam/internal/platform/timeouts"
	"github.com/louisbranch/iam/internal/services/iam/storage"
	"github.com/louisbranch/iam/internal/services/iam/user"
	"go.uber.org/zap"
)

// startCleanup periodically reclaims expired ceremonies and sessions past
// retention. Expiry is enforced at read time, so a missed run only delays
// reclamation.
func (s *Server) startCleanup(ctx context.Context, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup(ctx, time.Now().UTC())
			}
		}
	}()
}

func (s *Server) cleanup(ctx context.Context, now time.Time) {
	opCtx, cancel := context.WithTimeout(ctx, timeouts.StoreOperation)
	defer cancel()

	ceremonies, err := s.ceremonies.DeleteExpiredCeremonies(opCtx, now)
	if err != nil {
		s.logger.Warn("delete expired ceremonies", zap.Error(err))
	}
	sessions, err := s.authority.Sweep(opCtx, now)
	if err != nil {
		s.logger.Warn("sweep sessions", zap.Error(err))
	}
	if ceremonies > 0 || sessions > 0 {
		s.logger.Debug("cleanup finished",
			zap.Int64("ceremonies", ceremonies),
			zap.Int64("sessions", sessions),
		)
	}
}

type adminBootstrapStore interface {
	storage.TagStore
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
}

// bootstrapAdmins ensures the admin tag exists and grants it to the listed
// users. Emails without a user yet are skipped and picked up on a later start.
func bootstrapAdmins(ctx context.Context, store adminBootstrapStore, emails []string, now time.Time, logger *zap.Logger) error {
	tag, err := store.EnsureTag(ctx, user.AdminTag, now)
	if err != nil {
		return fmt.Errorf("ensure admin tag: %w", err)
	}
	for _, raw := range emails {
		if raw == "" {
			continue
		}
		email, err := user.NormalizeEmail(raw)
		if err != nil {
			return fmt.Errorf("bootstrap admin email %q: %w", raw, err)
		}
		u, err := store.GetUserByEmail(ctx, email)
		if errors.Is(err, storage.ErrNotFound) {
			logger.Info("bootstrap admin not registered yet", zap.String("email", email))
			continue
		}
		if err != nil {
			return fmt.Errorf("look up bootstrap admin: %w", err)
		}
		if err := store.AddUserTag(ctx, u.ID, tag.ID, now); err != nil {
			return fmt.Errorf("grant admin tag: %w", err)
		}
		logger.Info("bootstrap admin granted", zap.String("user_id", u.ID))
	}
	return nil
}
