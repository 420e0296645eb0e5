// Package accounts is the admin user console: listing profiles, suspension,
// promotion and removal.
package accounts

import (
	"context"

	"go.uber.org/zap"

	"careconnect-backend/pkg/access"
	"careconnect-backend/pkg/database"
	"careconnect-backend/pkg/models"
)

const (
	msgLoadFailed    = "Failed to load users"
	msgDeleted       = "User deleted"
	msgDeleteFailed  = "Failed to delete user"
	msgSuspended     = "User suspended"
	msgReinstated    = "User reinstated"
	msgSuspendFailed = "Failed to update user"
	msgPromoted      = "User promoted to admin"
	msgPromoteFailed = "Failed to promote user"
)

// AccountRemover deletes the auth account behind a profile. Only backends
// that own their accounts (the local directory) provide one.
type AccountRemover interface {
	DeleteAccount(userID string) error
}

// Service 管理员用户管理
type Service struct {
	db      database.DatabaseInterface
	remover AccountRemover
	logger  *zap.Logger
}

// NewService builds the console. remover may be nil, in which case deleting a
// user removes only the profile row.
func NewService(db database.DatabaseInterface, remover AccountRemover, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, remover: remover, logger: logger.Named("accounts")}
}

// List returns every profile, newest first.
func (s *Service) List(ctx context.Context, a access.Actor) ([]models.Profile, error) {
	return s.list(ctx, a, models.ProfileFilter{})
}

// Volunteers returns the profiles a donation can be assigned to.
func (s *Service) Volunteers(ctx context.Context, a access.Actor) ([]models.Profile, error) {
	return s.list(ctx, a, models.ProfileFilter{Role: models.RoleVolunteer})
}

func (s *Service) list(ctx context.Context, a access.Actor, f models.ProfileFilter) ([]models.Profile, error) {
	if err := access.Require(a, models.RoleAdmin); err != nil {
		return nil, access.Fail(s.logger, a, "list profiles", msgLoadFailed, err)
	}
	profiles, err := s.db.ListProfiles(ctx, f)
	if err != nil {
		return nil, access.Fail(s.logger, a, "list profiles", msgLoadFailed, err)
	}
	return profiles, nil
}

// target loads a profile other than the acting admin's own.
func (s *Service) target(ctx context.Context, a access.Actor, id string) (*models.Profile, error) {
	if id == "" {
		return nil, models.NewValidationError("user id is required")
	}
	if id == a.Profile.ID {
		return nil, models.NewValidationError("You cannot change your own account here")
	}
	p, err := s.db.FindProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, models.NewNotFoundError("profile", id)
	}
	return p, nil
}

// Delete removes the user's profile (their donations go with it) and, when a
// remover is configured, the auth account.
func (s *Service) Delete(ctx context.Context, a access.Actor, id string) error {
	if err := access.Require(a, models.RoleAdmin); err != nil {
		return access.Fail(s.logger, a, "delete user", msgDeleteFailed, err)
	}
	if _, err := s.target(ctx, a, id); err != nil {
		return access.Fail(s.logger, a, "delete user", msgDeleteFailed, err)
	}
	if err := s.db.DeleteProfile(ctx, id); err != nil {
		return access.Fail(s.logger, a, "delete user", msgDeleteFailed, err)
	}
	if s.remover != nil {
		if err := s.remover.DeleteAccount(id); err != nil {
			s.logger.Warn("profile deleted but auth account removal failed", zap.String("user", id), zap.Error(err))
		}
	}
	s.logger.Info("user deleted", zap.String("user", id), zap.String("admin", a.Profile.ID))
	a.Notify().Success(msgDeleted)
	return nil
}

// ToggleSuspend flips the suspended flag and returns the updated profile.
func (s *Service) ToggleSuspend(ctx context.Context, a access.Actor, id string) (*models.Profile, error) {
	if err := access.Require(a, models.RoleAdmin); err != nil {
		return nil, access.Fail(s.logger, a, "suspend user", msgSuspendFailed, err)
	}
	p, err := s.target(ctx, a, id)
	if err != nil {
		return nil, access.Fail(s.logger, a, "suspend user", msgSuspendFailed, err)
	}
	suspended := !p.Suspended
	updated, err := s.db.UpdateProfile(ctx, id, models.ProfileUpdate{Suspended: &suspended})
	if err != nil {
		return nil, access.Fail(s.logger, a, "suspend user", msgSuspendFailed, err)
	}
	if suspended {
		a.Notify().Success(msgSuspended)
	} else {
		a.Notify().Success(msgReinstated)
	}
	return updated, nil
}

// Promote makes the user an admin.
func (s *Service) Promote(ctx context.Context, a access.Actor, id string) (*models.Profile, error) {
	if err := access.Require(a, models.RoleAdmin); err != nil {
		return nil, access.Fail(s.logger, a, "promote user", msgPromoteFailed, err)
	}
	if _, err := s.target(ctx, a, id); err != nil {
		return nil, access.Fail(s.logger, a, "promote user", msgPromoteFailed, err)
	}
	role := models.RoleAdmin
	updated, err := s.db.UpdateProfile(ctx, id, models.ProfileUpdate{Role: &role})
	if err != nil {
		return nil, access.Fail(s.logger, a, "promote user", msgPromoteFailed, err)
	}
	s.logger.Info("user promoted", zap.String("user", id), zap.String("admin", a.Profile.ID))
	a.Notify().Success(msgPromoted)
	return updated, nil
}
