// Package partners manages the partner organizations (NGOs) donations are routed to.
package partners

import (
	"context"

	"go.uber.org/zap"

	"careconnect-backend/pkg/access"
	"careconnect-backend/pkg/database"
	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/utils"
)

const (
	msgAdded        = "Organization added"
	msgAddFailed    = "Failed to add organization"
	msgUpdated      = "Organization updated"
	msgUpdateFailed = "Failed to update organization"
	msgDeleted      = "Organization deleted"
	msgDeleteFailed = "Failed to delete organization"
	msgLoadFailed   = "Failed to load organizations"
)

// Service 合作机构管理
type Service struct {
	db     database.DatabaseInterface
	logger *zap.Logger
}

func NewService(db database.DatabaseInterface, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, logger: logger.Named("partners")}
}

func clean(in models.NGOInput) (models.NGOInput, error) {
	out := models.NGOInput{
		Name:        utils.PlainText(in.Name),
		ContactInfo: utils.PlainText(in.ContactInfo),
	}
	if out.Name == "" {
		return out, models.NewValidationError("Organization name is required")
	}
	return out, nil
}

// List returns every partner organization. Any signed-in profile may read them.
func (s *Service) List(ctx context.Context, a access.Actor) ([]models.NGO, error) {
	if err := access.Require(a); err != nil {
		return nil, access.Fail(s.logger, a, "list ngos", msgLoadFailed, err)
	}
	ngos, err := s.db.ListNGOs(ctx)
	if err != nil {
		return nil, access.Fail(s.logger, a, "list ngos", msgLoadFailed, err)
	}
	return ngos, nil
}

// Create adds an organization. Admin only.
func (s *Service) Create(ctx context.Context, a access.Actor, in models.NGOInput) (*models.NGO, error) {
	if err := access.Require(a, models.RoleAdmin); err != nil {
		return nil, access.Fail(s.logger, a, "create ngo", msgAddFailed, err)
	}
	in, err := clean(in)
	if err != nil {
		return nil, access.Fail(s.logger, a, "create ngo", msgAddFailed, err)
	}
	ngo := &models.NGO{Name: in.Name, ContactInfo: in.ContactInfo}
	if err := s.db.CreateNGO(ctx, ngo); err != nil {
		return nil, access.Fail(s.logger, a, "create ngo", msgAddFailed, err)
	}
	s.logger.Info("ngo created", zap.String("id", ngo.ID), zap.String("admin", a.Profile.ID))
	a.Notify().Success(msgAdded)
	return ngo, nil
}

// Update replaces name and contact info. Admin only.
func (s *Service) Update(ctx context.Context, a access.Actor, id string, in models.NGOInput) (*models.NGO, error) {
	if err := access.Require(a, models.RoleAdmin); err != nil {
		return nil, access.Fail(s.logger, a, "update ngo", msgUpdateFailed, err)
	}
	in, err := clean(in)
	if err != nil {
		return nil, access.Fail(s.logger, a, "update ngo", msgUpdateFailed, err)
	}
	ngo, err := s.db.UpdateNGO(ctx, id, in)
	if err != nil {
		return nil, access.Fail(s.logger, a, "update ngo", msgUpdateFailed, err)
	}
	a.Notify().Success(msgUpdated)
	return ngo, nil
}

// Delete removes an organization; donations routed to it become unassigned.
func (s *Service) Delete(ctx context.Context, a access.Actor, id string) error {
	if err := access.Require(a, models.RoleAdmin); err != nil {
		return access.Fail(s.logger, a, "delete ngo", msgDeleteFailed, err)
	}
	if err := s.db.DeleteNGO(ctx, id); err != nil {
		return access.Fail(s.logger, a, "delete ngo", msgDeleteFailed, err)
	}
	s.logger.Info("ngo deleted", zap.String("id", id), zap.String("admin", a.Profile.ID))
	a.Notify().Success(msgDeleted)
	return nil
}
