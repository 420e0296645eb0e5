// Package donations implements the donation lifecycle: submission, the guided
// requested → verified → picked → delivered flow, the admin override path,
// reassignment and role-scoped listing.
package donations

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"careconnect-backend/pkg/access"
	"careconnect-backend/pkg/database"
	"careconnect-backend/pkg/metrics"
	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/storage"
	"careconnect-backend/pkg/utils"
)

// CarePointsPerDonation is the reward credited to the donor per submission.
const CarePointsPerDonation = 10

const (
	msgSubmitted     = "Donation submitted successfully! You earned 10 CarePoints!"
	msgSubmitFailed  = "Submission failed. Please try again."
	msgStatusUpdated = "Donation status updated successfully"
	msgStatusFailed  = "Failed to update status"
	msgAssigned      = "Donation assignment updated"
	msgAssignFailed  = "Failed to update assignment"
	msgDeleted       = "Donation deleted"
	msgDeleteFailed  = "Failed to delete donation"
	msgLoadFailed    = "Failed to load data"
)

// Service 捐赠生命周期操作
type Service struct {
	db         database.DatabaseInterface
	uploader   storage.Uploader
	categories []string
	logger     *zap.Logger
}

// NewService wires the lifecycle operations. A nil uploader disables images;
// empty categories fall back to models.DefaultCategories.
func NewService(db database.DatabaseInterface, uploader storage.Uploader, categories []string, logger *zap.Logger) *Service {
	if uploader == nil {
		uploader = storage.Disabled{}
	}
	if len(categories) == 0 {
		categories = models.DefaultCategories
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         db,
		uploader:   uploader,
		categories: categories,
		logger:     logger.Named("donations"),
	}
}

// Categories returns the accepted donation categories.
func (s *Service) Categories() []string {
	return append([]string(nil), s.categories...)
}

func (s *Service) fail(a access.Actor, op, userMsg string, err error) error {
	return access.Fail(s.logger, a, op, userMsg, err)
}

// Create submits a donation for the actor. The image, when given, is uploaded
// first; an upload failure only drops the image. Care points are awarded in a
// second write whose failure is logged and does not fail the call.
func (s *Service) Create(ctx context.Context, a access.Actor, in models.DonationInput, image *storage.Blob) (*models.Donation, error) {
	if err := access.Require(a); err != nil {
		return nil, s.fail(a, "create donation", msgSubmitFailed, err)
	}
	if err := in.Validate(s.categories); err != nil {
		return nil, s.fail(a, "create donation", msgSubmitFailed, err)
	}
	if image != nil {
		if err := storage.Prepare(image); err != nil {
			return nil, s.fail(a, "create donation", msgSubmitFailed, err)
		}
	}

	d := &models.Donation{
		DonorID:      a.Profile.ID,
		ItemName:     utils.PlainText(in.ItemName),
		Category:     in.Category,
		Quantity:     in.Quantity,
		Condition:    in.Condition,
		Description:  utils.PlainText(in.Description),
		PickupOption: in.PickupOption,
		Status:       models.StatusRequested,
	}
	if d.ItemName == "" {
		return nil, s.fail(a, "create donation", msgSubmitFailed, models.NewValidationError("Please complete all required fields"))
	}

	if image != nil {
		url, err := s.uploader.Upload(ctx, *image)
		if err != nil {
			s.logger.Warn("image upload failed, continuing without image",
				zap.String("donor", d.DonorID), zap.Error(err))
		} else {
			d.ImageURL = &url
		}
	}

	if err := s.db.CreateDonation(ctx, d); err != nil {
		return nil, s.fail(a, "create donation", msgSubmitFailed, err)
	}
	metrics.DonationsCreated.Inc()

	total, err := s.db.AwardCarePoints(ctx, d.DonorID, CarePointsPerDonation)
	if err != nil {
		s.logger.Error("care point award failed; donation kept without points",
			zap.String("donation", d.ID), zap.String("donor", d.DonorID), zap.Error(err))
	} else {
		metrics.CarePointsAwarded.Add(CarePointsPerDonation)
		s.logger.Debug("care points awarded", zap.String("donor", d.DonorID), zap.Int("total", total))
	}

	a.Notify().Success(msgSubmitted)
	return d, nil
}

// load 读取捐赠记录，不存在时返回 ErrNotFound
func (s *Service) load(ctx context.Context, id string) (*models.Donation, error) {
	if id == "" {
		return nil, models.NewValidationError("donation id is required")
	}
	d, err := s.db.GetDonation(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, models.NewNotFoundError("donation", id)
	}
	return d, nil
}

// writeStatus persists status and records the transition.
func (s *Service) writeStatus(ctx context.Context, d *models.Donation, status models.DonationStatus) error {
	if err := s.db.UpdateDonationStatus(ctx, d.ID, status); err != nil {
		return err
	}
	metrics.DonationTransitions.WithLabelValues(string(d.Status), string(status)).Inc()
	d.Status = status
	return nil
}

// UpdateStatus sets any status in the enumeration. Volunteers and admins only.
// The forward order is not enforced here; backward or skipping moves are logged.
func (s *Service) UpdateStatus(ctx context.Context, a access.Actor, id string, status models.DonationStatus) (*models.Donation, error) {
	if err := access.Require(a, models.RoleVolunteer, models.RoleAdmin); err != nil {
		return nil, s.fail(a, "update status", msgStatusFailed, err)
	}
	if !status.Valid() {
		return nil, s.fail(a, "update status", msgStatusFailed,
			models.NewValidationError(fmt.Sprintf("invalid donation status %q", status)))
	}
	d, err := s.load(ctx, id)
	if err != nil {
		return nil, s.fail(a, "update status", msgStatusFailed, err)
	}
	if next, ok := d.Status.Next(); status != d.Status && (!ok || status != next) {
		s.logger.Info("non-sequential status change",
			zap.String("donation", d.ID), zap.String("from", string(d.Status)),
			zap.String("to", string(status)), zap.Bool("backward", !status.IsForwardOf(d.Status)),
			zap.String("actor", a.Profile.ID))
	}
	if err := s.writeStatus(ctx, d, status); err != nil {
		return nil, s.fail(a, "update status", msgStatusFailed, err)
	}
	a.Notify().Success(msgStatusUpdated)
	return d, nil
}

// Advance moves a donation one step along the lifecycle. Delivered is terminal.
func (s *Service) Advance(ctx context.Context, a access.Actor, id string) (*models.Donation, error) {
	if err := access.Require(a, models.RoleVolunteer, models.RoleAdmin); err != nil {
		return nil, s.fail(a, "advance status", msgStatusFailed, err)
	}
	d, err := s.load(ctx, id)
	if err != nil {
		return nil, s.fail(a, "advance status", msgStatusFailed, err)
	}
	next, ok := d.Status.Next()
	if !ok {
		return nil, s.fail(a, "advance status", msgStatusFailed,
			models.NewValidationError(fmt.Sprintf("donation is already %s", d.Status)))
	}
	if err := s.writeStatus(ctx, d, next); err != nil {
		return nil, s.fail(a, "advance status", msgStatusFailed, err)
	}
	a.Notify().Success(msgStatusUpdated)
	return d, nil
}

// OverrideStatus is the admin console path: it sets any status directly and
// intentionally bypasses the lifecycle order.
func (s *Service) OverrideStatus(ctx context.Context, a access.Actor, id string, status models.DonationStatus) (*models.Donation, error) {
	if err := access.Require(a, models.RoleAdmin); err != nil {
		return nil, s.fail(a, "override status", msgStatusFailed, err)
	}
	if !status.Valid() {
		return nil, s.fail(a, "override status", msgStatusFailed,
			models.NewValidationError(fmt.Sprintf("invalid donation status %q", status)))
	}
	d, err := s.load(ctx, id)
	if err != nil {
		return nil, s.fail(a, "override status", msgStatusFailed, err)
	}
	s.logger.Info("admin status override",
		zap.String("donation", d.ID), zap.String("from", string(d.Status)),
		zap.String("to", string(status)), zap.String("admin", a.Profile.ID))
	if err := s.writeStatus(ctx, d, status); err != nil {
		return nil, s.fail(a, "override status", msgStatusFailed, err)
	}
	a.Notify().Success(msgStatusUpdated)
	return d, nil
}

// AssignVolunteer sets or clears (nil) the volunteer. Admin only; the target
// must be a volunteer profile.
func (s *Service) AssignVolunteer(ctx context.Context, a access.Actor, id string, volunteerID *string) error {
	if err := access.Require(a, models.RoleAdmin); err != nil {
		return s.fail(a, "assign volunteer", msgAssignFailed, err)
	}
	if volunteerID != nil && *volunteerID == "" {
		volunteerID = nil
	}
	if volunteerID != nil {
		p, err := s.db.FindProfile(ctx, *volunteerID)
		if err != nil {
			return s.fail(a, "assign volunteer", msgAssignFailed, err)
		}
		if p == nil {
			return s.fail(a, "assign volunteer", msgAssignFailed, models.NewNotFoundError("volunteer", *volunteerID))
		}
		if p.Role != models.RoleVolunteer {
			return s.fail(a, "assign volunteer", msgAssignFailed,
				models.NewValidationError(fmt.Sprintf("%s is not a volunteer", p.FullName)))
		}
	}
	if err := s.db.SetDonationVolunteer(ctx, id, volunteerID); err != nil {
		return s.fail(a, "assign volunteer", msgAssignFailed, err)
	}
	a.Notify().Success(msgAssigned)
	return nil
}

// AssignOrg sets or clears (nil) the partner NGO. Admin only.
func (s *Service) AssignOrg(ctx context.Context, a access.Actor, id string, ngoID *string) error {
	if err := access.Require(a, models.RoleAdmin); err != nil {
		return s.fail(a, "assign ngo", msgAssignFailed, err)
	}
	if ngoID != nil && *ngoID == "" {
		ngoID = nil
	}
	if ngoID != nil {
		n, err := s.db.GetNGO(ctx, *ngoID)
		if err != nil {
			return s.fail(a, "assign ngo", msgAssignFailed, err)
		}
		if n == nil {
			return s.fail(a, "assign ngo", msgAssignFailed, models.NewNotFoundError("ngo", *ngoID))
		}
	}
	if err := s.db.SetDonationNGO(ctx, id, ngoID); err != nil {
		return s.fail(a, "assign ngo", msgAssignFailed, err)
	}
	a.Notify().Success(msgAssigned)
	return nil
}

// Delete removes a donation. Admin only.
func (s *Service) Delete(ctx context.Context, a access.Actor, id string) error {
	if err := access.Require(a, models.RoleAdmin); err != nil {
		return s.fail(a, "delete donation", msgDeleteFailed, err)
	}
	if err := s.db.DeleteDonation(ctx, id); err != nil {
		return s.fail(a, "delete donation", msgDeleteFailed, err)
	}
	a.Notify().Success(msgDeleted)
	return nil
}

// List returns the donations visible to the actor. Donors only ever receive
// their own rows; volunteers and admins receive every row with the donor joined.
func (s *Service) List(ctx context.Context, a access.Actor) ([]models.DonationView, error) {
	if err := access.Require(a); err != nil {
		return nil, s.fail(a, "list donations", msgLoadFailed, err)
	}
	filter := models.DonationFilter{}
	if !a.Profile.Role.IsStaff() {
		filter.DonorID = a.Profile.ID
	}
	views, err := s.db.ListDonations(ctx, filter)
	if err != nil {
		return nil, s.fail(a, "list donations", msgLoadFailed, err)
	}
	if filter.DonorID == "" {
		return views, nil
	}
	own := views[:0]
	for _, v := range views {
		if v.DonorID == filter.DonorID {
			own = append(own, v)
		}
	}
	return own, nil
}

// Analytics summarizes every donation for the admin console.
func (s *Service) Analytics(ctx context.Context, a access.Actor) (*Summary, error) {
	if err := access.Require(a, models.RoleAdmin); err != nil {
		return nil, s.fail(a, "analytics", msgLoadFailed, err)
	}
	views, err := s.db.ListDonations(ctx, models.DonationFilter{})
	if err != nil {
		return nil, s.fail(a, "analytics", msgLoadFailed, err)
	}
	summary := Summarize(views, time.UTC)
	return &summary, nil
}
