// Package access holds the caller identity passed to domain operations and
// the role checks those operations apply.
package access

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/notify"
)

// MsgProfileMissing is shown when an operation runs without a loaded profile.
const MsgProfileMissing = "Profile not loaded. Please try refreshing the page."

// Actor is the caller of an operation: their profile as currently loaded and
// the channel their notifications go to.
type Actor struct {
	Profile  *models.Profile
	Notifier notify.Notifier
}

// Notify returns the actor's notifier, or one that drops everything.
func (a Actor) Notify() notify.Notifier {
	if a.Notifier == nil {
		return notify.Discard
	}
	return a.Notifier
}

// Require checks that the actor has a usable, unsuspended profile holding one
// of roles. No roles means any signed-in profile.
func Require(a Actor, roles ...models.Role) error {
	if a.Profile == nil || a.Profile.ID == "" {
		return models.NewUnauthenticatedError(MsgProfileMissing)
	}
	if a.Profile.Suspended {
		return models.NewForbiddenError("Your account is suspended")
	}
	if len(roles) == 0 {
		return nil
	}
	for _, r := range roles {
		if a.Profile.Role == r {
			return nil
		}
	}
	return models.NewForbiddenError(fmt.Sprintf("the %s role cannot perform this action", a.Profile.Role))
}

// Fail notifies the actor and classifies err. Caller-facing errors keep their
// message; anything else is logged and wrapped as operation failed.
func Fail(logger *zap.Logger, a Actor, op, userMsg string, err error) error {
	var appErr *models.AppError
	if errors.As(err, &appErr) && appErr.Code != models.CodeOperationFailed {
		a.Notify().Error(appErr.Message)
		return err
	}
	logger.Error(op+" failed", zap.Error(err))
	a.Notify().Error(userMsg)
	if appErr != nil {
		return err
	}
	return models.NewOperationError(op, err)
}
