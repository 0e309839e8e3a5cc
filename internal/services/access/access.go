// Package access answers role and location scoped permission questions.
//
// Actors arrive already authenticated. The system actor stands for event
// handlers and background loops and passes every role check.
package access

import (
	"context"
	"fmt"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

var (
	reviewers  = []models.Role{models.RoleOfficer, models.RoleManager, models.RoleAdmin}
	supervisor = []models.Role{models.RoleManager, models.RoleAdmin}
)

func denied(a models.Actor, action string) error {
	return apperr.New(apperr.KindPermission, fmt.Sprintf("role %q may not %s", a.Role, action))
}

// RequireRole passes for the system actor and for any of roles.
func RequireRole(a models.Actor, action string, roles ...models.Role) error {
	if a.IsSystem() || a.Role.In(roles...) {
		return nil
	}
	return denied(a, action)
}

// RequireStaff rejects viewers and unknown roles.
func RequireStaff(a models.Actor, action string) error {
	if a.IsSystem() {
		return nil
	}
	if !a.Role.Valid() || a.Role == models.RoleViewer {
		return denied(a, action)
	}
	return nil
}

func CanReview(a models.Actor) error {
	return RequireRole(a, "review applications", reviewers...)
}

// CanCancelApplication allows any staff before printing started and only
// supervisors afterwards.
func CanCancelApplication(a models.Actor, status models.ApplicationStatus) error {
	if status.Before(models.ApplicationStatusPrinting) {
		return RequireStaff(a, "cancel applications")
	}
	return RequireRole(a, "cancel an application once printing started", supervisor...)
}

func CanCancelJob(a models.Actor, status models.PrintJobStatus) error {
	if status == models.PrintJobStatusPrinting {
		return RequireRole(a, "cancel a job that is printing", supervisor...)
	}
	return RequireStaff(a, "cancel print jobs")
}

// AtLocation checks that the actor works at the location. Admins and the
// system actor are not location scoped.
func AtLocation(ctx context.Context, tx storage.Tx, a models.Actor, locationID uint64) error {
	if a.IsSystem() || a.Role == models.RoleAdmin {
		return nil
	}
	links, err := tx.Users().Locations(ctx, a.UserID)
	if err != nil {
		return err
	}
	for _, l := range links {
		if l.LocationID == locationID {
			return nil
		}
	}
	return apperr.Newf(apperr.KindPermission, "user %d is not assigned to location %d", a.UserID, locationID)
}

// PrintOperators returns the users allowed to print at the location,
// in registration order.
func PrintOperators(ctx context.Context, tx storage.Tx, locationID uint64) ([]*models.User, error) {
	users, err := tx.Users().PrintOperators(ctx, locationID)
	if err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if u.Role.Valid() && u.Role != models.RoleViewer {
			out = append(out, u)
		}
	}
	return out, nil
}

// CanPrintAt reports whether the user may operate printers at the location.
func CanPrintAt(ctx context.Context, tx storage.Tx, userID, locationID uint64) (bool, error) {
	ops, err := PrintOperators(ctx, tx, locationID)
	if err != nil {
		return false, err
	}
	for _, u := range ops {
		if u.ID == userID {
			return true, nil
		}
	}
	return false, nil
}
