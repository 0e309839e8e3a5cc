// Package routing decides which location's pool prints a job.
package routing

import (
	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
)

// Snapshot carries the facts about the origin pool that hybrid routing needs.
type Snapshot struct {
	// LocalEligible reports whether the origin has at least one eligible
	// operator and one active printer.
	LocalEligible bool
	// LocalCapacityLeft is what remains of the origin's daily capacity.
	LocalCapacityLeft int
}

func (s Snapshot) localUsable() bool {
	return s.LocalEligible && s.LocalCapacityLeft > 0
}

// Resolve returns the location ID of the pool that should print a job
// submitted at origin. hub may be nil when no central hub is configured.
func Resolve(origin, hub *models.Location, snap Snapshot) (uint64, error) {
	if origin == nil {
		return 0, apperr.New(apperr.KindRouting, "origin location is unknown")
	}
	if !origin.Active {
		return 0, apperr.Newf(apperr.KindRouting, "location %s is inactive", origin.Code)
	}

	switch origin.PrintingType {
	case models.PrintingTypeLocal:
		return origin.ID, nil
	case models.PrintingTypeCentralized:
		if !hubUsable(hub) {
			return 0, apperr.Newf(apperr.KindRouting, "location %s prints centrally but no usable hub is configured", origin.Code)
		}
		return hub.ID, nil
	case models.PrintingTypeHybrid:
		if snap.localUsable() {
			return origin.ID, nil
		}
		if hubUsable(hub) {
			return hub.ID, nil
		}
		// nothing better: stay local and wait for staff or the next day
		return origin.ID, nil
	case models.PrintingTypeDisabled:
		return 0, apperr.Newf(apperr.KindRouting, "printing is disabled at location %s", origin.Code)
	default:
		return 0, apperr.Newf(apperr.KindRouting, "location %s has unknown printing type %q", origin.Code, origin.PrintingType)
	}
}

func hubUsable(hub *models.Location) bool {
	return hub != nil && hub.CanPrint()
}
