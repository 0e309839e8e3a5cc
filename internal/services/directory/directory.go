// Package directory manages locations, printers, capture hardware and staff
// location grants.
package directory

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/audit"
	"github.com/BearBump/LicenseFlow/internal/logger"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/services/access"
	"github.com/BearBump/LicenseFlow/internal/services/validation"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

var managers = []models.Role{models.RoleAdmin, models.RoleManager}

type Service struct {
	store storage.Store
	log   *logger.Logger
}

func New(store storage.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{store: store, log: log}
}

type LocationInput struct {
	Code                string              `json:"code" validate:"required,max=32"`
	Name                string              `json:"name" validate:"required,max=200"`
	AddressLine1        string              `json:"address_line1"`
	AddressLine2        string              `json:"address_line2"`
	City                string              `json:"city"`
	Province            string              `json:"province"`
	PostalCode          string              `json:"postal_code"`
	Country             string              `json:"country"`
	PrintingType        models.PrintingType `json:"printing_type" validate:"enum"`
	CapacityPerDay      int                 `json:"capacity_per_day" validate:"gte=0"`
	AcceptsApplications bool                `json:"accepts_applications"`
	AcceptsCollections  bool                `json:"accepts_collections"`
	Active              bool                `json:"active"`
}

func (in LocationInput) apply(l *models.Location) {
	l.Code = strings.TrimSpace(in.Code)
	l.Name = in.Name
	l.AddressLine1, l.AddressLine2 = in.AddressLine1, in.AddressLine2
	l.City, l.Province, l.PostalCode, l.Country = in.City, in.Province, in.PostalCode, in.Country
	l.PrintingType = in.PrintingType
	l.CapacityPerDay = in.CapacityPerDay
	if l.CapacityPerDay == 0 {
		l.CapacityPerDay = models.DefaultCapacityPerDay
	}
	l.AcceptsApplications = in.AcceptsApplications
	l.AcceptsCollections = in.AcceptsCollections
	l.Active = in.Active
}

func (s *Service) CreateLocation(ctx context.Context, in LocationInput, actor models.Actor) (*models.Location, error) {
	if err := access.RequireRole(actor, "manage locations", models.RoleAdmin); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	var out *models.Location
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		l := &models.Location{}
		in.apply(l)
		if err := tx.Locations().Create(ctx, l); err != nil {
			return err
		}
		out = l
		return audit.Record(ctx, tx, actor, "create", audit.ResourceLocation, l.ID, "location %s (%s) created", l.Code, l.PrintingType)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(s.log.WithField(ctx, "location", out.Code), "location created")
	return out, nil
}

func (s *Service) UpdateLocation(ctx context.Context, id uint64, in LocationInput, actor models.Actor) (*models.Location, error) {
	if err := access.RequireRole(actor, "manage locations", models.RoleAdmin); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	var out *models.Location
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		l, err := tx.Locations().Get(ctx, id)
		if err != nil {
			return err
		}
		before := l.PrintingType
		in.apply(l)
		if err := tx.Locations().Update(ctx, l); err != nil {
			return err
		}
		out = l
		return audit.Record(ctx, tx, actor, "update", audit.ResourceLocation, l.ID, "location %s updated (printing %s -> %s)", l.Code, before, l.PrintingType)
	})
	return out, err
}

func (s *Service) GetLocation(ctx context.Context, id uint64) (*models.Location, error) {
	var out *models.Location
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.Locations().Get(ctx, id)
		return err
	})
	return out, err
}

func (s *Service) GetLocationByCode(ctx context.Context, code string) (*models.Location, error) {
	var out *models.Location
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.Locations().GetByCode(ctx, code)
		return err
	})
	return out, err
}

func (s *Service) ListLocations(ctx context.Context, activeOnly bool) ([]*models.Location, error) {
	var out []*models.Location
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.Locations().List(ctx, activeOnly)
		return err
	})
	return out, err
}

type PrinterInput struct {
	Code       string             `json:"code" validate:"required,max=64"`
	Name       string             `json:"name" validate:"required"`
	Type       models.PrinterType `json:"type" validate:"enum"`
	LocationID uint64             `json:"location_id" validate:"required"`
}

// RegisterPrinter adds an active printer to a location.
func (s *Service) RegisterPrinter(ctx context.Context, in PrinterInput, actor models.Actor) (*models.Printer, error) {
	if err := access.RequireRole(actor, "register printers", managers...); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	var out *models.Printer
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.Locations().Get(ctx, in.LocationID); err != nil {
			return err
		}
		if err := access.AtLocation(ctx, tx, actor, in.LocationID); err != nil {
			return err
		}
		p := &models.Printer{
			Code:       strings.TrimSpace(in.Code),
			Name:       in.Name,
			Type:       in.Type,
			Status:     models.PrinterStatusActive,
			LocationID: in.LocationID,
		}
		if err := tx.Printers().Create(ctx, p); err != nil {
			return err
		}
		out = p
		return audit.Record(ctx, tx, actor, "create", audit.ResourcePrinter, p.ID, "printer %s registered at location %d", p.Code, p.LocationID)
	})
	return out, err
}

func (s *Service) SetPrinterStatus(ctx context.Context, id uint64, status models.PrinterStatus, actor models.Actor) (*models.Printer, error) {
	if err := access.RequireStaff(actor, "change printer status"); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unknown printer status %q", status)
	}

	var out *models.Printer
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		p, err := tx.Printers().Get(ctx, id)
		if err != nil {
			return err
		}
		if err := access.AtLocation(ctx, tx, actor, p.LocationID); err != nil {
			return err
		}
		if p.Status == status {
			out = p
			return nil
		}
		prev := p.Status
		p.Status = status
		if err := tx.Printers().Update(ctx, p); err != nil {
			return err
		}
		out = p
		return audit.Record(ctx, tx, actor, "status", audit.ResourcePrinter, p.ID, "printer %s %s -> %s", p.Code, prev, status)
	})
	return out, err
}

// ListPrinters lists a location's printers in registration order. An empty
// status matches all.
func (s *Service) ListPrinters(ctx context.Context, locationID uint64, status models.PrinterStatus) ([]*models.Printer, error) {
	var out []*models.Printer
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.Printers().ListByLocation(ctx, locationID, status)
		return err
	})
	return out, err
}

type HardwareInput struct {
	Code         string              `json:"code" validate:"required,max=64"`
	Name         string              `json:"name" validate:"required"`
	Type         models.HardwareType `json:"type" validate:"enum"`
	LocationID   uint64              `json:"location_id" validate:"required"`
	Capabilities json.RawMessage     `json:"capabilities"`
	Settings     json.RawMessage     `json:"settings"`
}

func (s *Service) RegisterHardware(ctx context.Context, in HardwareInput, actor models.Actor) (*models.Hardware, error) {
	if err := access.RequireRole(actor, "register hardware", managers...); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	for name, raw := range map[string]json.RawMessage{"capabilities": in.Capabilities, "settings": in.Settings} {
		if len(raw) > 0 && !json.Valid(raw) {
			return nil, apperr.Newf(apperr.KindValidation, "%s is not valid JSON", name)
		}
	}

	var out *models.Hardware
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.Locations().Get(ctx, in.LocationID); err != nil {
			return err
		}
		h := &models.Hardware{
			Code:         strings.TrimSpace(in.Code),
			Name:         in.Name,
			Type:         in.Type,
			Status:       models.HardwareStatusActive,
			LocationID:   in.LocationID,
			Capabilities: in.Capabilities,
			Settings:     in.Settings,
		}
		if err := tx.Hardware().Create(ctx, h); err != nil {
			return err
		}
		out = h
		return audit.Record(ctx, tx, actor, "create", audit.ResourceHardware, h.ID, "%s %s registered at location %d", h.Type, h.Code, h.LocationID)
	})
	return out, err
}

func (s *Service) SetHardwareStatus(ctx context.Context, id uint64, status models.HardwareStatus, actor models.Actor) (*models.Hardware, error) {
	if err := access.RequireStaff(actor, "change hardware status"); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "unknown hardware status %q", status)
	}

	var out *models.Hardware
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		h, err := tx.Hardware().Get(ctx, id)
		if err != nil {
			return err
		}
		prev := h.Status
		h.Status = status
		if err := tx.Hardware().Update(ctx, h); err != nil {
			return err
		}
		out = h
		return audit.Record(ctx, tx, actor, "status", audit.ResourceHardware, h.ID, "%s %s -> %s", h.Code, prev, status)
	})
	return out, err
}

// RecordHardwareUsage counts one use of a device. A failed use also bumps the
// error counter.
func (s *Service) RecordHardwareUsage(ctx context.Context, id uint64, failed bool) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		h, err := tx.Hardware().Get(ctx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		h.UsageCount++
		if failed {
			h.ErrorCount++
		}
		h.LastUsedAt = &now
		return tx.Hardware().Update(ctx, h)
	})
}

func (s *Service) CaptureAvailable(ctx context.Context, locationID uint64) (bool, error) {
	var ok bool
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		ok, err = CaptureAvailable(ctx, tx, locationID)
		return err
	})
	return ok, err
}

// CaptureAvailable reports whether the location has an active biometric capture device.
func CaptureAvailable(ctx context.Context, tx storage.Tx, locationID uint64) (bool, error) {
	devices, err := tx.Hardware().ListByLocation(ctx, locationID)
	if err != nil {
		return false, err
	}
	for _, h := range devices {
		if h.Status == models.HardwareStatusActive && h.Type.Capture() {
			return true, nil
		}
	}
	return false, nil
}

type UserInput struct {
	Username string      `json:"username" validate:"required,max=100"`
	FullName string      `json:"full_name"`
	Role     models.Role `json:"role" validate:"enum"`
}

func (s *Service) CreateUser(ctx context.Context, in UserInput, actor models.Actor) (*models.User, error) {
	if err := access.RequireRole(actor, "manage users", models.RoleAdmin); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	var out *models.User
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		u := &models.User{
			Username: strings.TrimSpace(in.Username),
			FullName: in.FullName,
			Role:     in.Role,
			Active:   true,
		}
		if err := tx.Users().Create(ctx, u); err != nil {
			return err
		}
		out = u
		return audit.Record(ctx, tx, actor, "create", audit.ResourceUser, u.ID, "user %s created with role %s", u.Username, u.Role)
	})
	return out, err
}

func (s *Service) SetUserActive(ctx context.Context, userID uint64, active bool, actor models.Actor) error {
	if err := access.RequireRole(actor, "manage users", models.RoleAdmin); err != nil {
		return err
	}
	return s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		u, err := tx.Users().Get(ctx, userID)
		if err != nil {
			return err
		}
		if u.Active == active {
			return nil
		}
		u.Active = active
		if err := tx.Users().Update(ctx, u); err != nil {
			return err
		}
		return audit.Record(ctx, tx, actor, "update", audit.ResourceUser, u.ID, "user %s active=%t", u.Username, active)
	})
}

// GrantLocation links a user to a location. Managers may only grant at their
// own locations.
func (s *Service) GrantLocation(ctx context.Context, grant models.UserLocation, actor models.Actor) error {
	if err := access.RequireRole(actor, "grant location access", managers...); err != nil {
		return err
	}
	return s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.Users().Get(ctx, grant.UserID); err != nil {
			return err
		}
		if _, err := tx.Locations().Get(ctx, grant.LocationID); err != nil {
			return err
		}
		if err := access.AtLocation(ctx, tx, actor, grant.LocationID); err != nil {
			return err
		}
		if err := tx.Users().PutLocation(ctx, grant); err != nil {
			return err
		}
		return audit.Record(ctx, tx, actor, "grant", audit.ResourceUser, grant.UserID,
			"location %d granted (can_print=%t primary=%t)", grant.LocationID, grant.CanPrint, grant.IsPrimary)
	})
}

func (s *Service) RevokeLocation(ctx context.Context, userID, locationID uint64, actor models.Actor) error {
	if err := access.RequireRole(actor, "revoke location access", managers...); err != nil {
		return err
	}
	return s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := access.AtLocation(ctx, tx, actor, locationID); err != nil {
			return err
		}
		if err := tx.Users().RemoveLocation(ctx, userID, locationID); err != nil {
			return err
		}
		return audit.Record(ctx, tx, actor, "revoke", audit.ResourceUser, userID, "location %d revoked", locationID)
	})
}
