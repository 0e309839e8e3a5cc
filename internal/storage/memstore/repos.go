package memstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

type applicationRepo struct{ t *memTx }

func (r applicationRepo) Get(ctx context.Context, id uint64) (*models.Application, error) {
	a, ok := r.t.st.applications[id]
	if !ok {
		return nil, apperr.NotFound("application", id)
	}
	return &a, nil
}

func (r applicationRepo) List(ctx context.Context, f storage.ApplicationFilter) ([]*models.Application, error) {
	var out []*models.Application
	for _, a := range r.t.st.applications {
		if !containsValue(f.Statuses, a.Status) {
			continue
		}
		if f.LocationID != 0 && a.LocationID != f.LocationID {
			continue
		}
		if !f.Submitted.Contains(a.CreatedAt) {
			continue
		}
		cp := a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limitSlice(out, f.Limit), nil
}

func (r applicationRepo) Create(ctx context.Context, a *models.Application) error {
	now := r.t.now()
	a.ID = r.t.st.nextID("application")
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = now, now
	if a.StatusChangedAt.IsZero() {
		a.StatusChangedAt = now
	}
	r.t.st.applications[a.ID] = *a
	return nil
}

func (r applicationRepo) Update(ctx context.Context, a *models.Application) error {
	stored, ok := r.t.st.applications[a.ID]
	if !ok {
		return apperr.NotFound("application", a.ID)
	}
	if err := checkVersion("application", a.ID, stored.Version, a.Version); err != nil {
		return err
	}
	a.Version++
	a.UpdatedAt = r.t.now()
	r.t.st.applications[a.ID] = *a
	return nil
}

func (r applicationRepo) CountByStatus(ctx context.Context) (map[models.ApplicationStatus]int, error) {
	out := map[models.ApplicationStatus]int{}
	for _, a := range r.t.st.applications {
		out[a.Status]++
	}
	return out, nil
}

type licenseRepo struct{ t *memTx }

func (r licenseRepo) Get(ctx context.Context, id uint64) (*models.License, error) {
	l, ok := r.t.st.licenses[id]
	if !ok {
		return nil, apperr.NotFound("license", id)
	}
	return &l, nil
}

func (r licenseRepo) GetByApplication(ctx context.Context, applicationID uint64) (*models.License, error) {
	for _, l := range r.t.st.licenses {
		if l.ApplicationID == applicationID {
			cp := l
			return &cp, nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "license for application %d not found", applicationID)
}

func (r licenseRepo) List(ctx context.Context, f storage.LicenseFilter) ([]*models.License, error) {
	var out []*models.License
	for _, l := range r.t.st.licenses {
		if !containsValue(f.Statuses, l.Status) {
			continue
		}
		if f.CollectionPoint != "" && l.CollectionPoint != f.CollectionPoint {
			continue
		}
		cp := l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limitSlice(out, f.Limit), nil
}

func (r licenseRepo) Create(ctx context.Context, l *models.License) error {
	for _, existing := range r.t.st.licenses {
		if existing.ApplicationID == l.ApplicationID {
			return apperr.Newf(apperr.KindConflict, "application %d already has license %d", l.ApplicationID, existing.ID)
		}
		if existing.LicenseNumber == l.LicenseNumber {
			return apperr.Newf(apperr.KindConflict, "license number %s already issued", l.LicenseNumber)
		}
	}
	now := r.t.now()
	l.ID = r.t.st.nextID("license")
	l.Version = 1
	l.CreatedAt, l.UpdatedAt = now, now
	r.t.st.licenses[l.ID] = *l
	return nil
}

func (r licenseRepo) Update(ctx context.Context, l *models.License) error {
	stored, ok := r.t.st.licenses[l.ID]
	if !ok {
		return apperr.NotFound("license", l.ID)
	}
	if err := checkVersion("license", l.ID, stored.Version, l.Version); err != nil {
		return err
	}
	l.Version++
	l.UpdatedAt = r.t.now()
	r.t.st.licenses[l.ID] = *l
	return nil
}

type printJobRepo struct{ t *memTx }

func (r printJobRepo) Get(ctx context.Context, id uint64) (*models.PrintJob, error) {
	j, ok := r.t.st.printJobs[id]
	if !ok {
		return nil, apperr.NotFound("print job", id)
	}
	return &j, nil
}

func (r printJobRepo) List(ctx context.Context, f storage.PrintJobFilter) ([]*models.PrintJob, error) {
	var out []*models.PrintJob
	for _, j := range r.t.st.printJobs {
		if !containsValue(f.Statuses, j.Status) {
			continue
		}
		if f.LocationID != 0 && j.LocationID != f.LocationID {
			continue
		}
		if f.AssignedTo != 0 && j.AssignedTo != f.AssignedTo {
			continue
		}
		if f.ApplicationID != 0 && j.ApplicationID != f.ApplicationID {
			continue
		}
		if f.LicenseID != 0 && j.LicenseID != f.LicenseID {
			continue
		}
		if !f.AssignedRange.From.IsZero() || !f.AssignedRange.To.IsZero() {
			if j.AssignedAt == nil || !f.AssignedRange.Contains(*j.AssignedAt) {
				continue
			}
		}
		if !f.Queued.Contains(j.QueuedAt) {
			continue
		}
		cp := j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.QueuedAt.Equal(b.QueuedAt) {
			return a.QueuedAt.Before(b.QueuedAt)
		}
		return a.ID < b.ID
	})
	return limitSlice(out, f.Limit), nil
}

func (r printJobRepo) Create(ctx context.Context, j *models.PrintJob) error {
	if j.Status.Active() {
		if active, _ := r.ActiveForLicense(ctx, j.LicenseID); active != nil {
			return apperr.Newf(apperr.KindConflict, "license %d already has active print job %d", j.LicenseID, active.ID)
		}
	}
	now := r.t.now()
	j.ID = r.t.st.nextID("print_job")
	j.Version = 1
	j.CreatedAt, j.UpdatedAt = now, now
	r.t.st.printJobs[j.ID] = *j
	return nil
}

func (r printJobRepo) Update(ctx context.Context, j *models.PrintJob) error {
	stored, ok := r.t.st.printJobs[j.ID]
	if !ok {
		return apperr.NotFound("print job", j.ID)
	}
	if err := checkVersion("print job", j.ID, stored.Version, j.Version); err != nil {
		return err
	}
	if j.Status.Active() && !stored.Status.Active() {
		if active, _ := r.ActiveForLicense(ctx, j.LicenseID); active != nil && active.ID != j.ID {
			return apperr.Newf(apperr.KindConflict, "license %d already has active print job %d", j.LicenseID, active.ID)
		}
	}
	j.Version++
	j.UpdatedAt = r.t.now()
	r.t.st.printJobs[j.ID] = *j
	return nil
}

func (r printJobRepo) ActiveForLicense(ctx context.Context, licenseID uint64) (*models.PrintJob, error) {
	for _, j := range r.t.st.printJobs {
		if j.LicenseID == licenseID && j.Status.Active() {
			cp := j
			return &cp, nil
		}
	}
	return nil, nil
}

func (r printJobRepo) InFlightLoad(ctx context.Context) (map[uint64]int, map[uint64]int, error) {
	byOperator, byPrinter := map[uint64]int{}, map[uint64]int{}
	for _, j := range r.t.st.printJobs {
		if !j.Status.Held() {
			continue
		}
		if j.AssignedTo != 0 {
			byOperator[j.AssignedTo]++
		}
		if j.PrinterID != 0 {
			byPrinter[j.PrinterID]++
		}
	}
	return byOperator, byPrinter, nil
}

func (r printJobRepo) CountAssignedSince(ctx context.Context, locationID uint64, since time.Time) (int, error) {
	n := 0
	for _, j := range r.t.st.printJobs {
		if j.LocationID == locationID && j.AssignedAt != nil && !j.AssignedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r printJobRepo) CountByStatus(ctx context.Context) (map[models.PrintJobStatus]int, error) {
	out := map[models.PrintJobStatus]int{}
	for _, j := range r.t.st.printJobs {
		out[j.Status]++
	}
	return out, nil
}

type shippingRepo struct{ t *memTx }

func (r shippingRepo) Get(ctx context.Context, id uint64) (*models.ShippingRecord, error) {
	s, ok := r.t.st.shipments[id]
	if !ok {
		return nil, apperr.NotFound("shipping record", id)
	}
	return &s, nil
}

func (r shippingRepo) List(ctx context.Context, f storage.ShippingFilter) ([]*models.ShippingRecord, error) {
	var out []*models.ShippingRecord
	for _, s := range r.t.st.shipments {
		if !containsValue(f.Statuses, s.Status) {
			continue
		}
		if f.ApplicationID != 0 && s.ApplicationID != f.ApplicationID {
			continue
		}
		if f.CollectionPoint != "" && s.CollectionPoint != f.CollectionPoint {
			continue
		}
		cp := s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limitSlice(out, f.Limit), nil
}

func (r shippingRepo) activeForLicense(licenseID uint64) *models.ShippingRecord {
	for _, s := range r.t.st.shipments {
		if s.LicenseID == licenseID && s.Status.Active() {
			cp := s
			return &cp
		}
	}
	return nil
}

func (r shippingRepo) Create(ctx context.Context, s *models.ShippingRecord) error {
	if s.Status.Active() {
		if active := r.activeForLicense(s.LicenseID); active != nil {
			return apperr.Newf(apperr.KindConflict, "license %d already has active shipping record %d", s.LicenseID, active.ID)
		}
	}
	if s.TrackingNumber != "" {
		if _, err := r.ByTrackingNumber(ctx, s.TrackingNumber); err == nil {
			return apperr.Newf(apperr.KindConflict, "tracking number %s already in use", s.TrackingNumber)
		}
	}
	now := r.t.now()
	s.ID = r.t.st.nextID("shipping_record")
	s.Version = 1
	s.CreatedAt, s.UpdatedAt = now, now
	r.t.st.shipments[s.ID] = *s
	return nil
}

func (r shippingRepo) Update(ctx context.Context, s *models.ShippingRecord) error {
	stored, ok := r.t.st.shipments[s.ID]
	if !ok {
		return apperr.NotFound("shipping record", s.ID)
	}
	if err := checkVersion("shipping record", s.ID, stored.Version, s.Version); err != nil {
		return err
	}
	if s.TrackingNumber != "" && s.TrackingNumber != stored.TrackingNumber {
		if other, err := r.ByTrackingNumber(ctx, s.TrackingNumber); err == nil && other.ID != s.ID {
			return apperr.Newf(apperr.KindConflict, "tracking number %s already in use", s.TrackingNumber)
		}
	}
	s.Version++
	s.UpdatedAt = r.t.now()
	r.t.st.shipments[s.ID] = *s
	return nil
}

func (r shippingRepo) ForPrintJob(ctx context.Context, printJobID uint64) (*models.ShippingRecord, error) {
	var found *models.ShippingRecord
	for _, s := range r.t.st.shipments {
		if s.PrintJobID != printJobID {
			continue
		}
		if found == nil || s.ID > found.ID {
			cp := s
			found = &cp
		}
	}
	return found, nil
}

func (r shippingRepo) ByTrackingNumber(ctx context.Context, trackingNumber string) (*models.ShippingRecord, error) {
	for _, s := range r.t.st.shipments {
		if s.TrackingNumber != "" && s.TrackingNumber == trackingNumber {
			cp := s
			return &cp, nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "shipping record with tracking number %s not found", trackingNumber)
}

func (r shippingRepo) CountByStatus(ctx context.Context) (map[models.ShippingStatus]int, error) {
	out := map[models.ShippingStatus]int{}
	for _, s := range r.t.st.shipments {
		out[s.Status]++
	}
	return out, nil
}

type locationRepo struct{ t *memTx }

func (r locationRepo) Get(ctx context.Context, id uint64) (*models.Location, error) {
	l, ok := r.t.st.locations[id]
	if !ok {
		return nil, apperr.NotFound("location", id)
	}
	return &l, nil
}

func (r locationRepo) GetByCode(ctx context.Context, code string) (*models.Location, error) {
	for _, l := range r.t.st.locations {
		if strings.EqualFold(l.Code, code) {
			cp := l
			return &cp, nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "location %s not found", code)
}

func (r locationRepo) List(ctx context.Context, activeOnly bool) ([]*models.Location, error) {
	var out []*models.Location
	for _, l := range r.t.st.locations {
		if activeOnly && !l.Active {
			continue
		}
		cp := l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r locationRepo) Create(ctx context.Context, l *models.Location) error {
	if _, err := r.GetByCode(ctx, l.Code); err == nil {
		return apperr.Newf(apperr.KindConflict, "location code %s already exists", l.Code)
	}
	now := r.t.now()
	l.ID = r.t.st.nextID("location")
	l.Version = 1
	l.CreatedAt, l.UpdatedAt = now, now
	r.t.st.locations[l.ID] = *l
	return nil
}

func (r locationRepo) Update(ctx context.Context, l *models.Location) error {
	stored, ok := r.t.st.locations[l.ID]
	if !ok {
		return apperr.NotFound("location", l.ID)
	}
	if err := checkVersion("location", l.ID, stored.Version, l.Version); err != nil {
		return err
	}
	l.Version++
	l.UpdatedAt = r.t.now()
	r.t.st.locations[l.ID] = *l
	return nil
}

type printerRepo struct{ t *memTx }

func (r printerRepo) Get(ctx context.Context, id uint64) (*models.Printer, error) {
	p, ok := r.t.st.printers[id]
	if !ok {
		return nil, apperr.NotFound("printer", id)
	}
	return &p, nil
}

func (r printerRepo) ListByLocation(ctx context.Context, locationID uint64, status models.PrinterStatus) ([]*models.Printer, error) {
	var out []*models.Printer
	for _, p := range r.t.st.printers {
		if p.LocationID != locationID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		cp := p
		out = append(out, &cp)
	}
	sortByRegistration(out, func(p *models.Printer) (time.Time, uint64) { return p.CreatedAt, p.ID })
	return out, nil
}

func (r printerRepo) Create(ctx context.Context, p *models.Printer) error {
	for _, existing := range r.t.st.printers {
		if strings.EqualFold(existing.Code, p.Code) {
			return apperr.Newf(apperr.KindConflict, "printer code %s already exists", p.Code)
		}
	}
	now := r.t.now()
	p.ID = r.t.st.nextID("printer")
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	r.t.st.printers[p.ID] = *p
	return nil
}

func (r printerRepo) Update(ctx context.Context, p *models.Printer) error {
	stored, ok := r.t.st.printers[p.ID]
	if !ok {
		return apperr.NotFound("printer", p.ID)
	}
	if err := checkVersion("printer", p.ID, stored.Version, p.Version); err != nil {
		return err
	}
	p.Version++
	p.UpdatedAt = r.t.now()
	r.t.st.printers[p.ID] = *p
	return nil
}

type hardwareRepo struct{ t *memTx }

func (r hardwareRepo) Get(ctx context.Context, id uint64) (*models.Hardware, error) {
	h, ok := r.t.st.hardware[id]
	if !ok {
		return nil, apperr.NotFound("hardware", id)
	}
	return &h, nil
}

func (r hardwareRepo) ListByLocation(ctx context.Context, locationID uint64) ([]*models.Hardware, error) {
	var out []*models.Hardware
	for _, h := range r.t.st.hardware {
		if h.LocationID == locationID {
			cp := h
			out = append(out, &cp)
		}
	}
	sortByRegistration(out, func(h *models.Hardware) (time.Time, uint64) { return h.CreatedAt, h.ID })
	return out, nil
}

func (r hardwareRepo) Create(ctx context.Context, h *models.Hardware) error {
	for _, existing := range r.t.st.hardware {
		if strings.EqualFold(existing.Code, h.Code) {
			return apperr.Newf(apperr.KindConflict, "hardware code %s already exists", h.Code)
		}
	}
	now := r.t.now()
	h.ID = r.t.st.nextID("hardware")
	h.Version = 1
	h.CreatedAt, h.UpdatedAt = now, now
	r.t.st.hardware[h.ID] = *h
	return nil
}

func (r hardwareRepo) Update(ctx context.Context, h *models.Hardware) error {
	stored, ok := r.t.st.hardware[h.ID]
	if !ok {
		return apperr.NotFound("hardware", h.ID)
	}
	if err := checkVersion("hardware", h.ID, stored.Version, h.Version); err != nil {
		return err
	}
	h.Version++
	h.UpdatedAt = r.t.now()
	r.t.st.hardware[h.ID] = *h
	return nil
}

type userRepo struct{ t *memTx }

func (r userRepo) Get(ctx context.Context, id uint64) (*models.User, error) {
	u, ok := r.t.st.users[id]
	if !ok {
		return nil, apperr.NotFound("user", id)
	}
	return &u, nil
}

func (r userRepo) Create(ctx context.Context, u *models.User) error {
	for _, existing := range r.t.st.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return apperr.Newf(apperr.KindConflict, "username %s already exists", u.Username)
		}
	}
	now := r.t.now()
	u.ID = r.t.st.nextID("user")
	u.Version = 1
	u.CreatedAt, u.UpdatedAt = now, now
	r.t.st.users[u.ID] = *u
	return nil
}

func (r userRepo) Update(ctx context.Context, u *models.User) error {
	stored, ok := r.t.st.users[u.ID]
	if !ok {
		return apperr.NotFound("user", u.ID)
	}
	if err := checkVersion("user", u.ID, stored.Version, u.Version); err != nil {
		return err
	}
	u.Version++
	u.UpdatedAt = r.t.now()
	r.t.st.users[u.ID] = *u
	return nil
}

func (r userRepo) PutLocation(ctx context.Context, ul models.UserLocation) error {
	if _, ok := r.t.st.users[ul.UserID]; !ok {
		return apperr.NotFound("user", ul.UserID)
	}
	if _, ok := r.t.st.locations[ul.LocationID]; !ok {
		return apperr.NotFound("location", ul.LocationID)
	}
	key := userLocationKey{userID: ul.UserID, locationID: ul.LocationID}
	if existing, ok := r.t.st.userLocs[key]; ok {
		ul.CreatedAt = existing.CreatedAt
	} else {
		ul.CreatedAt = r.t.now()
	}
	if ul.IsPrimary {
		for k, other := range r.t.st.userLocs {
			if k.userID == ul.UserID && k != key && other.IsPrimary {
				other.IsPrimary = false
				r.t.st.userLocs[k] = other
			}
		}
	}
	r.t.st.userLocs[key] = ul
	return nil
}

func (r userRepo) RemoveLocation(ctx context.Context, userID, locationID uint64) error {
	delete(r.t.st.userLocs, userLocationKey{userID: userID, locationID: locationID})
	return nil
}

func (r userRepo) Locations(ctx context.Context, userID uint64) ([]models.UserLocation, error) {
	var out []models.UserLocation
	for k, ul := range r.t.st.userLocs {
		if k.userID == userID {
			out = append(out, ul)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationID < out[j].LocationID })
	return out, nil
}

func (r userRepo) PrintOperators(ctx context.Context, locationID uint64) ([]*models.User, error) {
	var out []*models.User
	for k, ul := range r.t.st.userLocs {
		if k.locationID != locationID || !ul.CanPrint {
			continue
		}
		u, ok := r.t.st.users[k.userID]
		if !ok || !u.Active {
			continue
		}
		cp := u
		out = append(out, &cp)
	}
	sortByRegistration(out, func(u *models.User) (time.Time, uint64) { return u.CreatedAt, u.ID })
	return out, nil
}

type auditRepo struct{ t *memTx }

func (r auditRepo) Append(ctx context.Context, e *models.AuditEntry) error {
	e.ID = r.t.st.nextID("audit")
	if e.At.IsZero() {
		e.At = r.t.now()
	}
	r.t.st.audit = append(r.t.st.audit, *e)
	return nil
}

func (r auditRepo) List(ctx context.Context, resourceType string, resourceID uint64) ([]*models.AuditEntry, error) {
	var out []*models.AuditEntry
	for _, e := range r.t.st.audit {
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			cp := e
			out = append(out, &cp)
		}
	}
	return out, nil
}

type outboxRepo struct{ t *memTx }

func (r outboxRepo) Append(ctx context.Context, e *models.OutboxEvent) error {
	now := r.t.now()
	e.ID = r.t.st.nextID("outbox")
	e.CreatedAt = now
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = now
	}
	r.t.st.outbox[e.ID] = *e
	return nil
}

func sortByRegistration[T any](items []*T, key func(*T) (time.Time, uint64)) {
	sort.Slice(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return idi < idj
	})
}
