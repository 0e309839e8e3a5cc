// Package memstore is an in-memory storage backend.
//
// Transactions are serialized by a store-wide mutex and run against a private
// copy of the state which replaces the committed state only when the
// transaction function returns nil. InTx must not be nested.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

type userLocationKey struct {
	userID     uint64
	locationID uint64
}

type state struct {
	seq map[string]uint64

	applications map[uint64]models.Application
	licenses     map[uint64]models.License
	printJobs    map[uint64]models.PrintJob
	shipments    map[uint64]models.ShippingRecord
	locations    map[uint64]models.Location
	printers     map[uint64]models.Printer
	hardware     map[uint64]models.Hardware
	users        map[uint64]models.User
	userLocs     map[userLocationKey]models.UserLocation
	audit        []models.AuditEntry
	outbox       map[uint64]models.OutboxEvent
}

func newState() *state {
	return &state{
		seq:          map[string]uint64{},
		applications: map[uint64]models.Application{},
		licenses:     map[uint64]models.License{},
		printJobs:    map[uint64]models.PrintJob{},
		shipments:    map[uint64]models.ShippingRecord{},
		locations:    map[uint64]models.Location{},
		printers:     map[uint64]models.Printer{},
		hardware:     map[uint64]models.Hardware{},
		users:        map[uint64]models.User{},
		userLocs:     map[userLocationKey]models.UserLocation{},
		outbox:       map[uint64]models.OutboxEvent{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		seq:          cloneMap(s.seq),
		applications: cloneMap(s.applications),
		licenses:     cloneMap(s.licenses),
		printJobs:    cloneMap(s.printJobs),
		shipments:    cloneMap(s.shipments),
		locations:    cloneMap(s.locations),
		printers:     cloneMap(s.printers),
		hardware:     cloneMap(s.hardware),
		users:        cloneMap(s.users),
		userLocs:     cloneMap(s.userLocs),
		audit:        append([]models.AuditEntry(nil), s.audit...),
		outbox:       cloneMap(s.outbox),
	}
}

func (s *state) nextID(entity string) uint64 {
	s.seq[entity]++
	return s.seq[entity]
}

type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

func New() *Store {
	return &Store{
		st:  newState(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for created/updated timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &memTx{st: work, now: s.now}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Close() {}

func (s *Store) ClaimOutbox(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []models.OutboxEvent
	for _, e := range s.st.outbox {
		if e.PublishedAt == nil {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	held := map[string]bool{}
	var due []models.OutboxEvent
	for _, e := range pending {
		switch {
		case e.NextAttemptAt.After(now):
			held[e.Key] = true
		case !held[e.Key]:
			due = append(due, e)
		}
	}
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	leaseUntil := now.UTC().Add(lease)
	out := make([]*models.OutboxEvent, 0, len(due))
	for _, e := range due {
		e.NextAttemptAt = leaseUntil
		s.st.outbox[e.ID] = e
		cp := e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) MarkOutboxPublished(ctx context.Context, id uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.st.outbox[id]
	if !ok {
		return apperr.NotFound("outbox event", id)
	}
	at = at.UTC()
	e.PublishedAt = &at
	e.Attempts++
	e.LastError = ""
	s.st.outbox[id] = e
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id uint64, lastErr string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.st.outbox[id]
	if !ok {
		return apperr.NotFound("outbox event", id)
	}
	e.Attempts++
	e.LastError = lastErr
	e.NextAttemptAt = nextAttemptAt.UTC()
	s.st.outbox[id] = e
	return nil
}

// PendingOutbox counts events not yet published.
func (s *Store) PendingOutbox() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.st.outbox {
		if e.PublishedAt == nil {
			n++
		}
	}
	return n
}

func (s *Store) ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.ShippingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.ShippingRecord
	for _, r := range s.st.shipments {
		if r.Status != models.ShippingStatusInTransit || r.TrackingNumber == "" {
			continue
		}
		if r.NextCheckAt != nil && r.NextCheckAt.After(now) {
			continue
		}
		due = append(due, r)
	}
	sort.Slice(due, func(i, j int) bool {
		return checkTime(due[i]).Before(checkTime(due[j])) ||
			(checkTime(due[i]).Equal(checkTime(due[j])) && due[i].ID < due[j].ID)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	leaseUntil := now.UTC().Add(lease)
	out := make([]*models.ShippingRecord, 0, len(due))
	for _, r := range due {
		r.NextCheckAt = &leaseUntil
		s.st.shipments[r.ID] = r
		cp := r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) RecordShipmentCheck(ctx context.Context, id uint64, checkedAt time.Time, failed bool, nextCheckAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.st.shipments[id]
	if !ok {
		return apperr.NotFound("shipping record", id)
	}
	checkedAt, nextCheckAt = checkedAt.UTC(), nextCheckAt.UTC()
	r.LastCheckedAt = &checkedAt
	r.NextCheckAt = &nextCheckAt
	if failed {
		r.CheckFailCount++
	} else {
		r.CheckFailCount = 0
	}
	s.st.shipments[id] = r
	return nil
}

func checkTime(r models.ShippingRecord) time.Time {
	if r.NextCheckAt == nil {
		return time.Time{}
	}
	return *r.NextCheckAt
}

type memTx struct {
	st  *state
	now func() time.Time
}

func (t *memTx) Applications() storage.ApplicationRepository { return applicationRepo{t} }
func (t *memTx) Licenses() storage.LicenseRepository         { return licenseRepo{t} }
func (t *memTx) PrintJobs() storage.PrintJobRepository       { return printJobRepo{t} }
func (t *memTx) Shipments() storage.ShippingRepository       { return shippingRepo{t} }
func (t *memTx) Locations() storage.LocationRepository       { return locationRepo{t} }
func (t *memTx) Printers() storage.PrinterRepository         { return printerRepo{t} }
func (t *memTx) Hardware() storage.HardwareRepository        { return hardwareRepo{t} }
func (t *memTx) Users() storage.UserRepository               { return userRepo{t} }
func (t *memTx) Audit() storage.AuditRepository              { return auditRepo{t} }
func (t *memTx) Outbox() storage.OutboxRepository            { return outboxRepo{t} }

func checkVersion(entity string, id uint64, stored, given int64) error {
	if stored != given {
		return apperr.Newf(apperr.KindConflict, "%s %d was modified concurrently (version %d, expected %d)", entity, id, stored, given)
	}
	return nil
}

func limitSlice[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

func containsValue[T comparable](set []T, v T) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
