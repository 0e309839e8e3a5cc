// Package servicetest wires the services on the in-memory store and bus for
// tests that exercise the event flow end to end.
package servicetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/LicenseFlow/internal/broker/chanbus"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/outbox"
	"github.com/BearBump/LicenseFlow/internal/services/directory"
	"github.com/BearBump/LicenseFlow/internal/services/dispatch"
	"github.com/BearBump/LicenseFlow/internal/services/lifecycle"
	"github.com/BearBump/LicenseFlow/internal/services/printqueue"
	"github.com/BearBump/LicenseFlow/internal/services/shipping"
	"github.com/BearBump/LicenseFlow/internal/storage/memstore"
)

var Admin = models.Actor{UserID: 1, Role: models.RoleAdmin}

type Options struct {
	Printing    printqueue.Config
	Lifecycle   lifecycle.Config
	AutoEnqueue bool
	Cache       lifecycle.Cache
	Guard       dispatch.Guard
}

func DefaultOptions() Options {
	return Options{
		Printing: printqueue.Config{
			MaxRetries:        3,
			AssignmentTimeout: 4 * time.Hour,
			DefaultPriority:   models.PriorityNormal,
		},
		AutoEnqueue: true,
	}
}

type Env struct {
	t   testing.TB
	Ctx context.Context

	Store      *memstore.Store
	Bus        *chanbus.Bus
	Events     *outbox.Emitter
	Relay      *outbox.Relay
	Directory  *directory.Service
	Lifecycle  *lifecycle.Manager
	Queue      *printqueue.Manager
	Shipping   *shipping.Tracker
	Dispatcher *dispatch.Dispatcher

	seq int
}

func New(t testing.TB, opts Options) *Env {
	st := memstore.New()
	bus := chanbus.New()
	events := outbox.NewEmitter("licenseflow.test", nil)
	ship := shipping.New(st, events, nil)
	lc := lifecycle.New(st, events, ship, opts.Lifecycle, nil)
	if opts.Cache != nil {
		lc.WithCache(opts.Cache)
	}
	pq := printqueue.New(st, events, opts.Printing, nil)
	d := dispatch.New(lc, pq, ship, dispatch.Config{AutoEnqueue: opts.AutoEnqueue}, nil)
	if opts.Guard != nil {
		d.WithGuard(opts.Guard)
	}
	return &Env{
		t:          t,
		Ctx:        context.Background(),
		Store:      st,
		Bus:        bus,
		Events:     events,
		Relay:      outbox.NewRelay(st, bus, outbox.RelayConfig{BatchSize: 100, Lease: time.Minute}, nil),
		Directory:  directory.New(st, nil),
		Lifecycle:  lc,
		Queue:      pq,
		Shipping:   ship,
		Dispatcher: d,
	}
}

// Pump relays and dispatches events until nothing is left.
func (e *Env) Pump() {
	e.t.Helper()
	for i := 0; i < 50; i++ {
		res, err := e.Relay.RunOnce(e.Ctx)
		require.NoError(e.t, err)
		n, err := e.Bus.Drain(e.Ctx, e.Dispatcher.Handle)
		require.NoError(e.t, err)
		if res.Claimed == 0 && n == 0 {
			return
		}
	}
	e.t.Fatal("events did not settle")
}

func (e *Env) next() int {
	e.seq++
	return e.seq
}

// Location registers an active location that accepts applications and collections.
func (e *Env) Location(code string, pt models.PrintingType, mods ...func(*directory.LocationInput)) *models.Location {
	e.t.Helper()
	in := directory.LocationInput{
		Code:                code,
		Name:                "Office " + code,
		AddressLine1:        "1 Main Road",
		City:                "Gaborone",
		PrintingType:        pt,
		AcceptsApplications: true,
		AcceptsCollections:  true,
		Active:              true,
	}
	for _, m := range mods {
		m(&in)
	}
	l, err := e.Directory.CreateLocation(e.Ctx, in, Admin)
	require.NoError(e.t, err)
	return l
}

// Operator creates a printer-role user allowed to print at the location.
func (e *Env) Operator(locationID uint64) *models.User {
	e.t.Helper()
	u, err := e.Directory.CreateUser(e.Ctx, directory.UserInput{
		Username: fmt.Sprintf("operator-%d", e.next()),
		Role:     models.RolePrinter,
	}, Admin)
	require.NoError(e.t, err)
	require.NoError(e.t, e.Directory.GrantLocation(e.Ctx, models.UserLocation{
		UserID:     u.ID,
		LocationID: locationID,
		CanPrint:   true,
	}, Admin))
	return u
}

func (e *Env) Printer(locationID uint64) *models.Printer {
	e.t.Helper()
	p, err := e.Directory.RegisterPrinter(e.Ctx, directory.PrinterInput{
		Code:       fmt.Sprintf("PRN-%d", e.next()),
		Name:       "Card printer",
		Type:       models.PrinterTypeCard,
		LocationID: locationID,
	}, Admin)
	require.NoError(e.t, err)
	return p
}

// Staffed adds one operator and one printer to the location.
func (e *Env) Staffed(locationID uint64) (*models.User, *models.Printer) {
	e.t.Helper()
	return e.Operator(locationID), e.Printer(locationID)
}

// Submit creates a new-license application at the location.
func (e *Env) Submit(locationID, collectionID uint64) *models.Application {
	e.t.Helper()
	app, err := e.Lifecycle.Submit(e.Ctx, lifecycle.SubmitInput{
		Type:                 models.ApplicationTypeNew,
		CitizenRef:           fmt.Sprintf("citizen-%d", e.next()),
		IdentityDocumentRef:  "doc-ref",
		BiometricRef:         "bio-ref",
		LocationID:           locationID,
		CollectionLocationID: collectionID,
	}, Admin)
	require.NoError(e.t, err)
	return app
}

// Licensed walks a fresh application up to license_generated and pumps events.
func (e *Env) Licensed(locationID, collectionID uint64) (*models.Application, *models.License) {
	e.t.Helper()
	app := e.Submit(locationID, collectionID)
	e.Approve(app.ID)
	lic, err := e.Lifecycle.RegisterLicense(e.Ctx, app.ID, models.Artifacts{Front: "front.png", Back: "back.png"}, Admin)
	require.NoError(e.t, err)
	e.Pump()
	app, err = e.Lifecycle.Get(e.Ctx, app.ID)
	require.NoError(e.t, err)
	return app, lic
}

// Approve moves a submitted application to pending_payment with payment confirmed.
func (e *Env) Approve(appID uint64) {
	e.t.Helper()
	_, err := e.Lifecycle.Transition(e.Ctx, appID, models.ApplicationStatusUnderReview, Admin, "")
	require.NoError(e.t, err)
	_, err = e.Lifecycle.Transition(e.Ctx, appID, models.ApplicationStatusApproved, Admin, "documents verified")
	require.NoError(e.t, err)
	_, err = e.Lifecycle.RecordPayment(e.Ctx, appID, decimal.NewFromInt(250), "PAY-1", Admin)
	require.NoError(e.t, err)
	_, err = e.Lifecycle.ConfirmPayment(e.Ctx, appID, Admin)
	require.NoError(e.t, err)
}

// Print assigns, starts and completes the job, then pumps events.
func (e *Env) Print(jobID uint64) *models.PrintJob {
	e.t.Helper()
	job, err := e.Queue.Assign(e.Ctx, jobID, printqueue.AutoAssign, Admin)
	require.NoError(e.t, err)
	_, err = e.Queue.Start(e.Ctx, jobID, job.AssignedTo, Admin)
	require.NoError(e.t, err)
	job, err = e.Queue.Complete(e.Ctx, jobID, job.AssignedTo, 1, "", Admin)
	require.NoError(e.t, err)
	e.Pump()
	return job
}

func (e *Env) App(id uint64) *models.Application {
	e.t.Helper()
	app, err := e.Lifecycle.Get(e.Ctx, id)
	require.NoError(e.t, err)
	return app
}

// ActiveJob returns the license's active print job or nil.
func (e *Env) ActiveJob(licenseID uint64) *models.PrintJob {
	e.t.Helper()
	j, err := e.Queue.ActiveForLicense(e.Ctx, licenseID)
	require.NoError(e.t, err)
	return j
}
