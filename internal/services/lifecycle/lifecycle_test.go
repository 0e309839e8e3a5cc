package lifecycle_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/cache/rediscache"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/services/directory"
	"github.com/BearBump/LicenseFlow/internal/services/lifecycle"
	"github.com/BearBump/LicenseFlow/internal/services/servicetest"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

var (
	admin   = servicetest.Admin
	officer = models.Actor{UserID: 50, Role: models.RoleOfficer}
	printer = models.Actor{UserID: 51, Role: models.RolePrinter}
	viewer  = models.Actor{UserID: 52, Role: models.RoleViewer}
)

type LifecycleSuite struct {
	suite.Suite
	env *servicetest.Env
	mr  *miniredis.Miniredis
	gab *models.Location
}

func (s *LifecycleSuite) SetupTest() {
	s.mr = miniredis.RunT(s.T())
	rc := rediscache.New(s.mr.Addr())
	s.T().Cleanup(func() { _ = rc.Close() })

	opts := servicetest.DefaultOptions()
	opts.Cache = rc
	opts.Lifecycle = lifecycle.Config{LicenseNumberPrefix: "BW", WorkflowTTL: time.Minute}
	s.env = servicetest.New(s.T(), opts)
	s.gab = s.env.Location("GAB", models.PrintingTypeLocal)
}

func (s *LifecycleSuite) submitInput() lifecycle.SubmitInput {
	return lifecycle.SubmitInput{
		Type:                models.ApplicationTypeNew,
		IdentityDocumentRef: "doc",
		BiometricRef:        "bio",
		LocationID:          s.gab.ID,
	}
}

func (s *LifecycleSuite) TestSubmit_Validation() {
	in := s.submitInput()
	in.BiometricRef = ""
	_, err := s.env.Lifecycle.Submit(s.env.Ctx, in, admin)
	s.Require().True(apperr.Is(err, apperr.KindValidation))
	s.Require().Contains(apperr.Reason(err), "biometric_ref")

	in = s.submitInput()
	in.Type = models.ApplicationTypeRenewal
	_, err = s.env.Lifecycle.Submit(s.env.Ctx, in, admin)
	s.Require().True(apperr.Is(err, apperr.KindValidation))

	in = s.submitInput()
	in.Type = "lost"
	_, err = s.env.Lifecycle.Submit(s.env.Ctx, in, admin)
	s.Require().True(apperr.Is(err, apperr.KindValidation))

	in = s.submitInput()
	in.LocationID = 999
	_, err = s.env.Lifecycle.Submit(s.env.Ctx, in, admin)
	s.Require().True(apperr.Is(err, apperr.KindNotFound))

	_, err = s.env.Lifecycle.Submit(s.env.Ctx, s.submitInput(), viewer)
	s.Require().True(apperr.Is(err, apperr.KindPermission))
}

func (s *LifecycleSuite) TestSubmit_LocationScope() {
	_, err := s.env.Lifecycle.Submit(s.env.Ctx, s.submitInput(), officer)
	s.Require().True(apperr.Is(err, apperr.KindPermission))

	closed := s.env.Location("CLS", models.PrintingTypeLocal, func(in *directory.LocationInput) { in.AcceptsApplications = false })
	in := s.submitInput()
	in.LocationID = closed.ID
	_, err = s.env.Lifecycle.Submit(s.env.Ctx, in, admin)
	s.Require().True(apperr.Is(err, apperr.KindRouting))
}

func (s *LifecycleSuite) TestSubmit_RequiresCaptureHardware() {
	opts := servicetest.DefaultOptions()
	opts.Lifecycle.RequireCaptureHardware = true
	env := servicetest.New(s.T(), opts)
	loc := env.Location("CAP", models.PrintingTypeLocal)

	in := s.submitInput()
	in.LocationID = loc.ID
	_, err := env.Lifecycle.Submit(env.Ctx, in, admin)
	s.Require().True(apperr.Is(err, apperr.KindNoCapacity))

	_, err = env.Directory.RegisterHardware(env.Ctx, directory.HardwareInput{
		Code:       "CAM-1",
		Name:       "Desk camera",
		Type:       models.HardwareTypeWebcam,
		LocationID: loc.ID,
	}, admin)
	s.Require().NoError(err)
	app, err := env.Lifecycle.Submit(env.Ctx, in, admin)
	s.Require().NoError(err)
	s.Require().Equal(models.ApplicationStatusSubmitted, app.Status)
}

func (s *LifecycleSuite) TestTransition_DirectSuccessorOnly() {
	app := s.env.Submit(s.gab.ID, 0)

	_, err := s.env.Lifecycle.Transition(s.env.Ctx, app.ID, models.ApplicationStatusApproved, admin, "")
	s.Require().True(apperr.Is(err, apperr.KindInvalidTransition))

	_, err = s.env.Lifecycle.Transition(s.env.Ctx, app.ID, models.ApplicationStatusUnderReview, printer, "")
	s.Require().True(apperr.Is(err, apperr.KindPermission))

	_, err = s.env.Lifecycle.Transition(s.env.Ctx, app.ID, models.ApplicationStatusPrinting, admin, "")
	s.Require().True(apperr.Is(err, apperr.KindInvalidTransition))

	_, err = s.env.Lifecycle.Transition(s.env.Ctx, app.ID, "archived", admin, "")
	s.Require().True(apperr.Is(err, apperr.KindValidation))

	got, err := s.env.Lifecycle.Transition(s.env.Ctx, app.ID, models.ApplicationStatusUnderReview, admin, "looking")
	s.Require().NoError(err)
	s.Require().Equal(models.ApplicationStatusUnderReview, got.Status)
	s.Require().Equal(admin.UserID, got.ReviewedBy)

	_, err = s.env.Lifecycle.Transition(s.env.Ctx, app.ID, models.ApplicationStatusUnderReview, admin, "")
	s.Require().True(apperr.Is(err, apperr.KindInvalidTransition))
}

func (s *LifecycleSuite) TestReject() {
	app := s.env.Submit(s.gab.ID, 0)

	_, err := s.env.Lifecycle.Reject(s.env.Ctx, app.ID, admin, "  ")
	s.Require().True(apperr.Is(err, apperr.KindValidation))

	got, err := s.env.Lifecycle.Transition(s.env.Ctx, app.ID, models.ApplicationStatusRejected, admin, "blurry photo")
	s.Require().NoError(err)
	s.Require().Equal(models.ApplicationStatusRejected, got.Status)
	s.Require().Equal("blurry photo", got.ReviewNotes)

	_, err = s.env.Lifecycle.Cancel(s.env.Ctx, app.ID, admin, "")
	s.Require().True(apperr.Is(err, apperr.KindInvalidTransition))

	entries := s.audit(app.ID)
	s.Require().Equal("reject", entries[len(entries)-1].Action)
}

func (s *LifecycleSuite) TestPaymentAndLicense() {
	app := s.env.Submit(s.gab.ID, 0)

	_, err := s.env.Lifecycle.RecordPayment(s.env.Ctx, app.ID, decimal.NewFromInt(100), "REF", admin)
	s.Require().True(apperr.Is(err, apperr.KindInvalidTransition))

	_, err = s.env.Lifecycle.Transition(s.env.Ctx, app.ID, models.ApplicationStatusUnderReview, admin, "")
	s.Require().NoError(err)
	_, err = s.env.Lifecycle.Transition(s.env.Ctx, app.ID, models.ApplicationStatusApproved, admin, "")
	s.Require().NoError(err)

	_, err = s.env.Lifecycle.RecordPayment(s.env.Ctx, app.ID, decimal.Zero, "REF", admin)
	s.Require().True(apperr.Is(err, apperr.KindValidation))
	_, err = s.env.Lifecycle.RecordPayment(s.env.Ctx, app.ID, decimal.NewFromInt(100), "", admin)
	s.Require().True(apperr.Is(err, apperr.KindValidation))

	paid, err := s.env.Lifecycle.RecordPayment(s.env.Ctx, app.ID, decimal.RequireFromString("120.50"), "REF-9", admin)
	s.Require().NoError(err)
	s.Require().Equal(models.ApplicationStatusPendingPayment, paid.Status)
	s.Require().True(paid.PaymentAmount.Equal(decimal.RequireFromString("120.5")))

	artifacts := models.Artifacts{Front: "f.png"}
	_, err = s.env.Lifecycle.RegisterLicense(s.env.Ctx, app.ID, artifacts, admin)
	s.Require().True(apperr.Is(err, apperr.KindState))

	_, err = s.env.Lifecycle.ConfirmPayment(s.env.Ctx, app.ID, admin)
	s.Require().NoError(err)
	_, err = s.env.Lifecycle.RegisterLicense(s.env.Ctx, app.ID, models.Artifacts{}, admin)
	s.Require().True(apperr.Is(err, apperr.KindValidation))

	lic, err := s.env.Lifecycle.RegisterLicense(s.env.Ctx, app.ID, artifacts, admin)
	s.Require().NoError(err)
	s.Require().Regexp(`^BW-\d{4}-\d{8}$`, lic.LicenseNumber)
	s.Require().Equal("v1", lic.ComplianceVersion)
	s.Require().Equal("GAB", lic.CollectionPoint)

	_, err = s.env.Lifecycle.RegisterLicense(s.env.Ctx, app.ID, artifacts, admin)
	s.Require().True(apperr.Is(err, apperr.KindInvalidTransition))
}

func (s *LifecycleSuite) TestCancel_AfterPrintingStartedNeedsSupervisor() {
	s.env.Staffed(s.gab.ID)
	app, lic := s.env.Licensed(s.gab.ID, 0)
	job := s.env.ActiveJob(lic.ID)
	job, err := s.env.Queue.Assign(s.env.Ctx, job.ID, 0, admin)
	s.Require().NoError(err)
	_, err = s.env.Queue.Start(s.env.Ctx, job.ID, job.AssignedTo, admin)
	s.Require().NoError(err)
	s.env.Pump()
	s.Require().Equal(models.ApplicationStatusPrinting, s.env.App(app.ID).Status)

	_, err = s.env.Lifecycle.Cancel(s.env.Ctx, app.ID, officer, "")
	s.Require().True(apperr.Is(err, apperr.KindPermission))

	got, err := s.env.Lifecycle.Cancel(s.env.Ctx, app.ID, models.Actor{UserID: 3, Role: models.RoleManager}, "duplicate")
	s.Require().NoError(err)
	s.Require().Equal(models.ApplicationStatusCancelled, got.Status)
	s.env.Pump()

	wf, err := s.env.Lifecycle.WorkflowStatus(s.env.Ctx, app.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.LicenseStatusCancelled, wf.License.Status)
	s.Require().Equal(models.PrintJobStatusCancelled, wf.PrintJob.Status)
}

func (s *LifecycleSuite) TestPreferredDateInFutureHoldsCollection() {
	s.env.Staffed(s.gab.ID)
	future := time.Now().Add(72 * time.Hour)
	app, err := s.env.Lifecycle.Submit(s.env.Ctx, lifecycle.SubmitInput{
		Type:                    models.ApplicationTypeNew,
		IdentityDocumentRef:     "doc",
		BiometricRef:            "bio",
		LocationID:              s.gab.ID,
		PreferredCollectionDate: &future,
	}, admin)
	s.Require().NoError(err)
	s.env.Approve(app.ID)
	lic, err := s.env.Lifecycle.RegisterLicense(s.env.Ctx, app.ID, models.Artifacts{Combined: "c.pdf"}, admin)
	s.Require().NoError(err)
	s.env.Pump()
	s.env.Print(s.env.ActiveJob(lic.ID).ID)

	wf, err := s.env.Lifecycle.WorkflowStatus(s.env.Ctx, app.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.ApplicationStatusReadyForCollection, wf.Application.Status)
	s.Require().Equal(models.LicenseStatusPendingCollection, wf.License.Status)

	waiting, err := s.env.Shipping.AwaitingCollection(s.env.Ctx, "GAB")
	s.Require().NoError(err)
	s.Require().Len(waiting, 1)
}

func (s *LifecycleSuite) TestWorkflowStatus_CachedUntilChange() {
	app := s.env.Submit(s.gab.ID, 0)
	key := "application:" + itoa(app.ID) + ":workflow"

	wf, err := s.env.Lifecycle.WorkflowStatus(s.env.Ctx, app.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.ApplicationStatusSubmitted, wf.Application.Status)
	s.Require().True(s.mr.Exists(key))
	s.Require().Greater(s.mr.TTL(key), time.Duration(0))

	_, err = s.env.Lifecycle.Transition(s.env.Ctx, app.ID, models.ApplicationStatusUnderReview, admin, "")
	s.Require().NoError(err)
	s.Require().False(s.mr.Exists(key))

	wf, err = s.env.Lifecycle.WorkflowStatus(s.env.Ctx, app.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.ApplicationStatusUnderReview, wf.Application.Status)
}

func (s *LifecycleSuite) TestStatistics() {
	s.env.Submit(s.gab.ID, 0)
	app := s.env.Submit(s.gab.ID, 0)
	_, err := s.env.Lifecycle.Reject(s.env.Ctx, app.ID, admin, "incomplete")
	s.Require().NoError(err)

	stats, err := s.env.Lifecycle.Statistics(s.env.Ctx)
	s.Require().NoError(err)
	s.Require().Equal(1, stats[models.ApplicationStatusSubmitted])
	s.Require().Equal(1, stats[models.ApplicationStatusRejected])
	s.Require().Len(stats, len(models.ApplicationStatuses()))

	list, err := s.env.Lifecycle.List(s.env.Ctx, storage.ApplicationFilter{Statuses: []models.ApplicationStatus{models.ApplicationStatusRejected}})
	s.Require().NoError(err)
	s.Require().Len(list, 1)
	s.Require().Equal(app.ID, list[0].ID)
}

func (s *LifecycleSuite) audit(appID uint64) []*models.AuditEntry {
	var out []*models.AuditEntry
	s.Require().NoError(s.env.Store.InTx(s.env.Ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.Audit().List(ctx, "application", appID)
		return err
	}))
	return out
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func TestLifecycleSuite(t *testing.T) {
	suite.Run(t, new(LifecycleSuite))
}
