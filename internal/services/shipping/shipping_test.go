package shipping_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/cache/rediscache"
	"github.com/BearBump/LicenseFlow/internal/integrations/courier"
	couriermocks "github.com/BearBump/LicenseFlow/internal/integrations/courier/mocks"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/services/poller"
	pollermocks "github.com/BearBump/LicenseFlow/internal/services/poller/mocks"
	"github.com/BearBump/LicenseFlow/internal/services/servicetest"
	"github.com/BearBump/LicenseFlow/internal/services/shipping"
)

var (
	admin   = servicetest.Admin
	officer = models.Actor{UserID: 77, Role: models.RoleOfficer}
)

type ShippingSuite struct {
	suite.Suite
	env *servicetest.Env
	hub *models.Location
	rem *models.Location
	seq int
}

func (s *ShippingSuite) SetupTest() {
	opts := servicetest.DefaultOptions()
	opts.Printing.HubLocationCode = "HUB"
	s.env = servicetest.New(s.T(), opts)
	s.hub = s.env.Location("HUB", models.PrintingTypeLocal)
	s.env.Staffed(s.hub.ID)
	s.rem = s.env.Location("REM", models.PrintingTypeCentralized)
}

// printedRemote prints a card at the hub for a REM application and returns
// its pending shipping record.
func (s *ShippingSuite) printedRemote() (*models.Application, *models.ShippingRecord) {
	app, lic := s.env.Licensed(s.rem.ID, 0)
	job := s.env.Print(s.env.ActiveJob(lic.ID).ID)
	recs, err := s.env.Shipping.ByCollectionPoint(s.env.Ctx, "REM")
	s.Require().NoError(err)
	for _, r := range recs {
		if r.PrintJobID == job.ID {
			return app, r
		}
	}
	s.FailNow("no shipping record for job")
	return nil, nil
}

func (s *ShippingSuite) shipped(carrier string) (*models.Application, *models.ShippingRecord) {
	app, rec := s.printedRemote()
	s.seq++
	rec, err := s.env.Shipping.MarkShipped(s.env.Ctx, rec.ID, shipping.ShipInput{
		TrackingNumber: fmt.Sprintf("TRK-%d", s.seq),
		Carrier:        carrier,
	}, admin)
	s.Require().NoError(err)
	s.env.Pump()
	return app, rec
}

func (s *ShippingSuite) TestCreateFromCompletedJob_RecordsDestination() {
	_, rec := s.printedRemote()
	s.Require().Equal(models.ShippingStatusPending, rec.Status)
	s.Require().Equal("REM", rec.CollectionPoint)
	s.Require().NotEmpty(rec.Address)
}

func (s *ShippingSuite) TestMarkShipped() {
	app, rec := s.printedRemote()

	_, err := s.env.Shipping.MarkShipped(s.env.Ctx, rec.ID, shipping.ShipInput{TrackingNumber: " "}, admin)
	s.Require().True(apperr.Is(err, apperr.KindValidation))

	got, err := s.env.Shipping.MarkShipped(s.env.Ctx, rec.ID, shipping.ShipInput{TrackingNumber: "TRK-9", Carrier: "dhl"}, admin)
	s.Require().NoError(err)
	s.Require().Equal(models.ShippingStatusInTransit, got.Status)
	s.Require().NotNil(got.ShippedAt)
	s.env.Pump()
	s.Require().Equal(models.ApplicationStatusShipped, s.env.App(app.ID).Status)

	_, err = s.env.Shipping.MarkShipped(s.env.Ctx, rec.ID, shipping.ShipInput{TrackingNumber: "TRK-10"}, admin)
	s.Require().True(apperr.Is(err, apperr.KindState))

	byNumber, err := s.env.Shipping.ByTrackingNumber(s.env.Ctx, "TRK-9")
	s.Require().NoError(err)
	s.Require().Equal(rec.ID, byNumber.ID)
}

func (s *ShippingSuite) TestMarkDelivered_OnlyInTransit() {
	_, rec := s.printedRemote()
	_, err := s.env.Shipping.MarkDelivered(s.env.Ctx, rec.ID, "desk", admin)
	s.Require().True(apperr.Is(err, apperr.KindState))
}

func (s *ShippingSuite) TestFailAndRedispatch() {
	app, rec := s.shipped("dhl")

	_, err := s.env.Shipping.MarkFailed(s.env.Ctx, rec.ID, "", admin)
	s.Require().True(apperr.Is(err, apperr.KindValidation))

	_, err = s.env.Shipping.Redispatch(s.env.Ctx, rec.ID, admin)
	s.Require().True(apperr.Is(err, apperr.KindState))

	failed, err := s.env.Shipping.MarkFailed(s.env.Ctx, rec.ID, "parcel lost", admin)
	s.Require().NoError(err)
	s.Require().Equal(models.ShippingStatusFailed, failed.Status)
	s.Require().Nil(failed.NextCheckAt)
	s.env.Pump()

	got := s.env.App(app.ID)
	s.Require().Equal(models.ApplicationStatusShipped, got.Status)
	s.Require().Contains(got.LastError, "parcel lost")

	_, err = s.env.Shipping.MarkFailed(s.env.Ctx, rec.ID, "again", admin)
	s.Require().True(apperr.Is(err, apperr.KindState))

	next, err := s.env.Shipping.Redispatch(s.env.Ctx, rec.ID, admin)
	s.Require().NoError(err)
	s.Require().NotEqual(rec.ID, next.ID)
	s.Require().Equal(models.ShippingStatusPending, next.Status)
	s.Require().Equal(rec.LicenseID, next.LicenseID)
	s.Require().Equal("REM", next.CollectionPoint)
}

func (s *ShippingSuite) TestCancelledApplicationFailsShipments() {
	app, rec := s.printedRemote()

	got, err := s.env.Lifecycle.Cancel(s.env.Ctx, app.ID, admin, "citizen withdrew")
	s.Require().NoError(err)
	s.Require().Equal(models.ApplicationStatusCancelled, got.Status)
	s.env.Pump()

	rec, err = s.env.Shipping.Get(s.env.Ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.ShippingStatusFailed, rec.Status)
	s.Require().Equal("citizen withdrew", rec.FailureReason)

	n, err := s.env.Shipping.CancelForApplication(s.env.Ctx, app.ID, "")
	s.Require().NoError(err)
	s.Require().Zero(n)

	stats, err := s.env.Shipping.Statistics(s.env.Ctx)
	s.Require().NoError(err)
	s.Require().Equal(1, stats[models.ShippingStatusFailed])
	s.Require().Zero(stats[models.ShippingStatusPending])
	s.Require().Len(stats, len(models.ShippingStatuses()))
}

func (s *ShippingSuite) TestRecordCollection() {
	gab := s.env.Location("GAB", models.PrintingTypeLocal)
	s.env.Staffed(gab.ID)
	app, lic := s.env.Licensed(gab.ID, 0)
	s.env.Print(s.env.ActiveJob(lic.ID).ID)

	_, err := s.env.Shipping.RecordCollection(s.env.Ctx, lic.ID, "", "GAB", admin)
	s.Require().True(apperr.Is(err, apperr.KindValidation))

	_, err = s.env.Shipping.RecordCollection(s.env.Ctx, lic.ID, "Citizen", "REM", admin)
	s.Require().True(apperr.Is(err, apperr.KindValidation))

	_, err = s.env.Shipping.RecordCollection(s.env.Ctx, lic.ID, "Citizen", "GAB", officer)
	s.Require().True(apperr.Is(err, apperr.KindPermission))

	waiting, err := s.env.Shipping.AwaitingCollection(s.env.Ctx, "GAB")
	s.Require().NoError(err)
	s.Require().Len(waiting, 1)

	got, err := s.env.Shipping.RecordCollection(s.env.Ctx, lic.ID, "Citizen", "gab", admin)
	s.Require().NoError(err)
	s.Require().Equal(models.LicenseStatusCollected, got.Status)
	s.Require().Equal("Citizen", got.CollectedBy)
	s.Require().NotNil(got.CollectedAt)
	s.env.Pump()
	s.Require().Equal(models.ApplicationStatusCollected, s.env.App(app.ID).Status)

	_, err = s.env.Shipping.RecordCollection(s.env.Ctx, lic.ID, "Citizen", "GAB", admin)
	s.Require().True(apperr.Is(err, apperr.KindState))

	waiting, err = s.env.Shipping.AwaitingCollection(s.env.Ctx, "GAB")
	s.Require().NoError(err)
	s.Require().Empty(waiting)
}

func (s *ShippingSuite) checker(client courier.Client, rl shipping.RateLimiter, cfg shipping.CheckerConfig) *shipping.DeliveryChecker {
	r := pollermocks.NewRand(s.T())
	r.On("Intn", mock.Anything).Return(0).Maybe()
	planner := poller.NewPlanner(poller.DefaultPlannerConfig(), r)
	return shipping.NewDeliveryChecker(s.env.Store, s.env.Shipping, client, planner, rl, cfg, nil)
}

func (s *ShippingSuite) TestDeliveryChecker_AppliesCourierStatus() {
	delivered, recDelivered := s.shipped("dhl")
	failed, recFailed := s.shipped("dhl")
	_, recMoving := s.shipped("dhl")

	client := couriermocks.NewClient(s.T())
	client.On("GetTracking", mock.Anything, "dhl", recDelivered.TrackingNumber).
		Return(courier.TrackingResult{Status: courier.StatusDelivered, ReceivedBy: "clerk"}, nil).Once()
	client.On("GetTracking", mock.Anything, "dhl", recFailed.TrackingNumber).
		Return(courier.TrackingResult{Status: courier.StatusFailed, StatusRaw: "RETURNED"}, nil).Once()
	client.On("GetTracking", mock.Anything, "dhl", recMoving.TrackingNumber).
		Return(courier.TrackingResult{Status: courier.StatusInTransit}, nil).Once()

	before := time.Now().UTC()
	res, err := s.checker(client, nil, shipping.CheckerConfig{Concurrency: 2}).RunOnce(s.env.Ctx)
	s.Require().NoError(err)
	s.Require().Equal(3, res.Claimed)
	s.Require().Equal(3, res.Processed)
	s.Require().Zero(res.Errors)
	s.Require().Equal(map[string]int{"delivered": 1, "failed": 1, "in_transit": 1}, res.Outcomes)
	s.env.Pump()

	wf, err := s.env.Lifecycle.WorkflowStatus(s.env.Ctx, delivered.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.ApplicationStatusCollected, wf.Application.Status)
	s.Require().Equal("clerk", wf.License.CollectedBy)

	got := s.env.App(failed.ID)
	s.Require().Equal(models.ApplicationStatusShipped, got.Status)
	s.Require().Contains(got.LastError, "RETURNED")

	moving, err := s.env.Shipping.Get(s.env.Ctx, recMoving.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.ShippingStatusInTransit, moving.Status)
	s.Require().NotNil(moving.NextCheckAt)
	s.Require().False(moving.NextCheckAt.Before(before.Add(30 * time.Minute)))

	// nothing is due until the next check time
	res, err = s.checker(client, nil, shipping.CheckerConfig{}).RunOnce(s.env.Ctx)
	s.Require().NoError(err)
	s.Require().Zero(res.Claimed)
}

func (s *ShippingSuite) TestDeliveryChecker_BacksOffOnCourierErrors() {
	_, rec := s.shipped("dhl")

	client := couriermocks.NewClient(s.T())
	client.On("GetTracking", mock.Anything, "dhl", rec.TrackingNumber).
		Return(courier.TrackingResult{}, errors.New("courier unavailable")).Once()

	before := time.Now().UTC()
	res, err := s.checker(client, nil, shipping.CheckerConfig{}).RunOnce(s.env.Ctx)
	s.Require().NoError(err)
	s.Require().Equal(1, res.Errors)
	s.Require().Equal(1, res.Outcomes["error"])
	s.Require().Equal("courier unavailable", res.LastError)

	got, err := s.env.Shipping.Get(s.env.Ctx, rec.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.ShippingStatusInTransit, got.Status)
	s.Require().EqualValues(1, got.CheckFailCount)
	s.Require().WithinDuration(before.Add(5*time.Minute), *got.NextCheckAt, time.Minute)
}

func (s *ShippingSuite) TestDeliveryChecker_RateLimitedPerCarrier() {
	_, first := s.shipped("DHL")
	_, second := s.shipped("DHL")

	mr := miniredis.RunT(s.T())
	rl := rediscache.NewCarrierLimiter(mr.Addr())
	s.T().Cleanup(func() { _ = rl.Close() })

	client := couriermocks.NewClient(s.T())
	client.On("GetTracking", mock.Anything, "DHL", mock.MatchedBy(func(n string) bool {
		return n == first.TrackingNumber || n == second.TrackingNumber
	})).Return(courier.TrackingResult{Status: courier.StatusInTransit}, nil).Once()

	res, err := s.checker(client, rl, shipping.CheckerConfig{
		Concurrency:        1,
		RateLimitPerMinute: 100,
		CarrierLimits:      map[string]int64{"dhl": 1},
	}).RunOnce(s.env.Ctx)
	s.Require().NoError(err)
	s.Require().Equal(2, res.Claimed)
	s.Require().Equal(1, res.Outcomes["in_transit"])
	s.Require().Equal(1, res.Outcomes["rate_limited"])
	s.Require().Zero(res.Errors)
}

func TestShippingSuite(t *testing.T) {
	suite.Run(t, new(ShippingSuite))
}
