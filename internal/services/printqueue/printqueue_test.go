package printqueue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/services/directory"
	"github.com/BearBump/LicenseFlow/internal/services/printqueue"
	"github.com/BearBump/LicenseFlow/internal/services/servicetest"
)

var admin = servicetest.Admin

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type QueueSuite struct {
	suite.Suite
	env   *servicetest.Env
	clock *clock
	gab   *models.Location
}

func (s *QueueSuite) SetupTest() {
	opts := servicetest.DefaultOptions()
	opts.Printing.MaxRetries = 2
	opts.Printing.AssignmentTimeout = time.Hour
	s.env = servicetest.New(s.T(), opts)
	s.clock = &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	s.env.Queue.WithClock(s.clock.Now)
	s.gab = s.env.Location("GAB", models.PrintingTypeLocal)
}

func (s *QueueSuite) queued() (*models.Application, *models.PrintJob) {
	app, lic := s.env.Licensed(s.gab.ID, 0)
	job := s.env.ActiveJob(lic.ID)
	s.Require().NotNil(job)
	return app, job
}

func (s *QueueSuite) TestEnqueue_OneActiveJobPerLicense() {
	s.env.Staffed(s.gab.ID)
	app, job := s.queued()

	_, err := s.env.Queue.Enqueue(s.env.Ctx, printqueue.EnqueueInput{ApplicationID: app.ID, LicenseID: job.LicenseID}, admin)
	s.Require().True(apperr.Is(err, apperr.KindConflict), err)

	_, err = s.env.Queue.Enqueue(s.env.Ctx, printqueue.EnqueueInput{ApplicationID: app.ID, LicenseID: job.LicenseID + 100}, admin)
	s.Require().True(apperr.Is(err, apperr.KindValidation))

	prio := 500
	_, err = s.env.Queue.Enqueue(s.env.Ctx, printqueue.EnqueueInput{ApplicationID: app.ID, LicenseID: job.LicenseID, Priority: &prio}, admin)
	s.Require().True(apperr.Is(err, apperr.KindValidation))
}

func (s *QueueSuite) TestEnqueue_AfterCancelledJob() {
	s.env.Staffed(s.gab.ID)
	app, job := s.queued()

	_, err := s.env.Queue.Cancel(s.env.Ctx, job.ID, "wrong photo", admin)
	s.Require().NoError(err)
	s.env.Pump()
	s.Require().Zero(s.env.App(app.ID).ActivePrintJobID)

	prio := models.PriorityHigh
	next, err := s.env.Queue.Enqueue(s.env.Ctx, printqueue.EnqueueInput{ApplicationID: app.ID, LicenseID: job.LicenseID, Priority: &prio}, admin)
	s.Require().NoError(err)
	s.Require().Equal(models.PriorityHigh, next.Priority)
	s.Require().Equal(job.Artifacts, next.Artifacts)
	s.env.Pump()
	s.Require().Equal(next.ID, s.env.App(app.ID).ActivePrintJobID)
}

func (s *QueueSuite) TestAssign_PicksLeastLoadedOperator() {
	first, _ := s.env.Staffed(s.gab.ID)
	second := s.env.Operator(s.gab.ID)

	_, j1 := s.queued()
	_, j2 := s.queued()

	a1, err := s.env.Queue.Assign(s.env.Ctx, j1.ID, printqueue.AutoAssign, admin)
	s.Require().NoError(err)
	s.Require().Equal(first.ID, a1.AssignedTo)
	s.Require().NotZero(a1.PrinterID)
	s.Require().Equal(s.clock.Now(), *a1.AssignedAt)

	a2, err := s.env.Queue.Assign(s.env.Ctx, j2.ID, printqueue.AutoAssign, admin)
	s.Require().NoError(err)
	s.Require().Equal(second.ID, a2.AssignedTo)

	mine, err := s.env.Queue.AssignedTo(s.env.Ctx, second.ID)
	s.Require().NoError(err)
	s.Require().Len(mine, 1)
	s.Require().Equal(j2.ID, mine[0].ID)
}

func (s *QueueSuite) TestAssign_ManualOperatorMustPrintHere() {
	s.env.Staffed(s.gab.ID)
	elsewhere := s.env.Location("FRA", models.PrintingTypeLocal)
	stranger := s.env.Operator(elsewhere.ID)
	_, job := s.queued()

	_, err := s.env.Queue.Assign(s.env.Ctx, job.ID, stranger.ID, admin)
	s.Require().True(apperr.Is(err, apperr.KindPermission))
}

func (s *QueueSuite) TestAssign_NoStaffMeansNoCapacity() {
	_, job := s.queued()
	_, err := s.env.Queue.Assign(s.env.Ctx, job.ID, printqueue.AutoAssign, admin)
	s.Require().True(apperr.Is(err, apperr.KindNoCapacity))
}

func (s *QueueSuite) TestAssign_DailyCapacity() {
	one := s.env.Location("ONE", models.PrintingTypeLocal, func(in *directory.LocationInput) { in.CapacityPerDay = 1 })
	s.env.Staffed(one.ID)

	_, l1 := s.env.Licensed(one.ID, 0)
	_, l2 := s.env.Licensed(one.ID, 0)
	j1, j2 := s.env.ActiveJob(l1.ID), s.env.ActiveJob(l2.ID)

	_, err := s.env.Queue.Assign(s.env.Ctx, j1.ID, printqueue.AutoAssign, admin)
	s.Require().NoError(err)
	_, err = s.env.Queue.Assign(s.env.Ctx, j2.ID, printqueue.AutoAssign, admin)
	s.Require().True(apperr.Is(err, apperr.KindNoCapacity))

	s.clock.Advance(24 * time.Hour)
	_, err = s.env.Queue.Assign(s.env.Ctx, j2.ID, printqueue.AutoAssign, admin)
	s.Require().NoError(err)
}

func (s *QueueSuite) TestStartAndComplete_RequireTheAssignedOperator() {
	op, _ := s.env.Staffed(s.gab.ID)
	_, job := s.queued()

	_, err := s.env.Queue.Start(s.env.Ctx, job.ID, op.ID, admin)
	s.Require().True(apperr.Is(err, apperr.KindState))

	_, err = s.env.Queue.Assign(s.env.Ctx, job.ID, op.ID, admin)
	s.Require().NoError(err)
	_, err = s.env.Queue.Start(s.env.Ctx, job.ID, op.ID+1, admin)
	s.Require().True(apperr.Is(err, apperr.KindPermission))
	_, err = s.env.Queue.Start(s.env.Ctx, job.ID, op.ID, admin)
	s.Require().NoError(err)

	_, err = s.env.Queue.Complete(s.env.Ctx, job.ID, op.ID, 0, "", admin)
	s.Require().True(apperr.Is(err, apperr.KindValidation))
	done, err := s.env.Queue.Complete(s.env.Ctx, job.ID, op.ID, 2, "two copies", admin)
	s.Require().NoError(err)
	s.Require().Equal(models.PrintJobStatusCompleted, done.Status)
	s.Require().Equal(op.ID, done.PrintedBy)
	s.Require().Equal(2, done.CopiesPrinted)

	_, err = s.env.Queue.Cancel(s.env.Ctx, job.ID, "", admin)
	s.Require().True(apperr.Is(err, apperr.KindState))
}

func (s *QueueSuite) TestRequeue_ExhaustsRetries() {
	op, _ := s.env.Staffed(s.gab.ID)
	_, job := s.queued()

	for i := 0; i < 2; i++ {
		_, err := s.env.Queue.Assign(s.env.Ctx, job.ID, op.ID, admin)
		s.Require().NoError(err)
		_, err = s.env.Queue.Fail(s.env.Ctx, job.ID, "card misfeed", admin)
		s.Require().NoError(err)
		j, err := s.env.Queue.Requeue(s.env.Ctx, job.ID, admin)
		s.Require().NoError(err)
		s.Require().Equal(i+1, j.RetryCount)
		s.Require().Zero(j.AssignedTo)
	}

	_, err := s.env.Queue.Assign(s.env.Ctx, job.ID, op.ID, admin)
	s.Require().NoError(err)
	_, err = s.env.Queue.Fail(s.env.Ctx, job.ID, "card misfeed", admin)
	s.Require().NoError(err)
	_, err = s.env.Queue.Requeue(s.env.Ctx, job.ID, admin)
	s.Require().True(apperr.Is(err, apperr.KindRetryExhausted))

	got, err := s.env.Queue.Get(s.env.Ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.PrintJobStatusFailed, got.Status)
	s.Require().Equal(2, got.RetryCount)
}

func (s *QueueSuite) TestCancel_PrintingNeedsSupervisor() {
	op, _ := s.env.Staffed(s.gab.ID)
	_, job := s.queued()
	_, err := s.env.Queue.Assign(s.env.Ctx, job.ID, op.ID, admin)
	s.Require().NoError(err)
	_, err = s.env.Queue.Start(s.env.Ctx, job.ID, op.ID, admin)
	s.Require().NoError(err)

	_, err = s.env.Queue.Cancel(s.env.Ctx, job.ID, "stop", models.Actor{UserID: op.ID, Role: models.RolePrinter})
	s.Require().True(apperr.Is(err, apperr.KindPermission))

	got, err := s.env.Queue.Cancel(s.env.Ctx, job.ID, "stop", models.Actor{UserID: 2, Role: models.RoleManager})
	s.Require().NoError(err)
	s.Require().Equal(models.PrintJobStatusCancelled, got.Status)
	s.Require().NotNil(got.CancelledAt)
}

func (s *QueueSuite) TestExpireStaleAssignments() {
	op, _ := s.env.Staffed(s.gab.ID)
	_, job := s.queued()
	_, err := s.env.Queue.Assign(s.env.Ctx, job.ID, op.ID, admin)
	s.Require().NoError(err)

	n, err := s.env.Queue.ExpireStaleAssignments(s.env.Ctx)
	s.Require().NoError(err)
	s.Require().Zero(n)

	s.clock.Advance(2 * time.Hour)
	n, err = s.env.Queue.ExpireStaleAssignments(s.env.Ctx)
	s.Require().NoError(err)
	s.Require().Equal(1, n)

	got, err := s.env.Queue.Get(s.env.Ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.PrintJobStatusQueued, got.Status)
	s.Require().Equal(1, got.RetryCount)
	s.Require().Equal("assignment timed out", got.FailureReason)
}

func (s *QueueSuite) TestSweeper_AssignsQueuedJobs() {
	s.env.Staffed(s.gab.ID)
	s.queued()
	s.queued()

	res, err := printqueue.NewSweeper(s.env.Queue, 10).RunOnce(s.env.Ctx)
	s.Require().NoError(err)
	s.Require().Equal(2, res.Claimed)
	s.Require().Equal(2, res.Outcomes["assigned"])

	queue, err := s.env.Queue.Queue(s.env.Ctx, s.gab.ID, 10)
	s.Require().NoError(err)
	s.Require().Empty(queue)

	stats, err := s.env.Queue.Statistics(s.env.Ctx)
	s.Require().NoError(err)
	s.Require().Equal(2, stats[models.PrintJobStatusAssigned])
	s.Require().Zero(stats[models.PrintJobStatusQueued])
	s.Require().Len(stats, len(models.PrintJobStatuses()))
}

func (s *QueueSuite) TestSweeper_SkipsFullPools() {
	s.queued()
	s.queued()

	res, err := printqueue.NewSweeper(s.env.Queue, 10).RunOnce(s.env.Ctx)
	s.Require().NoError(err)
	s.Require().Equal(1, res.Outcomes["no_capacity"])
	s.Require().Equal(1, res.Outcomes["skipped"])
	s.Require().Zero(res.Errors)
}

func (s *QueueSuite) TestQueue_OrderedByPriorityThenAge() {
	s.env.Staffed(s.gab.ID)
	_, low := s.queued()
	s.clock.Advance(time.Minute)
	app, lic := s.env.Licensed(s.gab.ID, 0)
	high := s.env.ActiveJob(lic.ID)
	_, err := s.env.Queue.Cancel(s.env.Ctx, high.ID, "bump", admin)
	s.Require().NoError(err)
	s.env.Pump()
	prio := models.PriorityHigh
	high, err = s.env.Queue.Enqueue(s.env.Ctx, printqueue.EnqueueInput{ApplicationID: app.ID, LicenseID: lic.ID, Priority: &prio}, admin)
	s.Require().NoError(err)

	queue, err := s.env.Queue.Queue(s.env.Ctx, 0, 10)
	s.Require().NoError(err)
	s.Require().Len(queue, 2)
	s.Require().Equal(high.ID, queue[0].ID)
	s.Require().Equal(low.ID, queue[1].ID)
}

func TestQueueSuite(t *testing.T) {
	suite.Run(t, new(QueueSuite))
}
