package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/BearBump/LicenseFlow/internal/broker/messages"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/storage"
	"github.com/BearBump/LicenseFlow/internal/storage/memstore"
)

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, topic string, key, value []byte) error {
	args := m.Called(ctx, topic, string(key), value)
	return args.Error(0)
}

type OutboxSuite struct {
	suite.Suite
	st    *memstore.Store
	pub   *publisherMock
	em    *Emitter
	relay *Relay
}

func (s *OutboxSuite) SetupTest() {
	s.st = memstore.New()
	s.pub = &publisherMock{}
	s.em = NewEmitter("licenseflow.test", nil)
	s.relay = NewRelay(s.st, s.pub, RelayConfig{BatchSize: 10, Lease: time.Minute}, nil)
}

func (s *OutboxSuite) emit(appID uint64, typ messages.EventType) messages.Envelope {
	var env messages.Envelope
	s.Require().NoError(s.st.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		env, err = s.em.Emit(ctx, tx, typ, appID, models.SystemActor(), messages.PrintJobPayload{JobID: 7, LicenseID: 3})
		return err
	}))
	return env
}

func (s *OutboxSuite) TestEmit_RolledBackTxLeavesNothing() {
	err := s.st.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if _, err := s.em.Emit(ctx, tx, messages.PrintJobQueued, 1, models.SystemActor(), messages.PrintJobPayload{}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	s.Require().Error(err)
	s.Require().Zero(s.st.PendingOutbox())
}

func (s *OutboxSuite) TestRelay_PublishesEnvelopeKeyedByApplication() {
	env := s.emit(42, messages.PrintJobQueued)

	s.pub.On("Publish", mock.Anything, "licenseflow.test", "42", mock.MatchedBy(func(v []byte) bool {
		got, err := messages.Decode(v)
		return err == nil && got.EventID == env.EventID && got.Type == messages.PrintJobQueued
	})).Return(nil).Once()

	res, err := s.relay.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Require().Equal(1, res.Claimed)
	s.Require().Equal(1, res.Processed)
	s.Require().Zero(s.st.PendingOutbox())
	s.pub.AssertExpectations(s.T())
}

func (s *OutboxSuite) TestRelay_FailureBlocksLaterEventsOfSameKey() {
	s.emit(1, messages.PrintJobQueued)
	s.emit(1, messages.PrintJobStarted)
	s.emit(2, messages.PrintJobQueued)

	s.pub.On("Publish", mock.Anything, mock.Anything, "1", mock.Anything).Return(errors.New("broker down")).Once()
	s.pub.On("Publish", mock.Anything, mock.Anything, "2", mock.Anything).Return(nil).Once()

	res, err := s.relay.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Require().Equal(3, res.Claimed)
	s.Require().Equal(1, res.Processed)
	s.Require().Equal(1, res.Outcomes["failed"])
	s.Require().Equal(1, res.Outcomes["blocked"])
	s.Require().Equal(2, s.st.PendingOutbox())
	s.pub.AssertExpectations(s.T())

	// Nothing is due until the backoff passes.
	res, err = s.relay.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Require().Zero(res.Claimed)

	s.relay.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	var order []messages.EventType
	s.pub.On("Publish", mock.Anything, mock.Anything, "1", mock.Anything).Run(func(args mock.Arguments) {
		env, err := messages.Decode(args.Get(3).([]byte))
		s.Require().NoError(err)
		order = append(order, env.Type)
	}).Return(nil).Twice()

	res, err = s.relay.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Require().Equal(2, res.Processed)
	s.Require().Equal([]messages.EventType{messages.PrintJobQueued, messages.PrintJobStarted}, order)
	s.Require().Zero(s.st.PendingOutbox())
}

func (s *OutboxSuite) TestBackoff_DoublesUpToCap() {
	r := NewRelay(s.st, s.pub, RelayConfig{MaxBackoff: 5 * time.Second}, nil)
	s.Require().Equal(time.Second, r.backoff(1))
	s.Require().Equal(2*time.Second, r.backoff(2))
	s.Require().Equal(4*time.Second, r.backoff(3))
	s.Require().Equal(5*time.Second, r.backoff(10))
}

func TestOutboxSuite(t *testing.T) {
	suite.Run(t, new(OutboxSuite))
}
