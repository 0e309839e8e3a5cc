package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/BearBump/LicenseFlow/internal/integrations/courier"
	pollermocks "github.com/BearBump/LicenseFlow/internal/services/poller/mocks"
)

type PlannerSuite struct {
	suite.Suite
}

func (s *PlannerSuite) TestAfterErrors_WalksLadder() {
	p := NewPlanner(PlannerConfig{}, nil)
	s.Equal(5*time.Minute, p.AfterErrors(0))
	s.Equal(5*time.Minute, p.AfterErrors(1))
	s.Equal(15*time.Minute, p.AfterErrors(2))
	s.Equal(30*time.Minute, p.AfterErrors(3))
	s.Equal(time.Hour, p.AfterErrors(4))
	s.Equal(time.Hour, p.AfterErrors(100))
}

func (s *PlannerSuite) TestAfterErrors_CustomLadder() {
	p := NewPlanner(PlannerConfig{Backoff: []time.Duration{time.Minute, 0, 0, 0, 3 * time.Hour}}, nil)
	s.Equal(time.Minute, p.AfterErrors(1))
	s.Equal(15*time.Minute, p.AfterErrors(2))
	s.Equal(time.Hour, p.AfterErrors(4))
	s.Equal(3*time.Hour, p.AfterErrors(5))
	s.Equal(3*time.Hour, p.AfterErrors(9))
}

func (s *PlannerSuite) TestAfterStatus_InTransitUsesRand() {
	m := pollermocks.NewRand(s.T())
	m.On("Intn", 5401).Return(60).Once()

	p := NewPlanner(PlannerConfig{}, m)
	s.Equal(31*time.Minute, p.AfterStatus(courier.StatusInTransit))
}

func (s *PlannerSuite) TestAfterStatus_FixedWindowSkipsRand() {
	m := &pollermocks.Rand{}
	p := NewPlanner(PlannerConfig{InTransitMin: time.Minute, InTransitMax: time.Minute}, m)
	s.Equal(time.Minute, p.AfterStatus(courier.StatusInTransit))
	m.AssertNotCalled(s.T(), "Intn", mock.Anything)
}

func (s *PlannerSuite) TestAfterStatus_Unknown() {
	p := NewPlanner(PlannerConfig{Unknown: 2 * time.Minute}, nil)
	s.Equal(2*time.Minute, p.AfterStatus(courier.StatusUnknown))
}

func (s *PlannerSuite) TestAfterThrottle() {
	s.Equal(time.Minute, NewPlanner(PlannerConfig{}, nil).AfterThrottle())
	s.Equal(10*time.Second, NewPlanner(PlannerConfig{Throttled: 10 * time.Second}, nil).AfterThrottle())
}

func TestPlannerSuite(t *testing.T) {
	suite.Run(t, new(PlannerSuite))
}
