package poller

import (
	"math/rand"
	"time"

	"github.com/BearBump/LicenseFlow/internal/integrations/courier"
)

type Rand interface {
	Intn(n int) int
}

// PlannerConfig tunes how often a shipment in transit is checked with its
// courier. Zero values take the defaults.
type PlannerConfig struct {
	// A parcel the courier reports as moving is checked again after a random
	// delay in [InTransitMin, InTransitMax].
	InTransitMin time.Duration
	InTransitMax time.Duration

	// Unknown applies when the courier has no usable status for the parcel yet.
	Unknown time.Duration

	// Throttled applies when the carrier's request budget for the minute is spent.
	Throttled time.Duration

	// Backoff is indexed by consecutive courier errors. The last step repeats.
	Backoff []time.Duration
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		InTransitMin: 30 * time.Minute,
		InTransitMax: 2 * time.Hour,
		Unknown:      90 * time.Minute,
		Throttled:    time.Minute,
		Backoff:      []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute, time.Hour},
	}
}

// Planner schedules the next courier check for a shipment.
type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	orDefault(&cfg.InTransitMin, def.InTransitMin)
	orDefault(&cfg.InTransitMax, def.InTransitMax)
	if cfg.InTransitMax < cfg.InTransitMin {
		cfg.InTransitMax = cfg.InTransitMin
	}
	orDefault(&cfg.Unknown, def.Unknown)
	orDefault(&cfg.Throttled, def.Throttled)

	ladder := make([]time.Duration, 0, len(def.Backoff))
	for i, step := range cfg.Backoff {
		if step <= 0 && i < len(def.Backoff) {
			step = def.Backoff[i]
		}
		if step > 0 {
			ladder = append(ladder, step)
		}
	}
	if len(ladder) == 0 {
		ladder = def.Backoff
	}
	cfg.Backoff = ladder

	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

func orDefault(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}

// AfterStatus is the wait before asking again about a parcel the courier
// reported in status. Delivered and failed parcels close their record, so
// only moving and unknown parcels are asked about again.
func (p *Planner) AfterStatus(status courier.Status) time.Duration {
	if status != courier.StatusInTransit {
		return p.cfg.Unknown
	}
	lo, hi := int(p.cfg.InTransitMin/time.Second), int(p.cfg.InTransitMax/time.Second)
	if hi <= lo {
		return p.cfg.InTransitMin
	}
	return time.Duration(lo+p.r.Intn(hi-lo+1)) * time.Second
}

// AfterErrors is the wait after the n-th consecutive failed courier call.
func (p *Planner) AfterErrors(n int32) time.Duration {
	i := int(n) - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.cfg.Backoff) {
		i = len(p.cfg.Backoff) - 1
	}
	return p.cfg.Backoff[i]
}

// AfterThrottle is the wait when the carrier's rate limit turned the check away.
func (p *Planner) AfterThrottle() time.Duration {
	return p.cfg.Throttled
}
