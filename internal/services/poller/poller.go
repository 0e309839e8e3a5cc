// Package poller runs a unit of background work on a ticker and on demand.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/LicenseFlow/internal/logger"
	"github.com/BearBump/LicenseFlow/internal/metrics"
)

// Result summarizes one cycle.
type Result struct {
	Claimed   int
	Processed int
	Errors    int
	// Outcomes counts processed items by outcome label for metrics.
	Outcomes map[string]int
	// LastError is the last per-item error of the cycle.
	LastError string
}

// Cycle claims and handles one batch. A returned error means the cycle
// could not start (for example the claim query failed).
type Cycle func(ctx context.Context) (Result, error)

type Poller struct {
	name    string
	cycle   Cycle
	log     *logger.Logger
	metrics *metrics.LoopMetrics

	interval time.Duration

	triggerCh chan struct{}
	runMu     sync.Mutex

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalCycles         atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(name string, cycle Cycle) *Poller {
	return &Poller{
		name:              name,
		cycle:             cycle,
		log:               logger.Nop(),
		interval:          2 * time.Second,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (p *Poller) WithInterval(d time.Duration) *Poller {
	if d > 0 {
		p.interval = d
	}
	return p
}

func (p *Poller) WithLogger(l *logger.Logger) *Poller {
	if l != nil {
		p.log = l
	}
	return p
}

func (p *Poller) WithMetrics(m *metrics.LoopMetrics) *Poller {
	p.metrics = m
	return p
}

func (p *Poller) Name() string { return p.name }

func (p *Poller) Interval() time.Duration { return p.interval }

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	Name           string     `json:"name"`
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalCycles    int64      `json:"totalCycles"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		Name:           p.name,
		StartedAt:      time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalCycles:    p.totalCycles.Load(),
		TotalClaimed:   p.totalClaimed.Load(),
		TotalProcessed: p.totalProcessed.Load(),
		TotalErrors:    p.totalErrors.Load(),
		InFlight:       p.inFlight.Load(),
	}
	if n := p.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			_, _ = p.RunOnce(ctx)
		case <-p.triggerCh:
			_, _ = p.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single cycle and records its stats. Cycles never overlap.
func (p *Poller) RunOnce(ctx context.Context) (Result, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	started := time.Now().UTC()
	p.lastCycleUnixNano.Store(started.UnixNano())
	p.totalCycles.Add(1)
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	res, err := p.cycle(ctx)
	p.metrics.ObserveCycle(p.name, time.Since(started))
	if err != nil {
		p.metrics.IncFailure(p.name)
		p.setLastError(err.Error())
		p.log.Error(p.log.WithField(ctx, "loop", p.name), "cycle failed", err)
		return res, err
	}

	p.totalClaimed.Add(int64(res.Claimed))
	p.totalProcessed.Add(int64(res.Processed))
	p.totalErrors.Add(int64(res.Errors))
	for outcome, n := range res.Outcomes {
		p.metrics.AddItems(p.name, outcome, n)
	}
	if res.LastError != "" {
		p.setLastError(res.LastError)
	}
	if res.Claimed > 0 {
		p.log.Debug(p.log.WithFields(ctx, map[string]any{
			"loop":      p.name,
			"claimed":   res.Claimed,
			"processed": res.Processed,
			"errors":    res.Errors,
		}), "cycle done")
	}
	return res, nil
}

func (p *Poller) setLastError(msg string) {
	p.lastErrorMu.Lock()
	p.lastError = msg
	p.lastErrorMu.Unlock()
}
