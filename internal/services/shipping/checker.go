package shipping

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/LicenseFlow/internal/integrations/courier"
	"github.com/BearBump/LicenseFlow/internal/logger"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/services/poller"
	"github.com/BearBump/LicenseFlow/internal/storage"
)

// RateLimiter budgets courier calls per carrier and minute.
type RateLimiter interface {
	Take(ctx context.Context, carrier string, limit int64, at time.Time) (bool, int64, error)
}

type CheckerConfig struct {
	BatchSize          int
	Concurrency        int
	Lease              time.Duration
	RateLimitPerMinute int64
	// CarrierLimits overrides RateLimitPerMinute per carrier code.
	CarrierLimits map[string]int64
}

// DeliveryChecker polls the courier for in-transit shipments and records
// deliveries and failures it reports.
type DeliveryChecker struct {
	store   storage.ShipmentCheckStore
	tracker *Tracker
	client  courier.Client
	planner *poller.Planner
	rl      RateLimiter
	cfg     CheckerConfig
	log     *logger.Logger
	now     func() time.Time
}

func NewDeliveryChecker(store storage.ShipmentCheckStore, tracker *Tracker, client courier.Client, planner *poller.Planner, rl RateLimiter, cfg CheckerConfig, log *logger.Logger) *DeliveryChecker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 120 * time.Second
	}
	if planner == nil {
		planner = poller.NewPlanner(poller.DefaultPlannerConfig(), nil)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &DeliveryChecker{
		store:   store,
		tracker: tracker,
		client:  client,
		planner: planner,
		rl:      rl,
		cfg:     cfg,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

const (
	outcomeDelivered   = "delivered"
	outcomeFailed      = "failed"
	outcomeInTransit   = "in_transit"
	outcomeRateLimited = "rate_limited"
	outcomeError       = "error"
)

// RunOnce is a poller.Cycle.
func (c *DeliveryChecker) RunOnce(ctx context.Context) (poller.Result, error) {
	recs, err := c.store.ClaimDueShipments(ctx, c.now(), c.cfg.BatchSize, c.cfg.Lease)
	if err != nil {
		return poller.Result{}, err
	}

	res := poller.Result{Claimed: len(recs), Outcomes: map[string]int{}}
	var mu sync.Mutex
	sem := make(chan struct{}, c.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, rec := range recs {
		sem <- struct{}{}
		wg.Add(1)
		go func(rec *models.ShippingRecord) {
			defer func() {
				<-sem
				wg.Done()
			}()
			outcome, err := c.checkOne(ctx, rec)

			mu.Lock()
			defer mu.Unlock()
			res.Processed++
			res.Outcomes[outcome]++
			if err != nil {
				res.Errors++
				res.LastError = err.Error()
				c.log.Error(c.log.WithField(ctx, "shipping_id", rec.ID), "courier check failed", err)
			}
		}(rec)
	}
	wg.Wait()
	return res, nil
}

func (c *DeliveryChecker) checkOne(ctx context.Context, rec *models.ShippingRecord) (string, error) {
	now := c.now()

	if c.rl != nil {
		allowed, n, err := c.rl.Take(ctx, rec.Carrier, c.limitFor(rec.Carrier), now)
		if err != nil {
			return outcomeError, err
		}
		if !allowed {
			c.log.Warn(c.log.WithFields(ctx, map[string]any{"carrier": rec.Carrier, "count": n}), "courier rate limit exceeded")
			return outcomeRateLimited, c.store.RecordShipmentCheck(ctx, rec.ID, now, false, now.Add(c.planner.AfterThrottle()))
		}
	}

	tr, err := c.client.GetTracking(ctx, rec.Carrier, rec.TrackingNumber)
	if err != nil {
		next := now.Add(c.planner.AfterErrors(rec.CheckFailCount + 1))
		if recErr := c.store.RecordShipmentCheck(ctx, rec.ID, now, true, next); recErr != nil {
			return outcomeError, recErr
		}
		return outcomeError, err
	}

	switch tr.Status {
	case courier.StatusDelivered:
		_, err := c.tracker.MarkDelivered(ctx, rec.ID, tr.ReceivedBy, models.SystemActor())
		return outcomeDelivered, err
	case courier.StatusFailed:
		reason := "courier reported " + tr.StatusRaw
		if tr.StatusRaw == "" {
			reason = "courier reported a failed delivery"
		}
		_, err := c.tracker.MarkFailed(ctx, rec.ID, reason, models.SystemActor())
		return outcomeFailed, err
	default:
		next := now.Add(c.planner.AfterStatus(tr.Status))
		return outcomeInTransit, c.store.RecordShipmentCheck(ctx, rec.ID, now, false, next)
	}
}

func (c *DeliveryChecker) limitFor(carrier string) int64 {
	if l, ok := c.cfg.CarrierLimits[strings.ToLower(carrier)]; ok && l > 0 {
		return l
	}
	return c.cfg.RateLimitPerMinute
}
