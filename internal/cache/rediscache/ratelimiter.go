package rediscache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// CarrierLimiter caps courier calls per carrier and UTC minute across every
// worker replica. Counters live at licenseflow:rl:courier:<carrier>:<yyyymmddhhmm>.
type CarrierLimiter struct {
	c *redis.Client
}

func NewCarrierLimiter(addr string) *CarrierLimiter {
	return &CarrierLimiter{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Take counts one call to carrier in the minute of at. It reports whether
// the call stays within limit and how many calls the minute has seen.
// A non-positive limit disables the check and touches nothing.
func (l *CarrierLimiter) Take(ctx context.Context, carrier string, limit int64, at time.Time) (bool, int64, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	key := carrierWindowKey(carrier, at)

	pipe := l.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// a little past the minute so late replicas still see the count
	pipe.Expire(ctx, key, 70*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, errors.Wrapf(err, "take courier slot for %s", carrier)
	}
	n := incr.Val()
	return n <= limit, n, nil
}

func (l *CarrierLimiter) Close() error {
	return l.c.Close()
}

func carrierWindowKey(carrier string, at time.Time) string {
	return fmt.Sprintf("licenseflow:rl:courier:%s:%s",
		strings.ToLower(strings.TrimSpace(carrier)), at.UTC().Format("200601021504"))
}
