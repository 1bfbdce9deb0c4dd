package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// RateKeyStrategies are the accepted values of RATE_LIMIT_KEY_STRATEGY.
// Each names the request parts a bucket is keyed on.
var RateKeyStrategies = []string{"ip", "user", "route", "ip_route", "user_route", "ip_user_route"}

// RateLimitConfig configures the Redis token bucket on bid placement and
// bid acceptance.  By default each user gets one bucket per route, so
// bidders and the requester accepting a bid draw from separate buckets.
type RateLimitConfig struct {
	Enabled        bool          `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	Capacity       int           `envconfig:"RATE_LIMIT_CAPACITY" default:"10"`
	RefillTokens   int           `envconfig:"RATE_LIMIT_REFILL_TOKENS" default:"1"`
	RefillInterval time.Duration `envconfig:"RATE_LIMIT_REFILL_INTERVAL" default:"2s"`
	TTL            time.Duration `envconfig:"RATE_LIMIT_TTL" default:"10m"`
	KeyStrategy    string        `envconfig:"RATE_LIMIT_KEY_STRATEGY" default:"user_route"`
	Prefix         string        `envconfig:"RATE_LIMIT_PREFIX" default:"rl:bids"`
}

// LoadRateLimitConfig processes RATE_LIMIT_* variables.  Out of range
// numbers are clamped; an unknown key strategy is an error because it
// would silently merge or split buckets.
func LoadRateLimitConfig() (RateLimitConfig, error) {
	var c RateLimitConfig
	if err := envconfig.Process("", &c); err != nil {
		return c, err
	}
	c.KeyStrategy = strings.ToLower(c.KeyStrategy)
	known := false
	for _, s := range RateKeyStrategies {
		if s == c.KeyStrategy {
			known = true
			break
		}
	}
	if !known {
		return c, fmt.Errorf("unknown rate limit key strategy %q", c.KeyStrategy)
	}
	c.Capacity = max(c.Capacity, 1)
	c.RefillTokens = max(c.RefillTokens, 1)
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	// A bucket must outlive a full refill or idle keys reset too early.
	c.TTL = max(c.TTL, 5*c.RefillInterval)
	return c, nil
}
