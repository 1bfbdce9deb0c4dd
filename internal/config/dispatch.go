package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DispatchConfig groups the tunables of the booking engine: broadcast
// radius, the deferred-job offsets and the job runner's retry policy.
// Every field has a default so an empty environment is valid.
type DispatchConfig struct {
	HelpRadiusKm          float64 `envconfig:"HELP_RADIUS_KM" default:"25"`
	NearbyDefaultRadiusKm float64 `envconfig:"NEARBY_DEFAULT_RADIUS_KM" default:"25"`
	NearbyMaxRadiusKm     float64 `envconfig:"NEARBY_MAX_RADIUS_KM" default:"100"`

	ReminderLead        time.Duration `envconfig:"REMINDER_LEAD" default:"1h"`
	BidExpiryAfter      time.Duration `envconfig:"BID_EXPIRY_AFTER" default:"15m"`
	ReviewReminderAfter time.Duration `envconfig:"REVIEW_REMINDER_AFTER" default:"2h"`
	PayoutReleaseAfter  time.Duration `envconfig:"PAYOUT_RELEASE_AFTER" default:"24h"`

	JobMaxAttempts  int           `envconfig:"JOB_MAX_ATTEMPTS" default:"5"`
	JobRetryBase    time.Duration `envconfig:"JOB_RETRY_BASE" default:"5s"`
	JobRetryMax     time.Duration `envconfig:"JOB_RETRY_MAX" default:"5m"`
	JobPollInterval time.Duration `envconfig:"JOB_POLL_INTERVAL" default:"1s"`
	JobLease        time.Duration `envconfig:"JOB_LEASE" default:"1m"`
	JobBatch        int           `envconfig:"JOB_BATCH" default:"50"`

	JobQueue        string `envconfig:"JOB_QUEUE" default:"dispatch.jobs"`
	PaymentExchange string `envconfig:"PAYMENT_EXCHANGE" default:"payment.exchange"`
	PaymentQueue    string `envconfig:"DISPATCH_PAYMENT_QUEUE" default:"dispatch.payment.q"`
}

// DefaultDispatch returns the defaults without reading the environment.
func DefaultDispatch() DispatchConfig {
	return DispatchConfig{
		HelpRadiusKm:          25,
		NearbyDefaultRadiusKm: 25,
		NearbyMaxRadiusKm:     100,
		ReminderLead:          time.Hour,
		BidExpiryAfter:        15 * time.Minute,
		ReviewReminderAfter:   2 * time.Hour,
		PayoutReleaseAfter:    24 * time.Hour,
		JobMaxAttempts:        5,
		JobRetryBase:          5 * time.Second,
		JobRetryMax:           5 * time.Minute,
		JobPollInterval:       time.Second,
		JobLease:              time.Minute,
		JobBatch:              50,
		JobQueue:              "dispatch.jobs",
		PaymentExchange:       "payment.exchange",
		PaymentQueue:          "dispatch.payment.q",
	}
}

// LoadDispatch processes the environment into a DispatchConfig and
// rejects values the engine cannot run with.
func LoadDispatch() (DispatchConfig, error) {
	var c DispatchConfig
	if err := envconfig.Process("", &c); err != nil {
		return c, err
	}
	if c.HelpRadiusKm <= 0 || c.NearbyDefaultRadiusKm <= 0 || c.NearbyMaxRadiusKm < c.NearbyDefaultRadiusKm {
		return c, fmt.Errorf("invalid radius settings: help=%v nearby=%v max=%v",
			c.HelpRadiusKm, c.NearbyDefaultRadiusKm, c.NearbyMaxRadiusKm)
	}
	if c.JobMaxAttempts < 1 {
		c.JobMaxAttempts = 1
	}
	if c.JobBatch < 1 {
		c.JobBatch = 1
	}
	if c.JobRetryMax < c.JobRetryBase {
		c.JobRetryMax = c.JobRetryBase
	}
	return c, nil
}
