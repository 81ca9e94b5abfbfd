package train

import (
	"time"

	"golang.org/x/time/rate"
)

// Config controls the merge train.
type Config struct {
	// TickInterval is how often Run looks for the next entry to land.
	TickInterval time.Duration `json:"tick_interval"`

	// IntegrationTimeout bounds one Integrate call. An attempt that runs
	// past it is recorded as a failure.
	IntegrationTimeout time.Duration `json:"integration_timeout"`

	// RebaseRate is the number of cascaded rebases started per second.
	// Zero or negative means unlimited.
	RebaseRate float64 `json:"rebase_rate"`

	// RebaseBurst is how many rebases may start back to back.
	RebaseBurst int `json:"rebase_burst"`

	// MaxConsecutiveFailures pauses the train for one extra interval after
	// this many failed ticks in a row. Zero disables the pause.
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`

	// Retention purges merged and kicked entries this long after their last
	// update. Zero keeps them forever.
	Retention time.Duration `json:"retention"`
}

// DefaultConfig returns the default train configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:           10 * time.Second,
		IntegrationTimeout:     30 * time.Minute,
		RebaseRate:             2,
		RebaseBurst:            1,
		MaxConsecutiveFailures: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.IntegrationTimeout <= 0 {
		c.IntegrationTimeout = d.IntegrationTimeout
	}
	if c.RebaseBurst <= 0 {
		c.RebaseBurst = d.RebaseBurst
	}
	return c
}

func (c Config) limiter() *rate.Limiter {
	if c.RebaseRate <= 0 {
		return rate.NewLimiter(rate.Inf, c.RebaseBurst)
	}
	return rate.NewLimiter(rate.Limit(c.RebaseRate), c.RebaseBurst)
}
