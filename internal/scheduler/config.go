// Package scheduler claims submitted merge tasks and runs them on a bounded worker pool.
package scheduler

import "time"

// Config defines the scheduler configuration.
type Config struct {
	// GlobalMax is the maximum number of concurrently running tasks.
	GlobalMax int `yaml:"global_max"`
	// ByTable defines per-table concurrency limits.
	ByTable map[string]int `yaml:"by_table"`
	// PollIntervalMS is how often the scheduler looks for unclaimed tasks.
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax:      4,
		ByTable:        map[string]int{},
		PollIntervalMS: 500,
	}
}

// GetTableLimit returns the concurrency limit for a table.
func (c *Config) GetTableLimit(table string) int {
	if limit, ok := c.ByTable[table]; ok {
		return limit
	}
	// Without an explicit limit a table may use the whole pool
	return c.GlobalMax
}

// PollInterval returns the dispatch poll interval.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}
