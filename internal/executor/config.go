package executor

import "runtime"

// Config bounds how much of a plan runs at once.
type Config struct {
	// Parallelism is the maximum number of operations running concurrently within a stage.
	Parallelism int `yaml:"parallelism"`
	// MemoryQuota is the total estimate-memory units operations may hold at once.
	MemoryQuota int64 `yaml:"memory_quota"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() *Config {
	return &Config{
		Parallelism: runtime.NumCPU(),
		MemoryQuota: 1 << 10,
	}
}

func (c *Config) normalized() Config {
	out := Config{Parallelism: 1, MemoryQuota: 1}
	if c == nil {
		return *DefaultConfig()
	}
	if c.Parallelism > 0 {
		out.Parallelism = c.Parallelism
	}
	if c.MemoryQuota > 0 {
		out.MemoryQuota = c.MemoryQuota
	}
	return out
}
