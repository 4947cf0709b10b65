package rateguard

import "time"

// Step raises the cooldown multiplier once a sender has collected Warnings
// penalties.
type Step struct {
	Warnings   int
	Multiplier int
}

// Config holds the guard's limits.
type Config struct {
	MaxContentLength int

	// BurstLimit sends are allowed inside BurstWindow.
	BurstLimit  int
	BurstWindow time.Duration

	// SustainedLimit sends are allowed inside SustainedWindow.
	SustainedLimit  int
	SustainedWindow time.Duration

	MinInterval time.Duration

	// A body already seen DuplicateThreshold-1 times among the last
	// HistorySize bodies is rejected.
	DuplicateThreshold int
	HistorySize        int

	BaseCooldown time.Duration
	Escalation   []Step

	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxContentLength:   2000,
		BurstLimit:         3,
		BurstWindow:        5 * time.Second,
		SustainedLimit:     20,
		SustainedWindow:    time.Minute,
		MinInterval:        500 * time.Millisecond,
		DuplicateThreshold: 3,
		HistorySize:        10,
		BaseCooldown:       10 * time.Second,
		Escalation: []Step{
			{Warnings: 3, Multiplier: 2},
			{Warnings: 5, Multiplier: 3},
		},
		IdleTTL:       10 * time.Minute,
		SweepInterval: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = d.MaxContentLength
	}
	if c.BurstLimit <= 0 {
		c.BurstLimit = d.BurstLimit
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = d.BurstWindow
	}
	if c.SustainedLimit <= 0 {
		c.SustainedLimit = d.SustainedLimit
	}
	if c.SustainedWindow <= 0 {
		c.SustainedWindow = d.SustainedWindow
	}
	switch {
	case c.MinInterval == 0:
		c.MinInterval = d.MinInterval
	case c.MinInterval < 0:
		// negative disables the spacing rule
		c.MinInterval = 0
	}
	if c.DuplicateThreshold <= 0 {
		c.DuplicateThreshold = d.DuplicateThreshold
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.HistorySize > historyCap {
		c.HistorySize = historyCap
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = d.BaseCooldown
	}
	if c.Escalation == nil {
		c.Escalation = d.Escalation
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}
