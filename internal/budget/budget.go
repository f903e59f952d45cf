// Package budget implements per-session token and USD accounting for the
// upstream realtime provider.
//
// Two thresholds guard spend: crossing the soft budget sets a throttle that
// callers may use to slow upstream calls, crossing the hard budget flips the
// session into fallback (no upstream voice at all, deterministic lines only).
// The hard trip is sticky for the lifetime of the controller.
package budget

import (
	"sync"

	"github.com/medrill/pulsegate/internal/sim"
)

// Usage is one token delta reported by the voice client.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Config parameterises a Controller. Callbacks are optional and are invoked
// outside the controller's mutex.
type Config struct {
	// USDPerToken converts token counts into the spend estimate.
	USDPerToken float64

	// SoftUSD is the throttle threshold; HardUSD the fallback threshold.
	SoftUSD float64
	HardUSD float64

	OnSoftLimit func()
	OnHardLimit func()
	OnSoftReset func()
}

// Controller accounts one session's upstream spend. Safe for concurrent use.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	inputTokens  int
	outputTokens int

	softTriggered bool
	hardTriggered bool
	throttled     bool
	fallback      bool
}

// NewController returns a controller with zeroed counters.
func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

func (c *Controller) usdEstimateLocked() float64 {
	return float64(c.inputTokens+c.outputTokens) * c.cfg.USDPerToken
}

// AddUsage accumulates a usage report and fires threshold callbacks the first
// time each limit is crossed. A single report may trip both.
func (c *Controller) AddUsage(u Usage) {
	c.mu.Lock()
	c.inputTokens += u.InputTokens
	c.outputTokens += u.OutputTokens
	usd := c.usdEstimateLocked()

	var fireSoft, fireHard bool
	if c.cfg.SoftUSD > 0 && usd >= c.cfg.SoftUSD && !c.softTriggered {
		c.softTriggered = true
		c.throttled = true
		fireSoft = c.cfg.OnSoftLimit != nil
	}
	if c.cfg.HardUSD > 0 && usd >= c.cfg.HardUSD && !c.hardTriggered {
		c.hardTriggered = true
		c.fallback = true
		fireHard = c.cfg.OnHardLimit != nil
	}
	c.mu.Unlock()

	if fireSoft {
		c.cfg.OnSoftLimit()
	}
	if fireHard {
		c.cfg.OnHardLimit()
	}
}

// ResetSoftLimit clears the throttle, unless the hard limit has been hit, in
// which case it is a no-op. Repeated calls are idempotent.
func (c *Controller) ResetSoftLimit() {
	c.mu.Lock()
	if c.hardTriggered || !c.softTriggered {
		c.mu.Unlock()
		return
	}
	c.softTriggered = false
	c.throttled = false
	fire := c.cfg.OnSoftReset != nil
	c.mu.Unlock()

	if fire {
		c.cfg.OnSoftReset()
	}
}

// Reset zeroes the token counters and clears the soft state. A tripped hard
// limit stays tripped: recovering from fallback needs a new controller.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputTokens = 0
	c.outputTokens = 0
	c.softTriggered = false
	c.throttled = false
}

// IsHardLimitHit reports whether the hard budget has ever been crossed.
func (c *Controller) IsHardLimitHit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hardTriggered
}

// Throttled reports whether the soft throttle is currently set.
func (c *Controller) Throttled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throttled
}

// USDEstimate returns the current spend estimate.
func (c *Controller) USDEstimate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usdEstimateLocked()
}

// Snapshot renders the controller for sim_state broadcasts and persistence.
func (c *Controller) Snapshot() sim.BudgetSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sim.BudgetSnapshot{
		InputTokens:  c.inputTokens,
		OutputTokens: c.outputTokens,
		USDEstimate:  c.usdEstimateLocked(),
		Throttled:    c.throttled,
		HardLimitHit: c.hardTriggered,
	}
}
