// Package backpressure turns buffer occupancy into ingest admission
// decisions. The controller samples the tick store's fullest live buffer
// and maps it onto pressure levels with hysteresis, so a buffer hovering
// around a threshold does not flap between levels.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arenx/tickstore/internal/storage/config"
)

// UsageSampler reports buffer occupancy as a ratio in [0, 1]. The tick
// store implements it over its fullest active-chunk buffer.
type UsageSampler interface {
	UsageRatio() float64
}

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal: appends flow through unimpeded.
	LevelNormal Level = iota

	// LevelWarning: elevated load, background compression is paused.
	LevelWarning

	// LevelCritical: high load, appends are throttled.
	LevelCritical

	// LevelEmergency: the buffer is nearly full, appends are rejected
	// (reject mode) or blocked hard (block mode).
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Controller derives the pressure level from buffer utilization.
type Controller struct {
	mu sync.RWMutex

	cfg     *config.Config
	sampler UsageSampler

	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level
	nowFn     func() time.Time

	stats struct {
		levelChanges   int64
		warningCount   int64
		criticalCount  int64
		emergencyCount int64
		ticksRejected  int64
		throttledFor   time.Duration
	}

	onLevelChange func(old, new Level)
}

// Stats holds controller counters plus the latest buffer usage sample.
type Stats struct {
	CurrentLevel   Level
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	TicksRejected  int64
	ThrottledFor   time.Duration
	BufferUsage    float64
}

// New creates a backpressure controller over the given sampler.
func New(cfg *config.Config, sampler UsageSampler) *Controller {
	return &Controller{
		cfg:     cfg,
		sampler: sampler,
		nowFn:   time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (c *Controller) SetNowFunc(fn func() time.Time) {
	c.nowFn = fn
}

// SetOnLevelChange registers a callback fired on every level transition.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check samples buffer usage and updates the level. Level changes are
// rate-limited by the configured cooldown.
func (c *Controller) Check() Level {
	if !c.cfg.Backpressure.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	if now.Sub(c.lastCheck) < c.cfg.Backpressure.Recovery.Cooldown {
		return Level(c.level.Load())
	}
	c.lastCheck = now

	newLevel := c.determineLevel(c.sampler.UsageRatio())
	if newLevel != c.lastLevel {
		c.setLevel(newLevel)
	}
	return newLevel
}

// determineLevel maps usage onto a level. Escalation uses the raw
// thresholds; de-escalation requires usage to drop a further hysteresis
// margin below the threshold, one level per check.
func (c *Controller) determineLevel(usage float64) Level {
	thresholds := c.cfg.Backpressure.Thresholds
	hysteresis := c.cfg.Backpressure.Recovery.Hysteresis

	if usage >= thresholds.Emergency {
		return LevelEmergency
	}
	if usage >= thresholds.Critical && c.lastLevel < LevelCritical {
		return LevelCritical
	}
	if usage >= thresholds.Warning && c.lastLevel < LevelWarning {
		return LevelWarning
	}

	switch c.lastLevel {
	case LevelEmergency:
		if usage < thresholds.Emergency-hysteresis {
			return LevelCritical
		}
		return LevelEmergency
	case LevelCritical:
		if usage < thresholds.Critical-hysteresis {
			return LevelWarning
		}
		return LevelCritical
	case LevelWarning:
		if usage < thresholds.Warning-hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

func (c *Controller) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.levelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.warningCount++
	case LevelCritical:
		c.stats.criticalCount++
	case LevelEmergency:
		c.stats.emergencyCount++
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the level established by the last Check.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldReject reports whether appends must be refused outright.
// Only reject-mode ingestion consults this.
func (c *Controller) ShouldReject() bool {
	return c.CurrentLevel() == LevelEmergency
}

// ShouldThrottle reports whether appends should be slowed down.
func (c *Controller) ShouldThrottle() bool {
	return c.CurrentLevel() >= LevelCritical
}

// ShouldPauseCompression reports whether background compression should
// yield its I/O to ingestion.
func (c *Controller) ShouldPauseCompression() bool {
	return c.CurrentLevel() >= LevelWarning
}

// ThrottleDelay returns the pause block-mode ingestion inserts before the
// next append. Zero below the critical level.
func (c *Controller) ThrottleDelay() time.Duration {
	var delay time.Duration
	switch c.CurrentLevel() {
	case LevelCritical:
		delay = 10 * time.Millisecond
	case LevelEmergency:
		delay = 100 * time.Millisecond
	default:
		return 0
	}

	c.mu.Lock()
	c.stats.throttledFor += delay
	c.mu.Unlock()
	return delay
}

// RecordReject counts an append refused under emergency pressure.
func (c *Controller) RecordReject() {
	c.mu.Lock()
	c.stats.ticksRejected++
	c.mu.Unlock()
}

// Stats returns controller counters.
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		CurrentLevel:   c.CurrentLevel(),
		LevelChanges:   c.stats.levelChanges,
		WarningCount:   c.stats.warningCount,
		CriticalCount:  c.stats.criticalCount,
		EmergencyCount: c.stats.emergencyCount,
		TicksRejected:  c.stats.ticksRejected,
		ThrottledFor:   c.stats.throttledFor,
		BufferUsage:    c.sampler.UsageRatio(),
	}
}

// Enabled reports whether backpressure handling is configured on.
func (c *Controller) Enabled() bool {
	return c.cfg.Backpressure.Enabled
}
