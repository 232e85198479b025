package resilience

import (
	"fmt"
	"sync"

	"github.com/storyforge/storyforge/pkg/logging"
)

// DegradationLevel represents how much generation quality a domain is
// currently allowed to spend. Higher values mean more capability.
type DegradationLevel int

const (
	// LevelMinimal - lowest quality floor, the domain cannot degrade further
	LevelMinimal DegradationLevel = iota
	// LevelLow - heavily reduced quality
	LevelLow
	// LevelMedium - reduced quality
	LevelMedium
	// LevelHigh - slightly reduced quality
	LevelHigh
	// LevelFull - no reduction, the default for every domain
	LevelFull
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelFull:
		return "FULL"
	case LevelHigh:
		return "HIGH"
	case LevelMedium:
		return "MEDIUM"
	case LevelLow:
		return "LOW"
	case LevelMinimal:
		return "MINIMAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON serializes the level as its string form
func (l DegradationLevel) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", l.String())), nil
}

// Multiplier returns the factor applied to quality parameters at this
// level
func (l DegradationLevel) Multiplier() float64 {
	switch l {
	case LevelFull:
		return 1.0
	case LevelHigh:
		return 0.8
	case LevelMedium:
		return 0.6
	case LevelLow:
		return 0.4
	case LevelMinimal:
		return 0.2
	default:
		return 1.0
	}
}

// ParseDegradationLevel converts the string form back to a level
func ParseDegradationLevel(s string) (DegradationLevel, error) {
	switch s {
	case "FULL":
		return LevelFull, nil
	case "HIGH":
		return LevelHigh, nil
	case "MEDIUM":
		return LevelMedium, nil
	case "LOW":
		return LevelLow, nil
	case "MINIMAL":
		return LevelMinimal, nil
	default:
		return LevelFull, fmt.Errorf("unknown degradation level: %s", s)
	}
}

// scalableParameters are the request parameters the controller is
// allowed to scale down. Anything else passes through untouched.
var scalableParameters = map[string]bool{
	"resolution_scale": true,
	"inference_steps":  true,
	"video_frames":     true,
	"sampling_quality": true,
}

// DegradationController tracks a degradation level per generation
// domain and scales quality parameters to match. Domains start at full
// capability and only move when told to.
type DegradationController struct {
	mu       sync.RWMutex
	domains  map[string]DegradationLevel
	onChange func(domain string, from DegradationLevel, to DegradationLevel)
	logger   *logging.Logger
}

// NewDegradationController creates a controller. onChange, when set, is
// called after every level change.
func NewDegradationController(onChange func(domain string, from DegradationLevel, to DegradationLevel)) *DegradationController {
	return &DegradationController{
		domains:  make(map[string]DegradationLevel),
		onChange: onChange,
		logger:   logging.GetLogger(),
	}
}

// Degrade lowers the domain one level, clamped at minimal, and returns
// the new level
func (c *DegradationController) Degrade(domain string) DegradationLevel {
	c.mu.Lock()
	from := c.levelLocked(domain)
	to := from
	if from > LevelMinimal {
		to = from - 1
	}
	c.domains[domain] = to
	c.mu.Unlock()

	if to != from {
		c.logger.Warn("Domain degraded",
			"domain", domain,
			"from", from.String(),
			"to", to.String(),
		)
		if c.onChange != nil {
			c.onChange(domain, from, to)
		}
	}
	return to
}

// Restore returns the domain to full capability. Restoring an already
// full domain is a no-op.
func (c *DegradationController) Restore(domain string) DegradationLevel {
	c.mu.Lock()
	from := c.levelLocked(domain)
	c.domains[domain] = LevelFull
	c.mu.Unlock()

	if from != LevelFull {
		c.logger.Info("Domain restored to full capability",
			"domain", domain,
			"from", from.String(),
		)
		if c.onChange != nil {
			c.onChange(domain, from, LevelFull)
		}
	}
	return LevelFull
}

// CurrentLevel returns the level for a domain, full for domains never
// seen before
func (c *DegradationController) CurrentLevel(domain string) DegradationLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.levelLocked(domain)
}

// AdjustParameters returns a copy of params with the quality parameters
// scaled by the domain's level multiplier. Unknown keys are copied
// unchanged.
func (c *DegradationController) AdjustParameters(domain string, params map[string]float64) map[string]float64 {
	if params == nil {
		return nil
	}

	multiplier := c.CurrentLevel(domain).Multiplier()

	adjusted := make(map[string]float64, len(params))
	for key, value := range params {
		if scalableParameters[key] {
			adjusted[key] = value * multiplier
		} else {
			adjusted[key] = value
		}
	}
	return adjusted
}

// Status returns a copy of every tracked domain and its level
func (c *DegradationController) Status() map[string]DegradationLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := make(map[string]DegradationLevel, len(c.domains))
	for domain, level := range c.domains {
		status[domain] = level
	}
	return status
}

func (c *DegradationController) levelLocked(domain string) DegradationLevel {
	if level, ok := c.domains[domain]; ok {
		return level
	}
	return LevelFull
}
