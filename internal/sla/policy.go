package sla

import (
	"fmt"
	"time"

	"github.com/smart-pokhara/backend/internal/models"
)

// Deadline holds the hour offsets for one priority.
type Deadline struct {
	ResponseHours   int `json:"response_hours"`
	ResolutionHours int `json:"resolution_hours"`
	ExtensionHours  int `json:"extension_hours"`
}

// Policy is the immutable SLA table. Unknown priorities use Default.
// EscalationFractions are the shares of the resolution window after which
// the supervisor, department head and city admin are pulled in.
type Policy struct {
	Deadlines             map[models.Priority]Deadline `json:"deadlines"`
	Default               Deadline                     `json:"default"`
	ExtensionLimits       map[models.Priority]int      `json:"extension_limits"`
	DefaultExtensionLimit int                          `json:"default_extension_limit"`
	EscalationFractions   [3]float64                   `json:"escalation_fractions"`
	AlertWarning          float64                      `json:"alert_warning"`
	AlertCritical         float64                      `json:"alert_critical"`
	AutoApproveWithin     time.Duration                `json:"auto_approve_within"`
	AutoApprovePriorities []models.Priority            `json:"auto_approve_priorities"`
}

func DefaultPolicy() Policy {
	return Policy{
		Deadlines: map[models.Priority]Deadline{
			models.PriorityEmergency: {ResponseHours: 1, ResolutionHours: 4, ExtensionHours: 2},
			models.PriorityHigh:      {ResponseHours: 4, ResolutionHours: 24, ExtensionHours: 12},
			models.PriorityMedium:    {ResponseHours: 24, ResolutionHours: 72, ExtensionHours: 24},
			models.PriorityLow:       {ResponseHours: 48, ResolutionHours: 168, ExtensionHours: 48},
		},
		Default: Deadline{ResponseHours: 24, ResolutionHours: 72, ExtensionHours: 24},
		ExtensionLimits: map[models.Priority]int{
			models.PriorityEmergency: 1,
			models.PriorityHigh:      2,
			models.PriorityMedium:    3,
			models.PriorityLow:       3,
		},
		DefaultExtensionLimit: 2,
		EscalationFractions:   [3]float64{0.85, 0.95, 1.00},
		AlertWarning:          0.50,
		AlertCritical:         0.75,
		AutoApproveWithin:     24 * time.Hour,
		AutoApprovePriorities: []models.Priority{models.PriorityLow, models.PriorityMedium},
	}
}

func (p Policy) Validate() error {
	check := func(name string, d Deadline) error {
		if d.ResponseHours <= 0 || d.ResolutionHours <= 0 || d.ExtensionHours <= 0 {
			return fmt.Errorf("sla %s: hours must be positive: %+v", name, d)
		}
		if d.ResponseHours >= d.ResolutionHours {
			return fmt.Errorf("sla %s: response must come before resolution: %+v", name, d)
		}
		return nil
	}
	if err := check("default", p.Default); err != nil {
		return err
	}
	for prio, d := range p.Deadlines {
		if err := check(string(prio), d); err != nil {
			return err
		}
	}
	prev := 0.0
	for i, f := range p.EscalationFractions {
		if f <= prev || f > 1 {
			return fmt.Errorf("escalation fraction %d must increase within (0,1]: %v", i, p.EscalationFractions)
		}
		prev = f
	}
	if !(p.AlertWarning > 0 && p.AlertWarning < p.AlertCritical && p.AlertCritical < 1) {
		return fmt.Errorf("alert thresholds must satisfy 0 < warning < critical < 1: %v/%v", p.AlertWarning, p.AlertCritical)
	}
	if p.DefaultExtensionLimit < 0 {
		return fmt.Errorf("default extension limit must not be negative")
	}
	return nil
}

// Lookup returns the deadline row for a priority, falling back to Default.
func (p Policy) Lookup(priority models.Priority) Deadline {
	if d, ok := p.Deadlines[priority]; ok {
		return d
	}
	return p.Default
}

func (p Policy) ExtensionLimit(priority models.Priority) int {
	if n, ok := p.ExtensionLimits[priority]; ok {
		return n
	}
	return p.DefaultExtensionLimit
}

func (p Policy) autoApprovable(priority models.Priority) bool {
	for _, a := range p.AutoApprovePriorities {
		if a == priority {
			return true
		}
	}
	return false
}
