package sla

import (
	"math"
	"time"

	"github.com/smart-pokhara/backend/internal/models"
)

const (
	TargetSupervisor     = "supervisor"
	TargetDepartmentHead = "department_head"
	TargetCityAdmin      = "city_admin"
)

var escalationTargets = [3]string{TargetSupervisor, TargetDepartmentHead, TargetCityAdmin}

type Checkpoint struct {
	Level  int       `json:"level"`
	Target string    `json:"target"`
	At     time.Time `json:"at"`
}

type Window struct {
	Priority           models.Priority `json:"priority"`
	SubmittedAt        time.Time       `json:"submitted_at"`
	ResponseDeadline   time.Time       `json:"response_deadline"`
	ResolutionDeadline time.Time       `json:"resolution_deadline"`
	Escalations        []Checkpoint    `json:"escalations"`
}

type AlertLevel string

const (
	AlertOK       AlertLevel = "ok"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
	AlertBreached AlertLevel = "breached"
)

// Window computes the deadlines for a complaint submitted at submittedAt.
func (p Policy) Window(priority models.Priority, submittedAt time.Time) Window {
	return p.WindowWithExtensions(priority, submittedAt, 0)
}

// WindowWithExtensions is Window with the resolution deadline pushed back by
// the given number of granted extensions, capped at the priority's extension
// limit. Escalation checkpoints follow the extended window.
func (p Policy) WindowWithExtensions(priority models.Priority, submittedAt time.Time, extensions int) Window {
	d := p.Lookup(priority)
	if extensions < 0 {
		extensions = 0
	}
	if limit := p.ExtensionLimit(priority); extensions > limit {
		extensions = limit
	}
	resolution := time.Duration(d.ResolutionHours+extensions*d.ExtensionHours) * time.Hour

	w := Window{
		Priority:           priority,
		SubmittedAt:        submittedAt,
		ResponseDeadline:   submittedAt.Add(time.Duration(d.ResponseHours) * time.Hour),
		ResolutionDeadline: submittedAt.Add(resolution),
		Escalations:        make([]Checkpoint, 0, len(p.EscalationFractions)),
	}
	for i, f := range p.EscalationFractions {
		offset := time.Duration(math.Round(float64(resolution) * f))
		w.Escalations = append(w.Escalations, Checkpoint{
			Level:  i + 1,
			Target: escalationTargets[i],
			At:     submittedAt.Add(offset),
		})
	}
	return w
}

// Elapsed is the fraction of the resolution window used up at now.
func (w Window) Elapsed(now time.Time) float64 {
	total := w.ResolutionDeadline.Sub(w.SubmittedAt)
	if total <= 0 {
		return 1
	}
	return float64(now.Sub(w.SubmittedAt)) / float64(total)
}

func (w Window) Remaining(now time.Time) time.Duration {
	return w.ResolutionDeadline.Sub(now)
}

func (p Policy) AlertLevel(w Window, now time.Time) AlertLevel {
	elapsed := w.Elapsed(now)
	switch {
	case elapsed >= 1:
		return AlertBreached
	case elapsed >= p.AlertCritical:
		return AlertCritical
	case elapsed >= p.AlertWarning:
		return AlertWarning
	default:
		return AlertOK
	}
}

// DueCheckpoint returns the highest escalation checkpoint reached at now, or
// false when none is due yet.
func (w Window) DueCheckpoint(now time.Time) (Checkpoint, bool) {
	var due Checkpoint
	found := false
	for _, c := range w.Escalations {
		if !now.Before(c.At) {
			due = c
			found = true
		}
	}
	return due, found
}

type ExtensionOutcome string

const (
	ExtensionRejected      ExtensionOutcome = "rejected"
	ExtensionAutoApproved  ExtensionOutcome = "auto_approved"
	ExtensionNeedsApproval ExtensionOutcome = "needs_approval"
)

const ReasonExtensionLimit = "EXTENSION_LIMIT_REACHED"

type ExtensionDecision struct {
	Outcome               ExtensionOutcome `json:"outcome"`
	Reason                string           `json:"reason,omitempty"`
	HoursGranted          int              `json:"hours_granted"`
	Remaining             time.Duration    `json:"remaining"`
	ResolutionDeadline    time.Time        `json:"resolution_deadline"`
	NewResolutionDeadline time.Time        `json:"new_resolution_deadline"`
}

// EvaluateExtension decides how a deadline extension request is handled.
// Only the decision is made here; recording it is up to the caller.
func (p Policy) EvaluateExtension(priority models.Priority, submittedAt time.Time, granted int, now time.Time) ExtensionDecision {
	d := p.Lookup(priority)
	w := p.WindowWithExtensions(priority, submittedAt, granted)
	decision := ExtensionDecision{
		HoursGranted:          d.ExtensionHours,
		Remaining:             w.Remaining(now),
		ResolutionDeadline:    w.ResolutionDeadline,
		NewResolutionDeadline: w.ResolutionDeadline.Add(time.Duration(d.ExtensionHours) * time.Hour),
	}

	if granted >= p.ExtensionLimit(priority) {
		decision.Outcome = ExtensionRejected
		decision.Reason = ReasonExtensionLimit
		decision.HoursGranted = 0
		decision.NewResolutionDeadline = w.ResolutionDeadline
		return decision
	}
	if decision.Remaining < p.AutoApproveWithin && p.autoApprovable(priority) {
		decision.Outcome = ExtensionAutoApproved
		return decision
	}
	decision.Outcome = ExtensionNeedsApproval
	return decision
}
