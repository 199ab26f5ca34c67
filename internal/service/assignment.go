package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/smart-pokhara/backend/internal/db"
	"github.com/smart-pokhara/backend/internal/metrics"
	"github.com/smart-pokhara/backend/internal/models"
	"github.com/smart-pokhara/backend/internal/notify"
	"github.com/smart-pokhara/backend/internal/scoring"
	"github.com/smart-pokhara/backend/internal/utils"
	"github.com/smart-pokhara/backend/internal/workflow"
)

var ErrNoEligibleStaff = errors.New("no eligible staff")

// NoEligibleError carries the scorer's reason when auto-assignment finds
// nobody. It matches ErrNoEligibleStaff.
type NoEligibleError struct {
	ReasonCode string
	ReasonText string
}

func (e *NoEligibleError) Error() string {
	return fmt.Sprintf("%v: %s (%s)", ErrNoEligibleStaff, e.ReasonText, e.ReasonCode)
}

func (e *NoEligibleError) Is(target error) bool {
	return target == ErrNoEligibleStaff
}

type Store interface {
	GetComplaint(ctx context.Context, id string) (models.Complaint, error)
	ListStaff(ctx context.Context, f db.StaffFilter) ([]models.Staff, error)
	ApplyTransition(ctx context.Context, t db.Transition) (models.Complaint, error)
	MarkAssignAttempt(ctx context.Context, complaintID string, at time.Time) error
}

type AssignmentService struct {
	Store            Store
	Rules            scoring.Rules
	OfflineThreshold time.Duration
	Publisher        notify.Publisher
	Logger           zerolog.Logger
	Now              func() time.Time
}

// Preview is the ranking for a complaint without assigning anyone.
type Preview struct {
	Complaint models.Complaint
	Result    scoring.Result
	Offline   []string
}

func (s *AssignmentService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Candidates ranks the active field staff for a complaint. Staff whose last
// heartbeat is older than OfflineThreshold never reach the scorer.
func (s *AssignmentService) Candidates(ctx context.Context, complaintID string) (Preview, error) {
	c, err := s.Store.GetComplaint(ctx, complaintID)
	if err != nil {
		return Preview{}, err
	}
	return s.rank(ctx, c)
}

func (s *AssignmentService) rank(ctx context.Context, c models.Complaint) (Preview, error) {
	staff, err := s.Store.ListStaff(ctx, db.StaffFilter{ActiveOnly: true})
	if err != nil {
		return Preview{}, err
	}

	now := s.now()
	p := Preview{Complaint: c}
	pool := make([]scoring.Candidate, 0, len(staff))
	for _, m := range staff {
		if m.Role != models.RoleStaff {
			continue
		}
		if s.offline(m, now) {
			p.Offline = append(p.Offline, m.ID)
			continue
		}
		km, known := utils.DistanceKm(c.Lat, c.Lon, m.Lat, m.Lon)
		pool = append(pool, scoring.Candidate{Staff: m, DistanceKm: km, DistanceKnown: known})
	}

	p.Result = scoring.Rank(s.Rules, scoring.Item{ID: c.ID, Priority: c.Priority, Category: c.Category}, pool)
	return p, nil
}

// offline treats staff who never sent a heartbeat as online.
func (s *AssignmentService) offline(m models.Staff, now time.Time) bool {
	if s.OfflineThreshold <= 0 || m.LastSeenAt == nil {
		return false
	}
	return now.Sub(*m.LastSeenAt) > s.OfflineThreshold
}

// AutoAssign gives the complaint to the best ranked candidate. When nobody is
// eligible the attempt is stamped so the sweeper waits out the retry delay.
// If the pick filled up between ranking and assignment, the complaint is
// ranked once more against fresh workloads.
func (s *AssignmentService) AutoAssign(ctx context.Context, complaintID string, actor models.Actor) (models.Complaint, scoring.Ranked, error) {
	c, err := s.Store.GetComplaint(ctx, complaintID)
	if err != nil {
		return models.Complaint{}, scoring.Ranked{}, err
	}
	if _, err := workflow.Next(workflow.ActionAssign, actor.Role, c.Status); err != nil {
		return models.Complaint{}, scoring.Ranked{}, err
	}

	const attempts = 2
	for attempt := 1; ; attempt++ {
		p, err := s.rank(ctx, c)
		if err != nil {
			return models.Complaint{}, scoring.Ranked{}, err
		}
		if p.Result.Empty() {
			return c, scoring.Ranked{}, s.noEligible(ctx, c, p.Result.ReasonCode, p.Result.ReasonText)
		}

		picked := p.Result.Ranked[0]
		updated, err := s.applyAuto(ctx, c, actor, p, picked)
		if errors.Is(err, db.ErrStaffAtCapacity) {
			s.Logger.Warn().Str("complaint_id", c.ID).Str("staff_id", picked.ID).Int("attempt", attempt).Msg("picked staff filled up before assignment")
			metrics.AssignmentsTotal.WithLabelValues("auto", "at_capacity").Inc()
			if attempt < attempts {
				continue
			}
			return c, scoring.Ranked{}, s.noEligible(ctx, c, scoring.ReasonAllOverloaded,
				fmt.Sprintf("staff %s reached capacity before the assignment could be stored", picked.ID))
		}
		if err != nil {
			metrics.AssignmentsTotal.WithLabelValues("auto", "error").Inc()
			return models.Complaint{}, scoring.Ranked{}, err
		}

		metrics.AssignmentsTotal.WithLabelValues("auto", "assigned").Inc()
		metrics.TransitionsTotal.WithLabelValues(string(workflow.ActionAssign)).Inc()
		s.publish(ctx, notify.Event{
			Type:        notify.EventAssigned,
			ComplaintID: c.ID,
			ActorID:     actor.ID,
			Data:        map[string]any{"staff_id": picked.ID, "score": picked.Score, "mode": "auto"},
		})
		s.Logger.Info().Str("complaint_id", c.ID).Str("staff_id", picked.ID).Float64("score", picked.Score).Msg("auto-assigned")
		return updated, picked, nil
	}
}

func (s *AssignmentService) applyAuto(ctx context.Context, c models.Complaint, actor models.Actor, p Preview, picked scoring.Ranked) (models.Complaint, error) {
	reasoning, _ := json.Marshal(buildReasoning("auto", c, p, &picked, false, ""))
	score := picked.Score
	rules := s.Rules
	return s.Store.ApplyTransition(ctx, db.Transition{
		ComplaintID:   c.ID,
		Action:        workflow.ActionAssign,
		Actor:         actor,
		StaffID:       picked.ID,
		Mode:          "auto",
		Score:         &score,
		Reasoning:     reasoning,
		CapacityRules: &rules,
	})
}

// noEligible stamps the attempt, reports it and returns the matching error.
func (s *AssignmentService) noEligible(ctx context.Context, c models.Complaint, code, text string) error {
	if err := s.Store.MarkAssignAttempt(ctx, c.ID, s.now()); err != nil {
		s.Logger.Error().Err(err).Str("complaint_id", c.ID).Msg("failed to record assign attempt")
	}
	metrics.AssignmentsTotal.WithLabelValues("auto", "no_candidates").Inc()
	s.publish(ctx, notify.Event{
		Type:        notify.EventUnassigned,
		ComplaintID: c.ID,
		Data:        map[string]any{"reason_code": code},
	})
	s.Logger.Warn().Str("complaint_id", c.ID).Str("reason_code", code).Msg("no eligible staff")
	return &NoEligibleError{ReasonCode: code, ReasonText: text}
}

// Assign hands the complaint to a chosen staff member. The choice is allowed
// even when the scorer would have excluded them; that is flagged as an
// override in the stored reasoning.
func (s *AssignmentService) Assign(ctx context.Context, complaintID, staffID string, actor models.Actor, reason string) (models.Complaint, bool, error) {
	c, err := s.Store.GetComplaint(ctx, complaintID)
	if err != nil {
		return models.Complaint{}, false, err
	}
	action := workflow.ActionAssign
	if c.AssigneeID != nil {
		action = workflow.ActionReassign
	}

	p, err := s.rank(ctx, c)
	if err != nil {
		return models.Complaint{}, false, err
	}
	override := true
	var score *float64
	for _, e := range p.Result.Eligible() {
		if e.ID == staffID {
			override = false
			break
		}
	}
	for _, r := range p.Result.Ranked {
		if r.ID == staffID {
			v := r.Score
			score = &v
			break
		}
	}

	reasoning, _ := json.Marshal(buildReasoning("manual", c, p, nil, override, reason))
	updated, err := s.Store.ApplyTransition(ctx, db.Transition{
		ComplaintID: c.ID,
		Action:      action,
		Actor:       actor,
		StaffID:     staffID,
		Mode:        "manual",
		Score:       score,
		Reasoning:   reasoning,
		Note:        reason,
	})
	if err != nil {
		return models.Complaint{}, false, err
	}

	metrics.AssignmentsTotal.WithLabelValues("manual", "assigned").Inc()
	metrics.TransitionsTotal.WithLabelValues(string(action)).Inc()
	s.publish(ctx, notify.Event{
		Type:        notify.EventAssigned,
		ComplaintID: c.ID,
		ActorID:     actor.ID,
		Data:        map[string]any{"staff_id": staffID, "mode": "manual", "override": override},
	})
	return updated, override, nil
}

func (s *AssignmentService) publish(ctx context.Context, e notify.Event) {
	if s.Publisher == nil {
		return
	}
	e.OccurredAt = s.now()
	if err := s.Publisher.Publish(ctx, e); err != nil {
		s.Logger.Error().Err(err).Str("event", e.Type).Str("complaint_id", e.ComplaintID).Msg("failed to publish event")
	}
}

func buildReasoning(mode string, c models.Complaint, p Preview, picked *scoring.Ranked, override bool, reason string) map[string]any {
	counts := map[string]any{
		"offline":           len(p.Offline),
		"pool":              p.Result.StageCount("pool"),
		"after_capacity":    p.Result.StageCount("capacity_rule"),
		"after_performance": p.Result.StageCount("performance_rule"),
		"after_distance":    p.Result.StageCount("distance_rule"),
	}

	var top []map[string]any
	for _, r := range p.Result.Ranked {
		entry := map[string]any{
			"staff_id":        r.ID,
			"score":           r.Score,
			"breakdown":       r.Breakdown,
			"workload_status": r.Workload,
		}
		if r.DistanceKnown {
			entry["distance_km"] = r.DistanceKm
		}
		top = append(top, entry)
	}

	reasoning := map[string]any{
		"mode":         mode,
		"counts":       counts,
		"top":          top,
		"category":     c.Category,
		"priority":     c.Priority,
		"has_location": c.HasLocation(),
	}
	if p.Result.ReasonCode != "" {
		reasoning["reason_code"] = p.Result.ReasonCode
	}
	if picked != nil {
		reasoning["picked"] = map[string]any{
			"staff_id": picked.ID,
			"score":    picked.Score,
			"method":   "weighted_score",
		}
	}
	if mode == "manual" {
		reasoning["override"] = override
		reasoning["reason"] = reason
	}
	return reasoning
}
