package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/smart-pokhara/backend/internal/db"
	"github.com/smart-pokhara/backend/internal/geocode"
	"github.com/smart-pokhara/backend/internal/metrics"
	"github.com/smart-pokhara/backend/internal/models"
	"github.com/smart-pokhara/backend/internal/notify"
	"github.com/smart-pokhara/backend/internal/sla"
	"github.com/smart-pokhara/backend/internal/workflow"
)

type ComplaintStore interface {
	Store
	CreateComplaint(ctx context.Context, c models.Complaint) (models.Complaint, error)
	SetLocation(ctx context.Context, complaintID string, lat, lon float64) error
	ListComplaints(ctx context.Context, f db.ComplaintFilter) ([]models.Complaint, error)
	ListEvents(ctx context.Context, complaintID string) ([]models.ComplaintEvent, error)
	ListAssignments(ctx context.Context, complaintID string) ([]models.Assignment, error)
	ListExtensions(ctx context.Context, complaintID string) ([]models.Extension, error)
	ListEscalations(ctx context.Context, complaintID string) ([]models.Escalation, error)
	RequestExtension(ctx context.Context, complaintID string, actor models.Actor, reason string, decide db.ExtensionDecider) (models.Complaint, models.Extension, error)
}

type ComplaintService struct {
	Store          ComplaintStore
	Assigner       *AssignmentService
	Policy         sla.Policy
	Geocoder       geocode.Geocoder
	CountryDefault string
	CityDefault    string
	AutoAssign     bool
	Publisher      notify.Publisher
	Logger         zerolog.Logger
	Now            func() time.Time
}

type CreateInput struct {
	CitizenID   string
	Title       string
	Description string
	Category    string
	Priority    models.Priority
	WardID      string
	Address     string
	Lat         *float64
	Lon         *float64
}

func (s *ComplaintService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Create stores a new complaint, geocodes its address when no coordinates
// were given and, if enabled, tries to auto-assign it right away. Geocoding
// and assignment failures leave the complaint unassigned for the sweeper.
func (s *ComplaintService) Create(ctx context.Context, in CreateInput) (models.Complaint, error) {
	c := models.Complaint{
		CitizenID:   in.CitizenID,
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Priority:    in.Priority,
		WardID:      in.WardID,
		Address:     in.Address,
		Lat:         in.Lat,
		Lon:         in.Lon,
		SubmittedAt: s.now(),
	}
	c, err := s.Store.CreateComplaint(ctx, c)
	if err != nil {
		return models.Complaint{}, err
	}

	if s.Geocoder != nil && geocode.ShouldGeocode(c) {
		query := geocode.BuildGeocodeQuery(s.CountryDefault, s.CityDefault, c.Address)
		lat, lon, _, _, err := s.Geocoder.Geocode(ctx, query)
		switch {
		case err == nil:
			if err := s.Store.SetLocation(ctx, c.ID, lat, lon); err != nil {
				s.Logger.Error().Err(err).Str("complaint_id", c.ID).Msg("failed to store location")
			} else {
				c.Lat, c.Lon = &lat, &lon
			}
		case errors.Is(err, geocode.ErrNotFound):
			s.Logger.Info().Str("complaint_id", c.ID).Str("query", query).Msg("address not found")
		default:
			s.Logger.Warn().Err(err).Str("complaint_id", c.ID).Msg("geocode failed")
		}
	}

	s.publish(ctx, notify.Event{
		Type:        notify.EventTransition,
		ComplaintID: c.ID,
		ActorID:     c.CitizenID,
		Data:        map[string]any{"action": "submit", "to": c.Status, "priority": c.Priority},
	})

	if s.AutoAssign && s.Assigner != nil {
		assigned, _, err := s.Assigner.AutoAssign(ctx, c.ID, models.SystemActor)
		switch {
		case err == nil:
			return assigned, nil
		case errors.Is(err, ErrNoEligibleStaff):
			return c, nil
		default:
			s.Logger.Error().Err(err).Str("complaint_id", c.ID).Msg("auto-assign on create failed")
			return c, nil
		}
	}
	return c, nil
}

// Transition applies a lifecycle action that does not pick a staff member.
func (s *ComplaintService) Transition(ctx context.Context, complaintID string, action workflow.Action, actor models.Actor, note string) (models.Complaint, error) {
	if workflow.TakesAssignee(action) {
		return models.Complaint{}, &workflow.TransitionError{Action: action, Role: actor.Role, Err: workflow.ErrInvalidTransition}
	}
	before, err := s.Store.GetComplaint(ctx, complaintID)
	if err != nil {
		return models.Complaint{}, err
	}
	c, err := s.Store.ApplyTransition(ctx, db.Transition{
		ComplaintID: complaintID,
		Action:      action,
		Actor:       actor,
		Note:        note,
	})
	if err != nil {
		return models.Complaint{}, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(action)).Inc()
	s.publish(ctx, notify.Event{
		Type:        notify.EventTransition,
		ComplaintID: c.ID,
		ActorID:     actor.ID,
		Data:        map[string]any{"action": action, "from": before.Status, "to": c.Status, "note": note},
	})
	return c, nil
}

// RequestExtension evaluates an extension request against the SLA policy and
// records the outcome. Requests needing manual approval are stored as
// pending; approving them happens outside this service.
func (s *ComplaintService) RequestExtension(ctx context.Context, complaintID string, actor models.Actor, reason string) (models.Complaint, sla.ExtensionDecision, error) {
	now := s.now()
	var decision sla.ExtensionDecision
	c, ext, err := s.Store.RequestExtension(ctx, complaintID, actor, reason, func(c models.Complaint) models.Extension {
		decision = s.Policy.EvaluateExtension(c.Priority, c.SubmittedAt, c.ExtensionCount, now)
		e := models.Extension{Decision: string(decision.Outcome)}
		if decision.Outcome == sla.ExtensionAutoApproved {
			e.HoursGranted = decision.HoursGranted
		}
		return e
	})
	if err != nil {
		return models.Complaint{}, sla.ExtensionDecision{}, err
	}

	metrics.ExtensionsTotal.WithLabelValues(ext.Decision).Inc()
	s.publish(ctx, notify.Event{
		Type:        notify.EventExtension,
		ComplaintID: c.ID,
		ActorID:     actor.ID,
		Data: map[string]any{
			"decision":            decision.Outcome,
			"reason_code":         decision.Reason,
			"hours_granted":       ext.HoursGranted,
			"resolution_deadline": decision.NewResolutionDeadline,
		},
	})
	return c, decision, nil
}

type Details struct {
	Complaint   models.Complaint        `json:"complaint"`
	SLA         sla.Window              `json:"sla"`
	AlertLevel  sla.AlertLevel          `json:"alert_level"`
	Remaining   string                  `json:"remaining"`
	Allowed     []workflow.Action       `json:"allowed_actions"`
	Assignments []models.Assignment     `json:"assignments"`
	Events      []models.ComplaintEvent `json:"events"`
	Extensions  []models.Extension      `json:"extensions"`
	Escalations []models.Escalation     `json:"escalations"`
}

// Details assembles everything a caller needs to render one complaint.
// Citizens may only see their own complaints.
func (s *ComplaintService) Details(ctx context.Context, complaintID string, actor models.Actor) (Details, error) {
	c, err := s.Store.GetComplaint(ctx, complaintID)
	if err != nil {
		return Details{}, err
	}
	if actor.Role == models.RoleCitizen && c.CitizenID != actor.ID {
		return Details{}, workflow.ErrNotOwner
	}

	now := s.now()
	w := s.Policy.WindowWithExtensions(c.Priority, c.SubmittedAt, c.ExtensionCount)
	d := Details{
		Complaint:  c,
		SLA:        w,
		AlertLevel: s.Policy.AlertLevel(w, now),
		Remaining:  w.Remaining(now).Round(time.Minute).String(),
		Allowed:    workflow.Allowed(actor, c),
	}
	if d.Assignments, err = s.Store.ListAssignments(ctx, c.ID); err != nil {
		return Details{}, err
	}
	if d.Events, err = s.Store.ListEvents(ctx, c.ID); err != nil {
		return Details{}, err
	}
	if d.Extensions, err = s.Store.ListExtensions(ctx, c.ID); err != nil {
		return Details{}, err
	}
	if d.Escalations, err = s.Store.ListEscalations(ctx, c.ID); err != nil {
		return Details{}, err
	}
	return d, nil
}

// List narrows the filter to what the actor is allowed to see.
func (s *ComplaintService) List(ctx context.Context, f db.ComplaintFilter, actor models.Actor) ([]models.Complaint, error) {
	switch actor.Role {
	case models.RoleCitizen:
		f.CitizenID = actor.ID
	case models.RoleStaff:
		f.AssigneeID = actor.ID
	}
	return s.Store.ListComplaints(ctx, f)
}

func (s *ComplaintService) publish(ctx context.Context, e notify.Event) {
	if s.Publisher == nil {
		return
	}
	e.OccurredAt = s.now()
	if err := s.Publisher.Publish(ctx, e); err != nil {
		s.Logger.Error().Err(err).Str("event", e.Type).Str("complaint_id", e.ComplaintID).Msg("failed to publish event")
	}
}
