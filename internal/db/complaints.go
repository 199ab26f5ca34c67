package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smart-pokhara/backend/internal/models"
	"github.com/smart-pokhara/backend/internal/scoring"
	"github.com/smart-pokhara/backend/internal/sla"
	"github.com/smart-pokhara/backend/internal/workflow"
)

const complaintColumns = `id, citizen_id, title, description, category, priority, ward_id, address, lat, lon,
	status, assignee_id, escalation_level, extension_count, submitted_at, last_assign_attempt_at, updated_at`

func scanComplaint(row scanner) (models.Complaint, error) {
	var c models.Complaint
	err := row.Scan(&c.ID, &c.CitizenID, &c.Title, &c.Description, &c.Category, &c.Priority, &c.WardID, &c.Address,
		&c.Lat, &c.Lon, &c.Status, &c.AssigneeID, &c.EscalationLevel, &c.ExtensionCount, &c.SubmittedAt,
		&c.LastAssignAttemptAt, &c.UpdatedAt)
	return c, err
}

func collectComplaints(rows pgx.Rows) ([]models.Complaint, error) {
	defer rows.Close()
	var out []models.Complaint
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateComplaint inserts a new complaint in the unassigned state and logs a
// "submit" event.
func (s *Store) CreateComplaint(ctx context.Context, c models.Complaint) (models.Complaint, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.SubmittedAt.IsZero() {
		c.SubmittedAt = time.Now().UTC()
	}
	c.Status = models.StatusUnassigned
	c.UpdatedAt = c.SubmittedAt

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO complaints (id, citizen_id, title, description, category, priority, ward_id, address, lat, lon,
				status, submitted_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, c.ID, c.CitizenID, c.Title, c.Description, c.Category, string(c.Priority), c.WardID, c.Address, c.Lat, c.Lon,
			string(c.Status), c.SubmittedAt, c.UpdatedAt)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, models.ComplaintEvent{
			ComplaintID: c.ID,
			Action:      "submit",
			FromStatus:  "",
			ToStatus:    c.Status,
			ActorID:     c.CitizenID,
			ActorRole:   models.RoleCitizen,
			CreatedAt:   c.SubmittedAt,
		})
	})
	return c, err
}

func (s *Store) GetComplaint(ctx context.Context, id string) (models.Complaint, error) {
	c, err := scanComplaint(s.Pool.QueryRow(ctx, `SELECT `+complaintColumns+` FROM complaints WHERE id = $1`, id))
	if err != nil {
		return models.Complaint{}, notFound(err)
	}
	return c, nil
}

type ComplaintFilter struct {
	Status     models.Status
	Priority   models.Priority
	WardID     string
	AssigneeID string
	CitizenID  string
	Q          string
	Limit      int
	Offset     int
}

func (s *Store) ListComplaints(ctx context.Context, f ComplaintFilter) ([]models.Complaint, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	query := `SELECT ` + complaintColumns + ` FROM complaints`
	var args []any
	var wheres []string
	add := func(cond string, v any) {
		args = append(args, v)
		wheres = append(wheres, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Priority != "" {
		add("priority = $%d", string(f.Priority))
	}
	if f.WardID != "" {
		add("ward_id = $%d", f.WardID)
	}
	if f.AssigneeID != "" {
		add("assignee_id = $%d", f.AssigneeID)
	}
	if f.CitizenID != "" {
		add("citizen_id = $%d", f.CitizenID)
	}
	if f.Q != "" {
		args = append(args, "%"+f.Q+"%")
		wheres = append(wheres, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY submitted_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectComplaints(rows)
}

// ListOpenComplaints returns every complaint still running against its SLA.
func (s *Store) ListOpenComplaints(ctx context.Context) ([]models.Complaint, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+complaintColumns+` FROM complaints
		WHERE status NOT IN ('resolved', 'closed')
		ORDER BY submitted_at ASC`)
	if err != nil {
		return nil, err
	}
	return collectComplaints(rows)
}

// ListAwaitingAssignment returns unassigned or reopened complaints whose last
// auto-assign attempt is older than before (or that were never tried).
func (s *Store) ListAwaitingAssignment(ctx context.Context, before time.Time) ([]models.Complaint, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+complaintColumns+` FROM complaints
		WHERE status IN ('unassigned', 'reopened')
			AND (last_assign_attempt_at IS NULL OR last_assign_attempt_at <= $1)
		ORDER BY submitted_at ASC`, before)
	if err != nil {
		return nil, err
	}
	return collectComplaints(rows)
}

// MarkAssignAttempt stamps a failed auto-assign so the retry delay applies.
func (s *Store) MarkAssignAttempt(ctx context.Context, complaintID string, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `UPDATE complaints SET last_assign_attempt_at = $2 WHERE id = $1`, complaintID, at)
	return err
}

// SetLocation stores geocoded coordinates.
func (s *Store) SetLocation(ctx context.Context, complaintID string, lat, lon float64) error {
	_, err := s.Pool.Exec(ctx, `UPDATE complaints SET lat = $2, lon = $3, updated_at = NOW() WHERE id = $1`, complaintID, lat, lon)
	return err
}

// Transition is one state change request against a complaint.
type Transition struct {
	ComplaintID string
	Action      workflow.Action
	Actor       models.Actor
	StaffID     string
	Mode        string
	Score       *float64
	Reasoning   []byte
	Note        string
	// CapacityRules, when set, refuses the new assignee if their locked
	// workload already classifies as overloaded.
	CapacityRules *scoring.Rules
}

// ApplyTransition locks the complaint, checks the move against the workflow,
// keeps assignments and staff workload counters in step and logs the event,
// all in one transaction.
func (s *Store) ApplyTransition(ctx context.Context, t Transition) (models.Complaint, error) {
	var out models.Complaint
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		c, err := scanComplaint(tx.QueryRow(ctx, `SELECT `+complaintColumns+` FROM complaints WHERE id = $1 FOR UPDATE`, t.ComplaintID))
		if err != nil {
			return notFound(err)
		}

		next, err := workflow.Next(t.Action, t.Actor.Role, c.Status)
		if err != nil {
			return err
		}
		if err := workflow.CheckActor(t.Action, t.Actor, c); err != nil {
			return err
		}

		now := time.Now().UTC()
		assignee := c.AssigneeID

		if workflow.TakesAssignee(t.Action) {
			if t.StaffID == "" {
				return fmt.Errorf("%s needs a staff id", t.Action)
			}
			var (
				active            bool
				current, capacity int
			)
			err := tx.QueryRow(ctx, `SELECT active, current_workload, max_capacity FROM staff WHERE id = $1 FOR UPDATE`, t.StaffID).
				Scan(&active, &current, &capacity)
			if errors.Is(err, pgx.ErrNoRows) || (err == nil && !active) {
				return ErrStaffUnavailable
			}
			if err != nil {
				return err
			}
			if t.CapacityRules != nil && t.CapacityRules.ClassifyWorkload(current, capacity) == scoring.WorkloadOverloaded {
				return fmt.Errorf("%w: %s at %d/%d", ErrStaffAtCapacity, t.StaffID, current, capacity)
			}
			if assignee != nil && *assignee == t.StaffID {
				return fmt.Errorf("%w: already assigned to %s", workflow.ErrInvalidTransition, t.StaffID)
			}
		}

		if assignee != nil && (workflow.ReleasesAssignee(t.Action) || workflow.TakesAssignee(t.Action)) {
			if _, err := tx.Exec(ctx, `UPDATE assignments SET active = FALSE, released_at = $2 WHERE complaint_id = $1 AND active`, c.ID, now); err != nil {
				return err
			}
			if err := updateStaffWorkload(ctx, tx, *assignee, -1); err != nil {
				return err
			}
			assignee = nil
		}

		if workflow.TakesAssignee(t.Action) {
			mode := t.Mode
			if mode == "" {
				mode = "manual"
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO assignments (id, complaint_id, staff_id, assigned_by, mode, score, reasoning, active, assigned_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE,$8)
			`, uuid.NewString(), c.ID, t.StaffID, t.Actor.ID, mode, t.Score, t.Reasoning, now)
			if err != nil {
				return err
			}
			if err := updateStaffWorkload(ctx, tx, t.StaffID, 1); err != nil {
				return err
			}
			staffID := t.StaffID
			assignee = &staffID
		}

		_, err = tx.Exec(ctx, `UPDATE complaints SET status = $2, assignee_id = $3, updated_at = $4 WHERE id = $1`,
			c.ID, string(next), assignee, now)
		if err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, models.ComplaintEvent{
			ComplaintID: c.ID,
			Action:      string(t.Action),
			FromStatus:  c.Status,
			ToStatus:    next,
			ActorID:     t.Actor.ID,
			ActorRole:   t.Actor.Role,
			Note:        t.Note,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		c.Status = next
		c.AssigneeID = assignee
		c.UpdatedAt = now
		out = c
		return nil
	})
	return out, err
}

// ExtensionDecider turns the locked complaint into a decision. It runs inside
// the transaction so the extension count cannot race.
type ExtensionDecider func(c models.Complaint) models.Extension

// RequestExtension records an extension request. Auto-approved requests bump
// the complaint's extension count; all others are stored for the record only.
func (s *Store) RequestExtension(ctx context.Context, complaintID string, actor models.Actor, reason string, decide ExtensionDecider) (models.Complaint, models.Extension, error) {
	var (
		outC models.Complaint
		outE models.Extension
	)
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		c, err := scanComplaint(tx.QueryRow(ctx, `SELECT `+complaintColumns+` FROM complaints WHERE id = $1 FOR UPDATE`, complaintID))
		if err != nil {
			return notFound(err)
		}
		if err := workflow.CheckExtension(actor, c); err != nil {
			return err
		}

		ext := decide(c)
		ext.ID = uuid.NewString()
		ext.ComplaintID = c.ID
		ext.RequestedBy = actor.ID
		ext.Reason = reason
		ext.CreatedAt = time.Now().UTC()

		_, err = tx.Exec(ctx, `
			INSERT INTO sla_extensions (id, complaint_id, requested_by, reason, decision, hours_granted, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, ext.ID, ext.ComplaintID, ext.RequestedBy, ext.Reason, ext.Decision, ext.HoursGranted, ext.CreatedAt)
		if err != nil {
			return err
		}

		if ext.Decision == string(sla.ExtensionAutoApproved) {
			c.ExtensionCount++
			c.UpdatedAt = ext.CreatedAt
			if _, err := tx.Exec(ctx, `UPDATE complaints SET extension_count = $2, updated_at = $3 WHERE id = $1`,
				c.ID, c.ExtensionCount, c.UpdatedAt); err != nil {
				return err
			}
		}
		if err := insertEvent(ctx, tx, models.ComplaintEvent{
			ComplaintID: c.ID,
			Action:      "extension_" + ext.Decision,
			FromStatus:  c.Status,
			ToStatus:    c.Status,
			ActorID:     actor.ID,
			ActorRole:   actor.Role,
			Note:        reason,
			CreatedAt:   ext.CreatedAt,
		}); err != nil {
			return err
		}
		outC, outE = c, ext
		return nil
	})
	return outC, outE, err
}

// RecordEscalation stores a fired checkpoint. It reports false when the level
// was already recorded for the complaint.
func (s *Store) RecordEscalation(ctx context.Context, e models.Escalation) (bool, error) {
	var inserted bool
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO escalations (complaint_id, level, target, fired_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (complaint_id, level) DO NOTHING
		`, e.ComplaintID, e.Level, e.Target, e.FiredAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		inserted = true

		var status models.Status
		err = tx.QueryRow(ctx, `
			UPDATE complaints SET escalation_level = GREATEST(escalation_level, $2), updated_at = $3
			WHERE id = $1
			RETURNING status
		`, e.ComplaintID, e.Level, e.FiredAt).Scan(&status)
		if err != nil {
			return notFound(err)
		}
		return insertEvent(ctx, tx, models.ComplaintEvent{
			ComplaintID: e.ComplaintID,
			Action:      "sla_escalation",
			FromStatus:  status,
			ToStatus:    status,
			ActorID:     models.SystemActor.ID,
			ActorRole:   models.SystemActor.Role,
			Note:        fmt.Sprintf("level %d: %s", e.Level, e.Target),
			CreatedAt:   e.FiredAt,
		})
	})
	return inserted, err
}

func insertEvent(ctx context.Context, tx pgx.Tx, e models.ComplaintEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO complaint_events (id, complaint_id, action, from_status, to_status, actor_id, actor_role, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.ComplaintID, e.Action, string(e.FromStatus), string(e.ToStatus), e.ActorID, string(e.ActorRole), e.Note, e.CreatedAt)
	return err
}

func (s *Store) ListEvents(ctx context.Context, complaintID string) ([]models.ComplaintEvent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, complaint_id, action, from_status, to_status, actor_id, actor_role, note, created_at
		FROM complaint_events WHERE complaint_id = $1 ORDER BY created_at ASC, id ASC
	`, complaintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ComplaintEvent
	for rows.Next() {
		var e models.ComplaintEvent
		if err := rows.Scan(&e.ID, &e.ComplaintID, &e.Action, &e.FromStatus, &e.ToStatus, &e.ActorID, &e.ActorRole, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListAssignments(ctx context.Context, complaintID string) ([]models.Assignment, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, complaint_id, staff_id, assigned_by, mode, score, reasoning, active, assigned_at, released_at
		FROM assignments WHERE complaint_id = $1 ORDER BY assigned_at ASC
	`, complaintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Assignment
	for rows.Next() {
		var a models.Assignment
		if err := rows.Scan(&a.ID, &a.ComplaintID, &a.StaffID, &a.AssignedBy, &a.Mode, &a.Score, &a.Reasoning, &a.Active, &a.AssignedAt, &a.ReleasedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListExtensions(ctx context.Context, complaintID string) ([]models.Extension, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, complaint_id, requested_by, reason, decision, hours_granted, created_at
		FROM sla_extensions WHERE complaint_id = $1 ORDER BY created_at ASC
	`, complaintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Extension
	for rows.Next() {
		var e models.Extension
		if err := rows.Scan(&e.ID, &e.ComplaintID, &e.RequestedBy, &e.Reason, &e.Decision, &e.HoursGranted, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListEscalations(ctx context.Context, complaintID string) ([]models.Escalation, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT complaint_id, level, target, fired_at FROM escalations WHERE complaint_id = $1 ORDER BY level ASC
	`, complaintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Escalation
	for rows.Next() {
		var e models.Escalation
		if err := rows.Scan(&e.ComplaintID, &e.Level, &e.Target, &e.FiredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
