package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smart-pokhara/backend/internal/db"
	"github.com/smart-pokhara/backend/internal/models"
	"github.com/smart-pokhara/backend/internal/scoring"
	"github.com/smart-pokhara/backend/internal/sla"
	"github.com/smart-pokhara/backend/internal/workflow"
)

type memStore struct {
	mu          sync.Mutex
	seq         int
	complaints  map[string]models.Complaint
	staff       map[string]models.Staff
	assignments []db.Transition
	extensions  []models.Extension
	escalations map[string]models.Escalation
	attempts    map[string]time.Time
	locations   map[string][2]float64

	// beforeApply runs under the lock ahead of each transition, standing in
	// for a concurrent writer.
	beforeApply func(m *memStore, t db.Transition)
}

func newMemStore() *memStore {
	return &memStore{
		complaints:  map[string]models.Complaint{},
		staff:       map[string]models.Staff{},
		escalations: map[string]models.Escalation{},
		attempts:    map[string]time.Time{},
		locations:   map[string][2]float64{},
	}
}

func (m *memStore) addStaff(staff ...models.Staff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range staff {
		m.staff[s.ID] = s
	}
}

func (m *memStore) put(c models.Complaint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.complaints[c.ID] = c
}

func (m *memStore) GetComplaint(_ context.Context, id string) (models.Complaint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.complaints[id]
	if !ok {
		return models.Complaint{}, db.ErrNotFound
	}
	return c, nil
}

func (m *memStore) ListStaff(_ context.Context, f db.StaffFilter) ([]models.Staff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Staff
	for _, s := range m.staff {
		if f.ActiveOnly && !s.Active {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ApplyTransition(_ context.Context, t db.Transition) (models.Complaint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beforeApply != nil {
		m.beforeApply(m, t)
	}
	c, ok := m.complaints[t.ComplaintID]
	if !ok {
		return models.Complaint{}, db.ErrNotFound
	}
	next, err := workflow.Next(t.Action, t.Actor.Role, c.Status)
	if err != nil {
		return models.Complaint{}, err
	}
	if err := workflow.CheckActor(t.Action, t.Actor, c); err != nil {
		return models.Complaint{}, err
	}
	if workflow.TakesAssignee(t.Action) {
		s, ok := m.staff[t.StaffID]
		if !ok || !s.Active {
			return models.Complaint{}, db.ErrStaffUnavailable
		}
		if t.CapacityRules != nil && t.CapacityRules.ClassifyWorkload(s.CurrentWorkload, s.MaxCapacity) == scoring.WorkloadOverloaded {
			return models.Complaint{}, db.ErrStaffAtCapacity
		}
	}
	if c.AssigneeID != nil && (workflow.ReleasesAssignee(t.Action) || workflow.TakesAssignee(t.Action)) {
		s := m.staff[*c.AssigneeID]
		s.CurrentWorkload--
		m.staff[s.ID] = s
		c.AssigneeID = nil
	}
	if workflow.TakesAssignee(t.Action) {
		s := m.staff[t.StaffID]
		s.CurrentWorkload++
		m.staff[s.ID] = s
		id := t.StaffID
		c.AssigneeID = &id
		m.assignments = append(m.assignments, t)
	}
	c.Status = next
	m.complaints[c.ID] = c
	return c, nil
}

func (m *memStore) MarkAssignAttempt(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.complaints[id]
	c.LastAssignAttemptAt = &at
	m.complaints[id] = c
	m.attempts[id] = at
	return nil
}

func (m *memStore) CreateComplaint(_ context.Context, c models.Complaint) (models.Complaint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if c.ID == "" {
		c.ID = fmt.Sprintf("c%d", m.seq)
	}
	c.Status = models.StatusUnassigned
	m.complaints[c.ID] = c
	return c, nil
}

func (m *memStore) SetLocation(_ context.Context, id string, lat, lon float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.complaints[id]
	c.Lat, c.Lon = &lat, &lon
	m.complaints[id] = c
	m.locations[id] = [2]float64{lat, lon}
	return nil
}

func (m *memStore) ListComplaints(_ context.Context, f db.ComplaintFilter) ([]models.Complaint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Complaint
	for _, c := range m.complaints {
		if f.CitizenID != "" && c.CitizenID != f.CitizenID {
			continue
		}
		if f.AssigneeID != "" && (c.AssigneeID == nil || *c.AssigneeID != f.AssigneeID) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) ListEvents(context.Context, string) ([]models.ComplaintEvent, error) {
	return nil, nil
}

func (m *memStore) ListAssignments(context.Context, string) ([]models.Assignment, error) {
	return nil, nil
}

func (m *memStore) ListExtensions(_ context.Context, id string) ([]models.Extension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Extension
	for _, e := range m.extensions {
		if e.ComplaintID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) ListEscalations(_ context.Context, id string) ([]models.Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Escalation
	for _, e := range m.escalations {
		if e.ComplaintID == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (m *memStore) RequestExtension(_ context.Context, id string, actor models.Actor, reason string, decide db.ExtensionDecider) (models.Complaint, models.Extension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.complaints[id]
	if !ok {
		return models.Complaint{}, models.Extension{}, db.ErrNotFound
	}
	if err := workflow.CheckExtension(actor, c); err != nil {
		return models.Complaint{}, models.Extension{}, err
	}
	e := decide(c)
	e.ComplaintID = id
	e.RequestedBy = actor.ID
	e.Reason = reason
	if e.Decision == string(sla.ExtensionAutoApproved) {
		c.ExtensionCount++
		m.complaints[id] = c
	}
	m.extensions = append(m.extensions, e)
	return c, e, nil
}

func (m *memStore) ListOpenComplaints(context.Context) ([]models.Complaint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Complaint
	for _, c := range m.complaints {
		if c.Status.Open() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListAwaitingAssignment(_ context.Context, before time.Time) ([]models.Complaint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Complaint
	for _, c := range m.complaints {
		if c.Status != models.StatusUnassigned && c.Status != models.StatusReopened {
			continue
		}
		if c.LastAssignAttemptAt != nil && c.LastAssignAttemptAt.After(before) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) RecordEscalation(_ context.Context, e models.Escalation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s/%d", e.ComplaintID, e.Level)
	if _, ok := m.escalations[key]; ok {
		return false, nil
	}
	m.escalations[key] = e
	c := m.complaints[e.ComplaintID]
	if e.Level > c.EscalationLevel {
		c.EscalationLevel = e.Level
	}
	m.complaints[e.ComplaintID] = c
	return true, nil
}

func (m *memStore) workload(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staff[id].CurrentWorkload
}

type fakeGeocoder struct {
	lat, lon float64
	err      error
	queries  []string
}

func (g *fakeGeocoder) Geocode(_ context.Context, query string) (float64, float64, string, float64, error) {
	g.queries = append(g.queries, query)
	if g.err != nil {
		return 0, 0, "", 0, g.err
	}
	return g.lat, g.lon, query, 0.8, nil
}

func ptr[T any](v T) *T { return &v }
