package models

import (
	"encoding/json"
	"strings"
	"time"
)

type Priority string

const (
	PriorityEmergency Priority = "emergency"
	PriorityHigh      Priority = "high"
	PriorityMedium    Priority = "medium"
	PriorityLow       Priority = "low"
)

// ParsePriority normalizes free-form input. Unknown values are returned
// lower-cased so the SLA layer can fall back to its default entry.
func ParsePriority(value string) Priority {
	return Priority(strings.ToLower(strings.TrimSpace(value)))
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityEmergency, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

type Status string

const (
	StatusUnassigned Status = "unassigned"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
	StatusReopened   Status = "reopened"
	StatusEscalated  Status = "escalated"
)

// Open reports whether the complaint still counts against its SLA.
func (s Status) Open() bool {
	return s != StatusResolved && s != StatusClosed
}

type Role string

const (
	RoleCitizen    Role = "citizen"
	RoleStaff      Role = "staff"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
	RoleSystem     Role = "system"
)

func ParseRole(value string) Role {
	return Role(strings.ToLower(strings.TrimSpace(value)))
}

// Actor is whoever triggers an operation: a signed-in user or the sweeper.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

var SystemActor = Actor{ID: "system", Role: RoleSystem}

type Staff struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	WardID           string     `json:"ward_id"`
	Role             Role       `json:"role"`
	Specializations  []string   `json:"specializations"`
	CurrentWorkload  int        `json:"current_workload"`
	MaxCapacity      int        `json:"max_capacity"`
	PerformanceScore float64    `json:"performance_score"`
	Lat              *float64   `json:"lat"`
	Lon              *float64   `json:"lon"`
	LastSeenAt       *time.Time `json:"last_seen_at"`
	Active           bool       `json:"active"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type Complaint struct {
	ID                  string     `json:"id"`
	CitizenID           string     `json:"citizen_id"`
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	Category            string     `json:"category"`
	Priority            Priority   `json:"priority"`
	WardID              string     `json:"ward_id"`
	Address             string     `json:"address"`
	Lat                 *float64   `json:"lat"`
	Lon                 *float64   `json:"lon"`
	Status              Status     `json:"status"`
	AssigneeID          *string    `json:"assignee_id"`
	EscalationLevel     int        `json:"escalation_level"`
	ExtensionCount      int        `json:"extension_count"`
	SubmittedAt         time.Time  `json:"submitted_at"`
	LastAssignAttemptAt *time.Time `json:"last_assign_attempt_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (c Complaint) HasLocation() bool {
	return c.Lat != nil && c.Lon != nil
}

type Assignment struct {
	ID          string          `json:"id"`
	ComplaintID string          `json:"complaint_id"`
	StaffID     string          `json:"staff_id"`
	AssignedBy  string          `json:"assigned_by"`
	Mode        string          `json:"mode"`
	Score       *float64        `json:"score"`
	Reasoning   json.RawMessage `json:"reasoning"`
	Active      bool            `json:"active"`
	AssignedAt  time.Time       `json:"assigned_at"`
	ReleasedAt  *time.Time      `json:"released_at"`
}

type ComplaintEvent struct {
	ID          string    `json:"id"`
	ComplaintID string    `json:"complaint_id"`
	Action      string    `json:"action"`
	FromStatus  Status    `json:"from_status"`
	ToStatus    Status    `json:"to_status"`
	ActorID     string    `json:"actor_id"`
	ActorRole   Role      `json:"actor_role"`
	Note        string    `json:"note"`
	CreatedAt   time.Time `json:"created_at"`
}

type Extension struct {
	ID           string    `json:"id"`
	ComplaintID  string    `json:"complaint_id"`
	RequestedBy  string    `json:"requested_by"`
	Reason       string    `json:"reason"`
	Decision     string    `json:"decision"`
	HoursGranted int       `json:"hours_granted"`
	CreatedAt    time.Time `json:"created_at"`
}

type Escalation struct {
	ComplaintID string    `json:"complaint_id"`
	Level       int       `json:"level"`
	Target      string    `json:"target"`
	FiredAt     time.Time `json:"fired_at"`
}
