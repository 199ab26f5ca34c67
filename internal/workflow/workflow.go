package workflow

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/smart-pokhara/backend/internal/models"
)

type Action string

const (
	ActionAssign   Action = "assign"
	ActionReassign Action = "reassign"
	ActionStart    Action = "start"
	ActionResolve  Action = "resolve"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionReopen   Action = "reopen"
	ActionEscalate Action = "escalate"
)

var (
	ErrUnknownAction     = errors.New("unknown action")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrForbidden         = errors.New("role not allowed")
	ErrNotAssignee       = errors.New("complaint is not assigned to actor")
	ErrNotOwner          = errors.New("complaint belongs to another citizen")
)

type rule struct {
	from  []models.Status
	to    models.Status
	roles []models.Role
}

var rules = map[Action]rule{
	ActionAssign: {
		from:  []models.Status{models.StatusUnassigned, models.StatusReopened, models.StatusEscalated},
		to:    models.StatusAssigned,
		roles: []models.Role{models.RoleSupervisor, models.RoleAdmin, models.RoleSystem},
	},
	ActionReassign: {
		from:  []models.Status{models.StatusAssigned, models.StatusInProgress},
		to:    models.StatusAssigned,
		roles: []models.Role{models.RoleSupervisor, models.RoleAdmin},
	},
	ActionStart: {
		from:  []models.Status{models.StatusAssigned},
		to:    models.StatusInProgress,
		roles: []models.Role{models.RoleStaff},
	},
	ActionResolve: {
		from:  []models.Status{models.StatusInProgress},
		to:    models.StatusResolved,
		roles: []models.Role{models.RoleStaff},
	},
	ActionApprove: {
		from:  []models.Status{models.StatusResolved},
		to:    models.StatusClosed,
		roles: []models.Role{models.RoleSupervisor, models.RoleAdmin},
	},
	ActionReject: {
		from:  []models.Status{models.StatusResolved},
		to:    models.StatusInProgress,
		roles: []models.Role{models.RoleSupervisor, models.RoleAdmin},
	},
	ActionReopen: {
		from:  []models.Status{models.StatusClosed},
		to:    models.StatusReopened,
		roles: []models.Role{models.RoleCitizen, models.RoleAdmin},
	},
	ActionEscalate: {
		from:  []models.Status{models.StatusUnassigned, models.StatusAssigned, models.StatusInProgress, models.StatusReopened},
		to:    models.StatusEscalated,
		roles: []models.Role{models.RoleSupervisor, models.RoleAdmin, models.RoleSystem},
	},
}

// TransitionError carries the rejected attempt; it unwraps to one of the
// sentinel errors above.
type TransitionError struct {
	Action Action
	From   models.Status
	Role   models.Role
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s from %s by %s: %v", e.Action, e.From, e.Role, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

func ParseAction(value string) (Action, error) {
	a := Action(value)
	if _, ok := rules[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, value)
	}
	return a, nil
}

// Next returns the status an action leads to, checking both the current
// status and the actor's role.
func Next(action Action, role models.Role, from models.Status) (models.Status, error) {
	r, ok := rules[action]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if !slices.Contains(r.roles, role) {
		return "", &TransitionError{Action: action, From: from, Role: role, Err: ErrForbidden}
	}
	if !slices.Contains(r.from, from) {
		return "", &TransitionError{Action: action, From: from, Role: role, Err: ErrInvalidTransition}
	}
	return r.to, nil
}

// CheckActor applies the ownership guards that depend on who the actor is,
// not just their role.
func CheckActor(action Action, actor models.Actor, c models.Complaint) error {
	switch {
	case actor.Role == models.RoleStaff && (action == ActionStart || action == ActionResolve):
		if c.AssigneeID == nil || *c.AssigneeID != actor.ID {
			return &TransitionError{Action: action, From: c.Status, Role: actor.Role, Err: ErrNotAssignee}
		}
	case actor.Role == models.RoleCitizen && action == ActionReopen:
		if c.CitizenID != actor.ID {
			return &TransitionError{Action: action, From: c.Status, Role: actor.Role, Err: ErrNotOwner}
		}
	}
	return nil
}

// Allowed lists the actions the actor may take on the complaint right now,
// sorted by name.
func Allowed(actor models.Actor, c models.Complaint) []Action {
	var out []Action
	for action := range rules {
		if _, err := Next(action, actor.Role, c.Status); err != nil {
			continue
		}
		if err := CheckActor(action, actor, c); err != nil {
			continue
		}
		out = append(out, action)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReleasesAssignee reports whether the current assignee stops holding the
// complaint once the action is applied.
func ReleasesAssignee(action Action) bool {
	switch action {
	case ActionReassign, ActionApprove, ActionEscalate:
		return true
	}
	return false
}

// TakesAssignee reports whether the action needs a staff member to assign.
func TakesAssignee(action Action) bool {
	return action == ActionAssign || action == ActionReassign
}

// CheckExtension guards SLA extension requests: open complaints only, asked
// for by the assignee or by a supervisor or admin.
func CheckExtension(actor models.Actor, c models.Complaint) error {
	switch actor.Role {
	case models.RoleStaff:
		if c.AssigneeID == nil || *c.AssigneeID != actor.ID {
			return &TransitionError{Action: "extend", From: c.Status, Role: actor.Role, Err: ErrNotAssignee}
		}
	case models.RoleSupervisor, models.RoleAdmin:
	default:
		return &TransitionError{Action: "extend", From: c.Status, Role: actor.Role, Err: ErrForbidden}
	}
	if !c.Status.Open() {
		return &TransitionError{Action: "extend", From: c.Status, Role: actor.Role, Err: ErrInvalidTransition}
	}
	return nil
}
