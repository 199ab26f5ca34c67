package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/smart-pokhara/backend/internal/db"
	"github.com/smart-pokhara/backend/internal/http/middleware"
	"github.com/smart-pokhara/backend/internal/models"
	"github.com/smart-pokhara/backend/internal/scoring"
	"github.com/smart-pokhara/backend/internal/service"
	"github.com/smart-pokhara/backend/internal/sla"
	"github.com/smart-pokhara/backend/internal/workflow"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type ComplaintService interface {
	Create(ctx context.Context, in service.CreateInput) (models.Complaint, error)
	List(ctx context.Context, f db.ComplaintFilter, actor models.Actor) ([]models.Complaint, error)
	Details(ctx context.Context, id string, actor models.Actor) (service.Details, error)
	Transition(ctx context.Context, id string, action workflow.Action, actor models.Actor, note string) (models.Complaint, error)
	RequestExtension(ctx context.Context, id string, actor models.Actor, reason string) (models.Complaint, sla.ExtensionDecision, error)
}

type Assigner interface {
	Candidates(ctx context.Context, id string) (service.Preview, error)
	AutoAssign(ctx context.Context, id string, actor models.Actor) (models.Complaint, scoring.Ranked, error)
	Assign(ctx context.Context, id, staffID string, actor models.Actor, reason string) (models.Complaint, bool, error)
}

type StaffStore interface {
	ListStaff(ctx context.Context, f db.StaffFilter) ([]models.Staff, error)
	UpsertStaff(ctx context.Context, staff []models.Staff) (int64, error)
	TouchStaff(ctx context.Context, id string, at time.Time, lat, lon *float64) error
}

type Handler struct {
	DB         Pinger
	Complaints ComplaintService
	Assigner   Assigner
	Staff      StaffStore
	Policy     sla.Policy
	Validator  *validator.Validate
	Logger     zerolog.Logger
	Now        func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.DB.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// bind decodes and validates a JSON body, writing the 400 itself on failure.
func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return false
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return false
	}
	return true
}

func actor(c *gin.Context) models.Actor {
	a, _ := middleware.ActorFrom(c)
	return a
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

// writeServiceError maps domain errors onto HTTP statuses. Anything
// unrecognised is logged and reported as a 500.
func (h *Handler) writeServiceError(c *gin.Context, err error) {
	var noEligible *service.NoEligibleError
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Complaint not found", nil)
	case errors.Is(err, workflow.ErrUnknownAction):
		writeError(c, http.StatusBadRequest, "UNKNOWN_ACTION", err.Error(), nil)
	case errors.Is(err, workflow.ErrForbidden),
		errors.Is(err, workflow.ErrNotAssignee),
		errors.Is(err, workflow.ErrNotOwner):
		writeError(c, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
	case errors.Is(err, workflow.ErrInvalidTransition):
		writeError(c, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.As(err, &noEligible):
		writeError(c, http.StatusUnprocessableEntity, "NO_ELIGIBLE_STAFF", noEligible.ReasonText, gin.H{"reason_code": noEligible.ReasonCode})
	case errors.Is(err, db.ErrStaffUnavailable):
		writeError(c, http.StatusUnprocessableEntity, "STAFF_UNAVAILABLE", "Staff member is unknown or inactive", nil)
	case errors.Is(err, db.ErrStaffAtCapacity):
		writeError(c, http.StatusUnprocessableEntity, "STAFF_AT_CAPACITY", "Staff member is at capacity", nil)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(c, http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil)
	default:
		h.Logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		writeError(c, http.StatusInternalServerError, "INTERNAL", "Internal error", nil)
	}
}
