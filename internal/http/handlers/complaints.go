package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smart-pokhara/backend/internal/db"
	"github.com/smart-pokhara/backend/internal/models"
	"github.com/smart-pokhara/backend/internal/service"
	"github.com/smart-pokhara/backend/internal/workflow"
)

type CreateComplaintRequest struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"max=5000"`
	Category    string   `json:"category" validate:"required,max=64"`
	Priority    string   `json:"priority" validate:"required,oneof=emergency high medium low"`
	WardID      string   `json:"ward_id" validate:"max=64"`
	Address     string   `json:"address" validate:"max=500"`
	Lat         *float64 `json:"lat" validate:"required_with=Lon,omitempty,latitude"`
	Lon         *float64 `json:"lon" validate:"required_with=Lat,omitempty,longitude"`
}

// @Summary Submit a complaint
// @Tags complaints
// @Accept json
// @Produce json
// @Param body body CreateComplaintRequest true "complaint"
// @Success 201 {object} models.Complaint
// @Failure 400 {object} map[string]any
// @Router /api/complaints [post]
func (h *Handler) CreateComplaint(c *gin.Context) {
	var req CreateComplaintRequest
	if !h.bind(c, &req) {
		return
	}
	a := actor(c)
	complaint, err := h.Complaints.Create(c.Request.Context(), service.CreateInput{
		CitizenID:   a.ID,
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		Category:    strings.ToLower(strings.TrimSpace(req.Category)),
		Priority:    models.ParsePriority(req.Priority),
		WardID:      strings.TrimSpace(req.WardID),
		Address:     strings.TrimSpace(req.Address),
		Lat:         req.Lat,
		Lon:         req.Lon,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, complaint)
}

// @Summary List complaints
// @Description Citizens see their own complaints, staff the ones assigned to them.
// @Tags complaints
// @Produce json
// @Param status query string false "status"
// @Param priority query string false "priority"
// @Param ward_id query string false "ward"
// @Param q query string false "text search"
// @Success 200 {object} map[string]any
// @Router /api/complaints [get]
func (h *Handler) ListComplaints(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	f := db.ComplaintFilter{
		Status:     models.Status(strings.ToLower(strings.TrimSpace(c.Query("status")))),
		Priority:   models.ParsePriority(c.Query("priority")),
		WardID:     strings.TrimSpace(c.Query("ward_id")),
		AssigneeID: strings.TrimSpace(c.Query("assignee_id")),
		Q:          strings.TrimSpace(c.Query("q")),
		Limit:      limit,
		Offset:     offset,
	}
	items, err := h.Complaints.List(c.Request.Context(), f, actor(c))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if items == nil {
		items = []models.Complaint{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

// @Summary Complaint details with SLA state and history
// @Tags complaints
// @Produce json
// @Param id path string true "complaint id"
// @Success 200 {object} service.Details
// @Failure 404 {object} map[string]any
// @Router /api/complaints/{id} [get]
func (h *Handler) ComplaintDetails(c *gin.Context) {
	d, err := h.Complaints.Details(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// @Summary Rank candidate staff without assigning
// @Tags assignment
// @Produce json
// @Param id path string true "complaint id"
// @Success 200 {object} map[string]any
// @Router /api/complaints/{id}/candidates [get]
func (h *Handler) Candidates(c *gin.Context) {
	p, err := h.Assigner.Candidates(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	stages := map[string][]string{}
	for _, stage := range p.Result.Stages {
		ids := make([]string, 0, len(stage.Candidates))
		for _, m := range stage.Candidates {
			ids = append(ids, m.ID)
		}
		stages[stage.Name] = ids
	}
	c.JSON(http.StatusOK, gin.H{
		"complaint_id": p.Complaint.ID,
		"offline":      p.Offline,
		"stages":       stages,
		"ranked":       p.Result.Ranked,
		"reason_code":  p.Result.ReasonCode,
		"reason_text":  p.Result.ReasonText,
	})
}

// @Summary Auto-assign the best ranked staff member
// @Tags assignment
// @Produce json
// @Param id path string true "complaint id"
// @Success 200 {object} map[string]any
// @Failure 422 {object} map[string]any
// @Router /api/complaints/{id}/auto-assign [post]
func (h *Handler) AutoAssign(c *gin.Context) {
	complaint, picked, err := h.Assigner.AutoAssign(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"complaint": complaint, "picked": picked})
}

type AssignRequest struct {
	StaffID string `json:"staff_id" validate:"required"`
	Reason  string `json:"reason" validate:"required,max=1000"`
}

// @Summary Assign or reassign to a chosen staff member
// @Tags assignment
// @Accept json
// @Produce json
// @Param id path string true "complaint id"
// @Param body body AssignRequest true "assignment"
// @Success 200 {object} map[string]any
// @Router /api/complaints/{id}/assign [post]
func (h *Handler) Assign(c *gin.Context) {
	var req AssignRequest
	if !h.bind(c, &req) {
		return
	}
	complaint, override, err := h.Assigner.Assign(c.Request.Context(), c.Param("id"), req.StaffID, actor(c), req.Reason)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"complaint": complaint, "override": override})
}

type NoteRequest struct {
	Note string `json:"note" validate:"max=2000"`
}

type ReviewRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Note     string `json:"note" validate:"max=2000"`
}

// Transition returns a handler applying a fixed lifecycle action with an
// optional note.
func (h *Handler) Transition(action workflow.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req NoteRequest
		if c.Request.ContentLength != 0 && !h.bind(c, &req) {
			return
		}
		h.applyTransition(c, action, req.Note)
	}
}

// @Summary Approve or reject a resolution
// @Tags complaints
// @Accept json
// @Produce json
// @Param id path string true "complaint id"
// @Param body body ReviewRequest true "review"
// @Success 200 {object} models.Complaint
// @Router /api/complaints/{id}/review [post]
func (h *Handler) Review(c *gin.Context) {
	var req ReviewRequest
	if !h.bind(c, &req) {
		return
	}
	action, err := workflow.ParseAction(req.Decision)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	h.applyTransition(c, action, req.Note)
}

func (h *Handler) applyTransition(c *gin.Context, action workflow.Action, note string) {
	complaint, err := h.Complaints.Transition(c.Request.Context(), c.Param("id"), action, actor(c), strings.TrimSpace(note))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, complaint)
}

type ExtensionRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

// @Summary Request an SLA deadline extension
// @Tags sla
// @Accept json
// @Produce json
// @Param id path string true "complaint id"
// @Param body body ExtensionRequest true "extension"
// @Success 200 {object} map[string]any
// @Router /api/complaints/{id}/extensions [post]
func (h *Handler) RequestExtension(c *gin.Context) {
	var req ExtensionRequest
	if !h.bind(c, &req) {
		return
	}
	complaint, decision, err := h.Complaints.RequestExtension(c.Request.Context(), c.Param("id"), actor(c), req.Reason)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"complaint": complaint, "decision": decision})
}
