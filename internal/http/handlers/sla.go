package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smart-pokhara/backend/internal/models"
)

// @Summary Preview SLA deadlines
// @Description Computes the deadline window and escalation checkpoints for a priority. Unknown priorities use the default row.
// @Tags sla
// @Produce json
// @Param priority query string true "priority"
// @Param submitted_at query string false "RFC3339 submission time, defaults to now"
// @Param extensions query int false "granted extensions"
// @Success 200 {object} map[string]any
// @Router /api/sla/preview [get]
func (h *Handler) SLAPreview(c *gin.Context) {
	priority := models.ParsePriority(c.Query("priority"))
	if priority == "" {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "priority is required", nil)
		return
	}
	submittedAt := h.now()
	if v := strings.TrimSpace(c.Query("submitted_at")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "submitted_at must be RFC3339", err.Error())
			return
		}
		submittedAt = t.UTC()
	}
	extensions, err := strconv.Atoi(c.DefaultQuery("extensions", "0"))
	if err != nil || extensions < 0 {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "extensions must be a non-negative integer", nil)
		return
	}
	if limit := h.Policy.ExtensionLimit(priority); extensions > limit {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "extensions exceed the limit for this priority", gin.H{"extension_limit": limit})
		return
	}

	now := h.now()
	w := h.Policy.WindowWithExtensions(priority, submittedAt, extensions)
	c.JSON(http.StatusOK, gin.H{
		"window":          w,
		"known_priority":  priority.Valid(),
		"alert_level":     h.Policy.AlertLevel(w, now),
		"elapsed":         w.Elapsed(now),
		"extension_limit": h.Policy.ExtensionLimit(priority),
	})
}
