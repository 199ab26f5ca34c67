package handlers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smart-pokhara/backend/internal/db"
	"github.com/smart-pokhara/backend/internal/models"
)

type ImportSummary struct {
	Parsed   int      `json:"parsed"`
	Upserted int      `json:"upserted"`
	Errors   []string `json:"errors"`
}

// @Summary List staff
// @Tags staff
// @Produce json
// @Param ward_id query string false "ward"
// @Param specialization query string false "specialization tag"
// @Param active query bool false "only active staff"
// @Success 200 {object} map[string]any
// @Router /api/staff [get]
func (h *Handler) ListStaff(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.DefaultQuery("active", "false"))
	items, err := h.Staff.ListStaff(c.Request.Context(), db.StaffFilter{
		WardID:         strings.TrimSpace(c.Query("ward_id")),
		Specialization: strings.ToLower(strings.TrimSpace(c.Query("specialization"))),
		ActiveOnly:     activeOnly,
	})
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list staff", err.Error())
		return
	}
	if items == nil {
		items = []models.Staff{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// @Summary Import the staff roster
// @Description Upserts staff from a CSV file. Workload counters are never taken from the file.
// @Tags staff
// @Accept multipart/form-data
// @Produce json
// @Param staff formData file true "staff.csv"
// @Success 200 {object} ImportSummary
// @Failure 400 {object} map[string]any
// @Router /api/staff/import [post]
func (h *Handler) ImportStaff(c *gin.Context) {
	file, err := c.FormFile("staff")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "staff file required", nil)
		return
	}
	if !validateExt(file.Filename) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "file must be .csv", nil)
		return
	}

	staff, errs := parseStaffCSV(file, h.now())
	summary := ImportSummary{Parsed: len(staff), Errors: errs}
	if summary.Errors == nil {
		summary.Errors = []string{}
	}
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "CSV_PARSE_ERROR", "CSV validation errors", errs)
		return
	}

	n, err := h.Staff.UpsertStaff(c.Request.Context(), staff)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to import staff", err.Error())
		return
	}
	summary.Upserted = int(n)
	h.Logger.Info().Int("parsed", summary.Parsed).Int("upserted", summary.Upserted).Msg("staff roster imported")
	c.JSON(http.StatusOK, summary)
}

type HeartbeatRequest struct {
	Lat *float64 `json:"lat" validate:"required_with=Lon,omitempty,latitude"`
	Lon *float64 `json:"lon" validate:"required_with=Lat,omitempty,longitude"`
}

// @Summary Staff heartbeat
// @Description Marks the calling staff member as online and optionally updates their position.
// @Tags staff
// @Accept json
// @Param body body HeartbeatRequest false "position"
// @Success 204
// @Router /api/staff/heartbeat [post]
func (h *Handler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if c.Request.ContentLength != 0 && !h.bind(c, &req) {
		return
	}
	if err := h.Staff.TouchStaff(c.Request.Context(), actor(c).ID, h.now(), req.Lat, req.Lon); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Staff member not found", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to record heartbeat", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func parseStaffCSV(file *multipart.FileHeader, now time.Time) ([]models.Staff, []string) {
	f, err := file.Open()
	if err != nil {
		return nil, []string{err.Error()}
	}
	defer f.Close()
	return readStaffCSV(f, now)
}

func readStaffCSV(r io.Reader, now time.Time) ([]models.Staff, []string) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	headers, err := reader.Read()
	if err != nil {
		return nil, []string{"failed to read header"}
	}
	index := headerIndex(headers)
	var errs []string
	var out []models.Staff
	seen := map[string]int{}

	line := 1
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}

		id := getFieldAny(rec, index, "id", "staff_id", "staff id", "employee_id")
		name := getFieldAny(rec, index, "name", "full_name", "full name")
		role := models.ParseRole(getFieldAny(rec, index, "role", "position"))
		if role == "" {
			role = models.RoleStaff
		}
		if id == "" || name == "" {
			errs = append(errs, fmt.Sprintf("line %d: staff id and name required", line))
			continue
		}
		if role != models.RoleStaff && role != models.RoleSupervisor && role != models.RoleAdmin {
			errs = append(errs, fmt.Sprintf("line %d: unknown role %q", line, role))
			continue
		}
		if prev, dup := seen[id]; dup {
			errs = append(errs, fmt.Sprintf("line %d: duplicate staff id %q (first on line %d)", line, id, prev))
			continue
		}
		seen[id] = line

		capacity := 10
		if v := getFieldAny(rec, index, "max_capacity", "capacity", "max capacity"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				errs = append(errs, fmt.Sprintf("line %d: bad max_capacity %q", line, v))
				continue
			}
			capacity = n
		}
		perf := 50.0
		if v := getFieldAny(rec, index, "performance_score", "performance", "rating"); v != "" {
			p, err := strconv.ParseFloat(v, 64)
			if err != nil || p < 0 || p > 100 {
				errs = append(errs, fmt.Sprintf("line %d: performance_score must be within 0..100, got %q", line, v))
				continue
			}
			perf = p
		}
		lat, lon, err := parseCoords(getFieldAny(rec, index, "lat", "latitude"), getFieldAny(rec, index, "lon", "lng", "longitude"))
		if err != nil {
			errs = append(errs, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		active := true
		if v := getFieldAny(rec, index, "active", "is_active"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("line %d: bad active flag %q", line, v))
				continue
			}
			active = b
		}

		out = append(out, models.Staff{
			ID:               id,
			Name:             name,
			WardID:           getFieldAny(rec, index, "ward_id", "ward"),
			Role:             role,
			Specializations:  normalizeTags(getFieldAny(rec, index, "specializations", "specialization", "skills")),
			MaxCapacity:      capacity,
			PerformanceScore: perf,
			Lat:              lat,
			Lon:              lon,
			Active:           active,
			UpdatedAt:        now,
		})
	}
	return out, errs
}

func parseCoords(latStr, lonStr string) (*float64, *float64, error) {
	if latStr == "" && lonStr == "" {
		return nil, nil, nil
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil, nil, fmt.Errorf("bad latitude %q", latStr)
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil || lon < -180 || lon > 180 {
		return nil, nil, fmt.Errorf("bad longitude %q", lonStr)
	}
	return &lat, &lon, nil
}

func headerIndex(headers []string) map[string]int {
	idx := map[string]int{}
	for i, h := range headers {
		idx[normalizeHeader(h)] = i
	}
	return idx
}

func getField(rec []string, idx map[string]int, name string) string {
	pos, ok := idx[name]
	if !ok || pos >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[pos])
}

func getFieldAny(rec []string, idx map[string]int, names ...string) string {
	for _, name := range names {
		if v := getField(rec, idx, normalizeHeader(name)); v != "" {
			return v
		}
	}
	return ""
}

func normalizeHeader(h string) string {
	h = strings.ReplaceAll(h, "\ufeff", "")
	return strings.ToLower(strings.TrimSpace(h))
}

// normalizeTags lower-cases a ; or , separated list and drops duplicates.
func normalizeTags(raw string) []string {
	raw = strings.ReplaceAll(raw, ";", ",")
	seen := map[string]struct{}{}
	out := []string{}
	for _, p := range strings.Split(raw, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func validateExt(name string) bool {
	return strings.ToLower(filepath.Ext(name)) == ".csv"
}
