package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-pokhara/backend/internal/db"
	"github.com/smart-pokhara/backend/internal/http/middleware"
	"github.com/smart-pokhara/backend/internal/models"
	"github.com/smart-pokhara/backend/internal/scoring"
	"github.com/smart-pokhara/backend/internal/service"
	"github.com/smart-pokhara/backend/internal/sla"
	"github.com/smart-pokhara/backend/internal/workflow"
)

var handlerNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeComplaints struct {
	created    service.CreateInput
	filter     db.ComplaintFilter
	lastAction workflow.Action
	lastNote   string
	decision   sla.ExtensionDecision
	err        error
}

func (f *fakeComplaints) Create(_ context.Context, in service.CreateInput) (models.Complaint, error) {
	f.created = in
	return models.Complaint{ID: "c1", CitizenID: in.CitizenID, Status: models.StatusUnassigned}, f.err
}

func (f *fakeComplaints) List(_ context.Context, filter db.ComplaintFilter, _ models.Actor) ([]models.Complaint, error) {
	f.filter = filter
	return nil, f.err
}

func (f *fakeComplaints) Details(_ context.Context, id string, _ models.Actor) (service.Details, error) {
	return service.Details{Complaint: models.Complaint{ID: id}}, f.err
}

func (f *fakeComplaints) Transition(_ context.Context, id string, action workflow.Action, _ models.Actor, note string) (models.Complaint, error) {
	f.lastAction, f.lastNote = action, note
	if f.err != nil {
		return models.Complaint{}, f.err
	}
	return models.Complaint{ID: id}, nil
}

func (f *fakeComplaints) RequestExtension(_ context.Context, id string, _ models.Actor, _ string) (models.Complaint, sla.ExtensionDecision, error) {
	return models.Complaint{ID: id}, f.decision, f.err
}

type fakeAssigner struct {
	preview service.Preview
	err     error
}

func (f *fakeAssigner) Candidates(context.Context, string) (service.Preview, error) {
	return f.preview, f.err
}

func (f *fakeAssigner) AutoAssign(_ context.Context, id string, _ models.Actor) (models.Complaint, scoring.Ranked, error) {
	return models.Complaint{ID: id}, scoring.Ranked{}, f.err
}

func (f *fakeAssigner) Assign(_ context.Context, id, _ string, _ models.Actor, _ string) (models.Complaint, bool, error) {
	return models.Complaint{ID: id}, true, f.err
}

type fakeStaff struct {
	upserted []models.Staff
	touched  string
	lat, lon *float64
	err      error
}

func (f *fakeStaff) ListStaff(context.Context, db.StaffFilter) ([]models.Staff, error) {
	return nil, f.err
}

func (f *fakeStaff) UpsertStaff(_ context.Context, staff []models.Staff) (int64, error) {
	f.upserted = staff
	return int64(len(staff)), f.err
}

func (f *fakeStaff) TouchStaff(_ context.Context, id string, _ time.Time, lat, lon *float64) error {
	f.touched, f.lat, f.lon = id, lat, lon
	return f.err
}

type testEnv struct {
	complaints *fakeComplaints
	assigner   *fakeAssigner
	staff      *fakeStaff
	engine     *gin.Engine
}

func newTestEnv() *testEnv {
	gin.SetMode(gin.TestMode)
	env := &testEnv{complaints: &fakeComplaints{}, assigner: &fakeAssigner{}, staff: &fakeStaff{}}
	h := &Handler{
		Complaints: env.complaints,
		Assigner:   env.assigner,
		Staff:      env.staff,
		Policy:     sla.DefaultPolicy(),
		Validator:  validator.New(),
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return handlerNow },
	}
	r := gin.New()
	api := r.Group("/api", middleware.Auth(""))
	api.POST("/complaints", h.CreateComplaint)
	api.GET("/complaints", h.ListComplaints)
	api.GET("/complaints/:id/candidates", h.Candidates)
	api.POST("/complaints/:id/assign", h.Assign)
	api.POST("/complaints/:id/start", h.Transition(workflow.ActionStart))
	api.POST("/complaints/:id/review", h.Review)
	api.POST("/complaints/:id/extensions", h.RequestExtension)
	api.GET("/sla/preview", h.SLAPreview)
	api.POST("/staff/import", h.ImportStaff)
	api.POST("/staff/heartbeat", h.Heartbeat)
	env.engine = r
	return env
}

func (e *testEnv) do(method, path, role, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.UserIDHeader, "user-1")
	req.Header.Set(middleware.UserRoleHeader, role)
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestCreateComplaint(t *testing.T) {
	env := newTestEnv()
	w := env.do(http.MethodPost, "/api/complaints", "citizen",
		`{"title":" Broken pipe ","category":"Water","priority":"high","address":"Bagar","lat":28.24,"lon":83.99}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "user-1", env.complaints.created.CitizenID)
	assert.Equal(t, "Broken pipe", env.complaints.created.Title)
	assert.Equal(t, "water", env.complaints.created.Category)
	assert.Equal(t, models.PriorityHigh, env.complaints.created.Priority)
	require.NotNil(t, env.complaints.created.Lat)
	assert.Equal(t, 28.24, *env.complaints.created.Lat)
}

func TestCreateComplaintValidation(t *testing.T) {
	env := newTestEnv()
	cases := map[string]string{
		"missing title":    `{"category":"water","priority":"high"}`,
		"bad priority":     `{"title":"x","category":"water","priority":"urgent"}`,
		"lat without lon":  `{"title":"x","category":"water","priority":"low","lat":28.2}`,
		"lat out of range": `{"title":"x","category":"water","priority":"low","lat":128.2,"lon":83.9}`,
	}
	for name, body := range cases {
		w := env.do(http.MethodPost, "/api/complaints", "citizen", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
		assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w), name)
	}

	w := env.do(http.MethodPost, "/api/complaints", "citizen", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, w))
}

func TestListComplaintsFilter(t *testing.T) {
	env := newTestEnv()
	w := env.do(http.MethodGet, "/api/complaints?status=in_progress&priority=High&limit=10", "supervisor", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusInProgress, env.complaints.filter.Status)
	assert.Equal(t, models.PriorityHigh, env.complaints.filter.Priority)
	assert.Equal(t, 10, env.complaints.filter.Limit)
	assert.JSONEq(t, `{"items":[],"limit":10,"offset":0}`, w.Body.String())
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{db.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{&workflow.TransitionError{Action: workflow.ActionStart, Err: workflow.ErrForbidden}, http.StatusForbidden, "FORBIDDEN"},
		{&workflow.TransitionError{Action: workflow.ActionStart, Err: workflow.ErrNotAssignee}, http.StatusForbidden, "FORBIDDEN"},
		{&workflow.TransitionError{Action: workflow.ActionStart, Err: workflow.ErrInvalidTransition}, http.StatusConflict, "INVALID_TRANSITION"},
		{&service.NoEligibleError{ReasonCode: scoring.ReasonAllOverloaded, ReasonText: "busy"}, http.StatusUnprocessableEntity, "NO_ELIGIBLE_STAFF"},
		{db.ErrStaffUnavailable, http.StatusUnprocessableEntity, "STAFF_UNAVAILABLE"},
		{fmt.Errorf("%w: s1 at 9/10", db.ErrStaffAtCapacity), http.StatusUnprocessableEntity, "STAFF_AT_CAPACITY"},
		{errors.New("connection reset"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		env := newTestEnv()
		env.complaints.err = tc.err
		w := env.do(http.MethodPost, "/api/complaints/c1/start", "staff", "")
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		assert.Equal(t, tc.code, errorCode(t, w), tc.err.Error())
	}
}

func TestNoEligibleStaffCarriesReasonCode(t *testing.T) {
	env := newTestEnv()
	env.assigner.err = &service.NoEligibleError{ReasonCode: scoring.ReasonOutOfRange, ReasonText: "too far"}
	w := env.do(http.MethodPost, "/api/complaints/c1/assign", "supervisor", `{"staff_id":"s1","reason":"closest"}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), `"reason_code":"OUT_OF_RANGE"`)
}

func TestTransitionBody(t *testing.T) {
	env := newTestEnv()
	w := env.do(http.MethodPost, "/api/complaints/c1/start", "staff", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, workflow.ActionStart, env.complaints.lastAction)
	assert.Empty(t, env.complaints.lastNote)

	w = env.do(http.MethodPost, "/api/complaints/c1/start", "staff", `{"note":"  on my way "}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "on my way", env.complaints.lastNote)
}

func TestReview(t *testing.T) {
	env := newTestEnv()
	w := env.do(http.MethodPost, "/api/complaints/c1/review", "supervisor", `{"decision":"reject","note":"photo missing"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, workflow.ActionReject, env.complaints.lastAction)

	w = env.do(http.MethodPost, "/api/complaints/c1/review", "supervisor", `{"decision":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExtensionResponse(t *testing.T) {
	env := newTestEnv()
	env.complaints.decision = sla.ExtensionDecision{Outcome: sla.ExtensionNeedsApproval, HoursGranted: 12}
	w := env.do(http.MethodPost, "/api/complaints/c1/extensions", "staff", `{"reason":"waiting for parts"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"needs_approval"`)

	w = env.do(http.MethodPost, "/api/complaints/c1/extensions", "staff", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCandidatesResponse(t *testing.T) {
	env := newTestEnv()
	a := scoring.Candidate{Staff: models.Staff{ID: "a"}}
	b := scoring.Candidate{Staff: models.Staff{ID: "b"}}
	env.assigner.preview = service.Preview{
		Complaint: models.Complaint{ID: "c1"},
		Offline:   []string{"z"},
		Result: scoring.Result{
			Stages: []scoring.Stage{
				{Name: "pool", Candidates: []scoring.Candidate{a, b}},
				{Name: "capacity_rule", Candidates: []scoring.Candidate{a}},
			},
			Ranked: []scoring.Ranked{{Candidate: a, Score: 0.8}},
		},
	}
	w := env.do(http.MethodGet, "/api/complaints/c1/candidates", "supervisor", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Offline []string            `json:"offline"`
		Stages  map[string][]string `json:"stages"`
		Ranked  []map[string]any    `json:"ranked"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"z"}, body.Offline)
	assert.Equal(t, []string{"a", "b"}, body.Stages["pool"])
	assert.Equal(t, []string{"a"}, body.Stages["capacity_rule"])
	require.Len(t, body.Ranked, 1)
	assert.Equal(t, "a", body.Ranked[0]["id"])
}

func TestSLAPreview(t *testing.T) {
	env := newTestEnv()
	w := env.do(http.MethodGet, "/api/sla/preview?priority=emergency&submitted_at=2026-03-01T07:00:00Z", "citizen", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Window struct {
			ResolutionDeadline time.Time `json:"resolution_deadline"`
			Escalations        []struct {
				Level int `json:"level"`
			} `json:"escalations"`
		} `json:"window"`
		AlertLevel     string `json:"alert_level"`
		KnownPriority  bool   `json:"known_priority"`
		ExtensionLimit int    `json:"extension_limit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Window.ResolutionDeadline.Equal(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)))
	assert.Len(t, body.Window.Escalations, 3)
	assert.Equal(t, "critical", body.AlertLevel)
	assert.True(t, body.KnownPriority)
	assert.Equal(t, 1, body.ExtensionLimit)

	w = env.do(http.MethodGet, "/api/sla/preview?priority=whenever", "citizen", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"known_priority":false`)

	for _, q := range []string{
		"",
		"?priority=low&submitted_at=yesterday",
		"?priority=low&extensions=-1",
		"?priority=low&extensions=4",
		"?priority=low&extensions=100000",
		"?priority=emergency&extensions=2",
	} {
		w = env.do(http.MethodGet, "/api/sla/preview"+q, "citizen", "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
		assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w), q)
	}

	w = env.do(http.MethodGet, "/api/sla/preview?priority=low&submitted_at=2026-03-01T00:00:00Z&extensions=3", "citizen", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Window.ResolutionDeadline.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Add((168+3*48)*time.Hour)))
}

func TestReadStaffCSV(t *testing.T) {
	content := "\ufeffStaff_ID,Name,Ward,Role,Specializations,Max_Capacity,Performance_Score,Lat,Lon\n" +
		"s1,Sita Gurung,ward-6,staff,Roads; electricity;roads,8,82.5,28.2096,83.9586\n" +
		"s2,Ram Thapa,ward-8,,water,,,,\n"
	staff, errs := readStaffCSV(strings.NewReader(content), handlerNow)
	require.Empty(t, errs)
	require.Len(t, staff, 2)

	assert.Equal(t, "ward-6", staff[0].WardID)
	assert.Equal(t, []string{"roads", "electricity"}, staff[0].Specializations)
	assert.Equal(t, 8, staff[0].MaxCapacity)
	assert.Equal(t, 82.5, staff[0].PerformanceScore)
	require.NotNil(t, staff[0].Lat)
	assert.Equal(t, 28.2096, *staff[0].Lat)
	assert.Equal(t, 0, staff[0].CurrentWorkload)

	assert.Equal(t, models.RoleStaff, staff[1].Role)
	assert.Equal(t, 10, staff[1].MaxCapacity)
	assert.Equal(t, 50.0, staff[1].PerformanceScore)
	assert.Nil(t, staff[1].Lat)
	assert.True(t, staff[1].Active)
	assert.Equal(t, handlerNow, staff[1].UpdatedAt)
}

func TestReadStaffCSVErrors(t *testing.T) {
	content := "id,name,role,performance_score,lat,lon\n" +
		"s1,A,staff,120,,\n" +
		",B,staff,50,,\n" +
		"s3,C,mayor,50,,\n" +
		"s4,D,staff,50,28.2,\n" +
		"s5,E,staff,50,,\n" +
		"s5,E again,staff,50,,\n"
	staff, errs := readStaffCSV(strings.NewReader(content), handlerNow)
	assert.Len(t, staff, 1)
	require.Len(t, errs, 5)
	assert.Contains(t, errs[0], "line 2")
	assert.Contains(t, errs[4], "duplicate")
}

func TestImportStaff(t *testing.T) {
	env := newTestEnv()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("staff", "staff.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("id,name,specializations\ns1,Sita,roads\n"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/staff/import", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set(middleware.UserIDHeader, "admin-1")
	req.Header.Set(middleware.UserRoleHeader, "admin")
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"parsed":1,"upserted":1,"errors":[]}`, w.Body.String())
	require.Len(t, env.staff.upserted, 1)
	assert.Equal(t, "s1", env.staff.upserted[0].ID)
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv()
	w := env.do(http.MethodPost, "/api/staff/heartbeat", "staff", `{"lat":28.21,"lon":83.96}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "user-1", env.staff.touched)
	require.NotNil(t, env.staff.lon)
	assert.Equal(t, 83.96, *env.staff.lon)

	w = env.do(http.MethodPost, "/api/staff/heartbeat", "staff", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Nil(t, env.staff.lat)

	env.staff.err = db.ErrNotFound
	w = env.do(http.MethodPost, "/api/staff/heartbeat", "staff", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
