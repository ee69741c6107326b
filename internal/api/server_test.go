package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/reportsched/internal/auth"
	"github.com/reportsched/internal/database"
	"github.com/reportsched/internal/errors"
	"github.com/reportsched/internal/logging"
	"github.com/reportsched/internal/models"
	"github.com/reportsched/internal/scheduler"
	"github.com/reportsched/internal/testutil"
)

var monday9 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	db     *gorm.DB
	clock  *testutil.Clock
	server *Server
	admin  string
	alice  string
	bob    string
	runs   int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{db: testutil.NewTestDB(t), clock: testutil.NewClock(monday9)}
	store := database.NewScheduleStore(ts.db)
	users := database.NewUserStore(ts.db)
	issuer := auth.NewIssuer("test-secret", time.Hour)
	log := logging.Nop()

	gen := scheduler.GeneratorFunc(func(context.Context, models.ReportRequest) error {
		ts.runs++
		return nil
	})
	ts.server = NewServer(Deps{
		Manager:  scheduler.NewManager(store, ts.clock.Now, log),
		Poller:   scheduler.NewPoller(store, 0),
		Executor: scheduler.NewExecutor(store, gen, scheduler.ExecutorConfig{WorkerID: "api-test", Clock: ts.clock.Now}, log),
		Users:    users,
		Issuer:   issuer,
		Clock:    ts.clock.Now,
	}, log)

	ctx := context.Background()
	mk := func(name string, role models.Role) string {
		u := &models.User{Username: name, Role: role, IsActive: true}
		require.NoError(t, users.Create(ctx, u, name+"-pw"))
		return name
	}
	ts.admin = mk("admin", models.RoleAdmin)
	ts.alice = mk("alice", models.RoleUser)
	ts.bob = mk("bob", models.RoleUser)
	return ts
}

func (ts *testServer) do(t *testing.T, token, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) login(t *testing.T, username string) string {
	t.Helper()
	w := ts.do(t, "", http.MethodPost, "/api/v1/auth/login", gin.H{"username": username, "password": username + "-pw"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func dailyBody() gin.H {
	return gin.H{
		"template_id":     7,
		"name":            "daily ops",
		"frequency":       "daily",
		"time_of_day":     "09:00",
		"timezone":        "UTC",
		"delivery_method": "download",
	}
}

func decodeSchedule(t *testing.T, w *httptest.ResponseRecorder) models.ReportSchedule {
	t.Helper()
	var s models.ReportSchedule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s), w.Body.String())
	return s
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t, ts.alice)

	w := ts.do(t, "", http.MethodPost, "/api/v1/auth/login", gin.H{"username": "alice", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, "", http.MethodPost, "/api/v1/auth/login", gin.H{"username": "nobody", "password": "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, "", http.MethodPost, "/api/v1/auth/login", gin.H{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchedulesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "", http.MethodGet, "/api/v1/schedules", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, "garbage", http.MethodGet, "/api/v1/schedules", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestScheduleLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, ts.alice)

	w := ts.do(t, token, http.MethodPost, "/api/v1/schedules", dailyBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeSchedule(t, w)
	assert.Equal(t, models.StatusEnabled, created.Status)
	require.NotNil(t, created.NextRunAt)
	assert.True(t, monday9.Add(24*time.Hour).Equal(*created.NextRunAt))
	path := fmt.Sprintf("/api/v1/schedules/%d", created.ID)

	w = ts.do(t, token, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "daily ops", decodeSchedule(t, w).Name)

	body := dailyBody()
	body["time_of_day"] = "18:00"
	w = ts.do(t, token, http.MethodPut, path, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	edited := decodeSchedule(t, w)
	assert.Equal(t, "18:00", edited.TimeOfDay)
	assert.True(t, time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC).Equal(*edited.NextRunAt))

	w = ts.do(t, token, http.MethodPut, path+"/disable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusDisabled, decodeSchedule(t, w).Status)

	w = ts.do(t, token, http.MethodPut, path+"/enable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusEnabled, decodeSchedule(t, w).Status)

	w = ts.do(t, token, http.MethodGet, "/api/v1/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Schedules []models.ReportSchedule `json:"schedules"`
		Total     int64                   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, int64(1), list.Total)
	require.Len(t, list.Schedules, 1)

	w = ts.do(t, token, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, token, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, token, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateValidationReportsFields(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, ts.alice)

	body := dailyBody()
	body["frequency"] = "hourly"
	body["timezone"] = "Mars/Base"
	w := ts.do(t, token, http.MethodPost, "/api/v1/schedules", body)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Fields []struct {
			Field string `json:"field"`
		} `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	var fields []string
	for _, f := range resp.Fields {
		fields = append(fields, f.Field)
	}
	assert.ElementsMatch(t, []string{"frequency", "timezone"}, fields)
}

func TestOtherUsersSchedulesAreHidden(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.login(t, ts.alice)
	bob := ts.login(t, ts.bob)
	admin := ts.login(t, ts.admin)

	w := ts.do(t, alice, http.MethodPost, "/api/v1/schedules", dailyBody())
	require.Equal(t, http.StatusCreated, w.Code)
	path := fmt.Sprintf("/api/v1/schedules/%d", decodeSchedule(t, w).ID)

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, path},
		{http.MethodPut, path + "/disable"},
		{http.MethodDelete, path},
		{http.MethodGet, path + "/executions"},
	} {
		w = ts.do(t, bob, req.method, req.path, nil)
		assert.Equalf(t, http.StatusNotFound, w.Code, "%s %s", req.method, req.path)
	}

	w = ts.do(t, admin, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, admin, http.MethodGet, "/api/v1/schedules?user_id=1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, admin, http.MethodGet, "/api/v1/schedules?user_id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, alice, http.MethodGet, "/api/v1/schedules/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminDueAndExecute(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.login(t, ts.alice)
	admin := ts.login(t, ts.admin)

	w := ts.do(t, alice, http.MethodPost, "/api/v1/schedules", dailyBody())
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeSchedule(t, w).ID

	w = ts.do(t, alice, http.MethodGet, "/api/v1/schedules/due", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = ts.do(t, alice, http.MethodPost, fmt.Sprintf("/api/v1/schedules/%d/execute", id), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, admin, http.MethodGet, "/api/v1/schedules/due", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var due []models.ReportSchedule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &due))
	assert.Empty(t, due)

	w = ts.do(t, admin, http.MethodGet, "/api/v1/schedules/due?at=2024-01-02T09:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)
	due = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &due))
	require.Len(t, due, 1)

	w = ts.do(t, admin, http.MethodGet, "/api/v1/schedules/due?at=tomorrow", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.clock.Set(monday9.Add(24 * time.Hour))
	w = ts.do(t, admin, http.MethodGet, "/api/v1/schedules/due", nil)
	require.Equal(t, http.StatusOK, w.Code)
	due = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &due))
	require.Len(t, due, 1, "due follows the server clock when at is omitted")

	w = ts.do(t, admin, http.MethodPost, fmt.Sprintf("/api/v1/schedules/%d/execute", id), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out scheduler.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, scheduler.OutcomeSucceeded, out.Status)
	assert.Equal(t, 1, ts.runs)

	w = ts.do(t, admin, http.MethodPost, fmt.Sprintf("/api/v1/schedules/%d/execute", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, scheduler.OutcomeSkipped, out.Status)
	assert.Equal(t, 1, ts.runs)

	w = ts.do(t, alice, http.MethodGet, fmt.Sprintf("/api/v1/schedules/%d/executions", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var execs []models.Execution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &execs))
	require.Len(t, execs, 1)
	assert.Equal(t, models.ExecutionSucceeded, execs[0].Status)
}

func TestRespondError(t *testing.T) {
	ts := newTestServer(t)
	validation := &errors.ValidationError{}
	validation.Add("timezone", "unknown zone %q", "Mars/Base")

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", validation, http.StatusBadRequest},
		{"not found", errors.Wrap(errors.ErrNotFound, "get"), http.StatusNotFound},
		{"storage", errors.Storage(errors.New("disk I/O error"), "list due"), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			ts.server.respondError(c, tt.err)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestStorageUnavailableIs503(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.login(t, ts.admin)

	// Drop the schedules table so user lookups still work.
	require.NoError(t, ts.db.Migrator().DropTable(&models.Execution{}, &models.ReportSchedule{}))

	w := ts.do(t, admin, http.MethodGet, "/api/v1/schedules/due", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = ts.do(t, admin, http.MethodGet, "/api/v1/schedules", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
