package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/reportsched/internal/errors"
	"github.com/reportsched/internal/models"
	"github.com/reportsched/internal/scheduler"
)

const DefaultBaseURL = "http://localhost:8080"

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Fields     []errors.FieldError
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// ScheduleInput is the body of create and edit requests.
type ScheduleInput struct {
	TemplateID uint   `json:"template_id,omitempty"`
	Name       string `json:"name,omitempty"`
	scheduler.Config
}

type ScheduleList struct {
	Schedules []models.ReportSchedule `json:"schedules"`
	Total     int64                   `json:"total"`
}

// New returns a client for baseURL. An empty baseURL means DefaultBaseURL.
func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", body, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (c *Client) CreateSchedule(ctx context.Context, in ScheduleInput) (*models.ReportSchedule, error) {
	var s models.ReportSchedule
	if err := c.do(ctx, http.MethodPost, "/api/v1/schedules", in, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSchedules lists the caller's schedules. userID is honored for admins
// only; 0 means every user.
func (c *Client) ListSchedules(ctx context.Context, userID uint, limit, offset int) (*ScheduleList, error) {
	query := url.Values{}
	if userID > 0 {
		query.Set("user_id", strconv.FormatUint(uint64(userID), 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}

	var list ScheduleList
	if err := c.do(ctx, http.MethodGet, "/api/v1/schedules?"+query.Encode(), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) GetSchedule(ctx context.Context, id uint) (*models.ReportSchedule, error) {
	var s models.ReportSchedule
	if err := c.do(ctx, http.MethodGet, schedulePath(id, ""), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) EditSchedule(ctx context.Context, id uint, in ScheduleInput) (*models.ReportSchedule, error) {
	var s models.ReportSchedule
	if err := c.do(ctx, http.MethodPut, schedulePath(id, ""), in, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) SetEnabled(ctx context.Context, id uint, enabled bool) (*models.ReportSchedule, error) {
	action := "/disable"
	if enabled {
		action = "/enable"
	}
	var s models.ReportSchedule
	if err := c.do(ctx, http.MethodPut, schedulePath(id, action), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) DeleteSchedule(ctx context.Context, id uint) error {
	return c.do(ctx, http.MethodDelete, schedulePath(id, ""), nil, nil)
}

func (c *Client) ListExecutions(ctx context.Context, id uint, limit int) ([]models.Execution, error) {
	endpoint := schedulePath(id, "/executions")
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var execs []models.Execution
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &execs); err != nil {
		return nil, err
	}
	return execs, nil
}

// ListDue returns the schedules due at at; a zero at uses the server clock.
func (c *Client) ListDue(ctx context.Context, at time.Time) ([]models.ReportSchedule, error) {
	endpoint := "/api/v1/schedules/due"
	if !at.IsZero() {
		endpoint += "?at=" + url.QueryEscape(at.UTC().Format(time.RFC3339))
	}
	var due []models.ReportSchedule
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &due); err != nil {
		return nil, err
	}
	return due, nil
}

func (c *Client) Execute(ctx context.Context, id uint) (*scheduler.Outcome, error) {
	var out scheduler.Outcome
	if err := c.do(ctx, http.MethodPost, schedulePath(id, "/execute"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func schedulePath(id uint, suffix string) string {
	return fmt.Sprintf("/api/v1/schedules/%d%s", id, suffix)
}

func (c *Client) do(ctx context.Context, method, endpoint string, data, v interface{}) error {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request body")
		}
		body = bytes.NewReader(jsonData)
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return errors.Wrap(err, "invalid base URL")
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return errors.Wrap(err, "invalid endpoint")
	}
	u.Path = path.Join(u.Path, ref.Path)
	u.RawQuery = ref.RawQuery

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp struct {
			Error  string              `json:"error"`
			Fields []errors.FieldError `json:"fields"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			apiErr.Message = errResp.Error
			apiErr.Fields = errResp.Fields
		}
		return apiErr
	}

	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
