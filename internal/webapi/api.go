package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"datamake/internal/model"
	"datamake/internal/serviceapi"
)

// Client is a typed HTTP client for the datamake status server.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type HealthStatus struct {
	Status    string            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	Now       time.Time         `json:"now"`
	Worker    WorkerStatus      `json:"worker"`
	Outbox    model.OutboxStats `json:"outbox"`
	Bus       BusStatus         `json:"bus"`
}

type WorkerStatus struct {
	Running           bool   `json:"running"`
	TotalProcessed    int64  `json:"total_processed"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastError         string `json:"last_error,omitempty"`
}

type BusStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Health decodes both the healthy and the degraded answer: a degraded server
// responds 503 with the same payload shape.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return HealthStatus{}, err
	}
	request.Header.Set("Accept", "application/json")
	response, err := c.client.Do(request)
	if err != nil {
		return HealthStatus{}, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusServiceUnavailable {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return HealthStatus{}, decodeRemoteError(response.StatusCode, payload)
	}
	var status HealthStatus
	if err := json.NewDecoder(response.Body).Decode(&status); err != nil {
		return HealthStatus{}, err
	}
	return status, nil
}

func (c *Client) Sessions(ctx context.Context, limit int) ([]model.SessionRecord, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	var response struct {
		Sessions []model.SessionRecord `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/sessions", query, &response); err != nil {
		return nil, err
	}
	return response.Sessions, nil
}

func (c *Client) Session(ctx context.Context, sessionID string) (serviceapi.SessionDetail, error) {
	var response struct {
		Session serviceapi.SessionDetail `json:"session"`
	}
	path := "/api/v1/sessions/" + url.PathEscape(strings.TrimSpace(sessionID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &response); err != nil {
		return serviceapi.SessionDetail{}, err
	}
	return response.Session, nil
}

func (c *Client) Pointers(ctx context.Context) ([]model.PointerRecord, error) {
	var response struct {
		Pointers []model.PointerRecord `json:"pointers"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/pointers", nil, &response); err != nil {
		return nil, err
	}
	return response.Pointers, nil
}

func (c *Client) Events(ctx context.Context, sessionID string, limit int) ([]model.EventRecord, error) {
	query := map[string]string{}
	if session := strings.TrimSpace(sessionID); session != "" {
		query["session"] = session
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	var response struct {
		Events []model.EventRecord `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/events", query, &response); err != nil {
		return nil, err
	}
	return response.Events, nil
}

func (c *Client) doJSON(ctx context.Context, method string, path string, query map[string]string, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(c.baseURL + path)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		values := parsed.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		parsed.RawQuery = values.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, method, parsed.String(), nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return decodeRemoteError(response.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func decodeRemoteError(status int, payload []byte) error {
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && strings.TrimSpace(wrapper.Error.Code) != "" {
		return fmt.Errorf("%s (http %d): %s", wrapper.Error.Code, status, strings.TrimSpace(wrapper.Error.Message))
	}
	return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(payload)))
}
