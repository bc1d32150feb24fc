package openplan

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
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Orchestration runs are synchronous, so it is generous.
const DefaultHTTPTimeout = 120 * time.Second

// Client wraps the HTTP interactions with the OpenPlan Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// RunSubmission represents the payload required to start a new run.
type RunSubmission struct {
	Goal     string            `json:"goal"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RunOutcome contains the final result of a completed run.
type RunOutcome struct {
	ID      string          `json:"id"`
	Goal    string          `json:"goal"`
	Answer  string          `json:"answer"`
	EndedBy string          `json:"ended_by"`
	Plans   json.RawMessage `json:"plans,omitempty"`
	Turns   int             `json:"turns"`
}

// RunRecord is an archived run as returned by the history endpoint.
type RunRecord struct {
	ID        string `json:"id"`
	Goal      string `json:"goal"`
	Answer    string `json:"answer"`
	EndedBy   string `json:"ended_by"`
	PlansJSON string `json:"plans_json"`
	Turns     int    `json:"turns"`
	CreatedAt int64  `json:"created_at"`
}

// JobStats summarizes executor job counts by status.
type JobStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openplan api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openplan api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenPlan Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SubmitRun starts a run and blocks until the orchestration reaches a final
// answer or a forced termination.
func (c *Client) SubmitRun(ctx context.Context, submission RunSubmission) (RunOutcome, error) {
	var outcome RunOutcome
	if err := c.post(ctx, "/api/v1/runs", submission, &outcome); err != nil {
		return RunOutcome{}, err
	}
	return outcome, nil
}

// ListRuns fetches the most recent archived runs.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	endpoint := "/api/v1/runs"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var records []RunRecord
	if err := c.get(ctx, endpoint, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// GetRun fetches a single archived run by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	var record RunRecord
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(runID), &record); err != nil {
		return RunRecord{}, err
	}
	return record, nil
}

// GetJobStats fetches executor job statistics.
func (c *Client) GetJobStats(ctx context.Context) (JobStats, error) {
	var stats JobStats
	if err := c.get(ctx, "/api/v1/jobs/stats", &stats); err != nil {
		return JobStats{}, err
	}
	return stats, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
