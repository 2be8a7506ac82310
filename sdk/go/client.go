package taskmarketsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskmarket HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set. Only honored
	// by servers running with the development header enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model. Amounts are decimal strings.
type Task struct {
	ID                 string  `json:"id"`
	ClientID           string  `json:"client_id"`
	Category           string  `json:"category"`
	Title              string  `json:"title"`
	Budget             string  `json:"budget"`
	CommissionRate     string  `json:"commission_rate"`
	Urgency            string  `json:"urgency"`
	Status             string  `json:"status"`
	AssignedProviderID *string `json:"assigned_provider_id,omitempty"`
	BidsCount          int     `json:"bids_count"`
	ExpiresAt          string  `json:"expires_at"`
}

type Bid struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	ProviderID string `json:"provider_id"`
	Amount     string `json:"amount"`
	Status     string `json:"status"`
	ExpiresAt  string `json:"expires_at"`
}

type Payment struct {
	ID               string `json:"id"`
	TaskID           string `json:"task_id"`
	ProviderID       string `json:"provider_id"`
	Amount           string `json:"amount"`
	CommissionAmount string `json:"commission_amount"`
	ProviderAmount   string `json:"provider_amount"`
	Status           string `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	TaskID  string `json:"task_id"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask posts a task. Budget is a decimal string.
func (c *Client) CreateTask(ctx context.Context, category, title, budget, urgency string) (Task, error) {
	body := map[string]any{
		"category": category,
		"title":    title,
		"budget":   budget,
		"urgency":  urgency,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// ListTasks lists tasks filtered by status (pass "" for all).
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := "v0/tasks"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TransitionTask moves a task to a new status.
func (c *Client) TransitionTask(ctx context.Context, taskID, status, reason string) (Task, error) {
	body := map[string]any{"status": status, "reason": reason}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/status", body, &resp)
	return resp, err
}

// SubmitBid places a bid on an open task. Amount is a decimal string.
func (c *Client) SubmitBid(ctx context.Context, taskID, amount, message string) (Bid, error) {
	body := map[string]any{"amount": amount, "message": message}
	var resp Bid
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/bids", body, &resp)
	return resp, err
}

// ListBids returns all bids on a task.
func (c *Client) ListBids(ctx context.Context, taskID string) ([]Bid, error) {
	var resp []Bid
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID)+"/bids", nil, &resp)
	return resp, err
}

// RespondToBid accepts or rejects a bid (action is "accept" or "reject").
func (c *Client) RespondToBid(ctx context.Context, bidID, action, note string) (Bid, error) {
	body := map[string]any{"action": action, "note": note}
	var resp Bid
	err := c.do(ctx, http.MethodPost, "v0/bids/"+url.PathEscape(bidID)+"/response", body, &resp)
	return resp, err
}

// WithdrawBid retracts a pending bid.
func (c *Client) WithdrawBid(ctx context.Context, bidID, reason string) (Bid, error) {
	body := map[string]any{"reason": reason}
	var resp Bid
	err := c.do(ctx, http.MethodPost, "v0/bids/"+url.PathEscape(bidID)+"/withdraw", body, &resp)
	return resp, err
}

// FundEscrow captures and holds the task budget.
func (c *Client) FundEscrow(ctx context.Context, taskID, providerID, method string) (Payment, error) {
	body := map[string]any{"provider_id": providerID, "method": method}
	var resp Payment
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/escrow", body, &resp)
	return resp, err
}

// GetEscrow returns the task's payment.
func (c *Client) GetEscrow(ctx context.Context, taskID string) (Payment, error) {
	var resp Payment
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID)+"/escrow", nil, &resp)
	return resp, err
}

// ReleaseEscrow pays out a held payment.
func (c *Client) ReleaseEscrow(ctx context.Context, paymentID, reason string) (Payment, error) {
	return c.settle(ctx, paymentID, "release", reason)
}

// RefundEscrow returns a held payment to the client.
func (c *Client) RefundEscrow(ctx context.Context, paymentID, reason string) (Payment, error) {
	return c.settle(ctx, paymentID, "refund", reason)
}

// DisputeEscrow parks a held payment pending resolution.
func (c *Client) DisputeEscrow(ctx context.Context, paymentID, reason string) (Payment, error) {
	return c.settle(ctx, paymentID, "dispute", reason)
}

func (c *Client) settle(ctx context.Context, paymentID, action, reason string) (Payment, error) {
	body := map[string]any{"reason": reason}
	var resp Payment
	err := c.do(ctx, http.MethodPost, "v0/payments/"+url.PathEscape(paymentID)+"/"+action, body, &resp)
	return resp, err
}

// Events returns recent events, optionally filtered by task.
func (c *Client) Events(ctx context.Context, taskID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if taskID != "" {
		params.Set("task_id", taskID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
