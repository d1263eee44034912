package flowboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrCycleRequired is returned before any request when a decision or exit
// report does not name its cycle.
var ErrCycleRequired = errors.New("flowboardsdk: cycle is required")

// Client is a minimal flowboard HTTP API client for agents and scripts.
type Client struct {
	BaseURL    string
	BasePath   string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		ActorID:  actorID,
		Timeout:  10 * time.Second,
	}
}

// Item represents the API item model (partial).
type Item struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	StageID   string `json:"stage_id"`
	Phase     string `json:"phase"`
	Cycle     int    `json:"cycle"`
}

// Outcome is the result of submitting a decision.
type Outcome struct {
	ItemID        string `json:"item_id"`
	Kind          string `json:"kind"`
	Route         string `json:"route,omitempty"`
	FromStageID   string `json:"from_stage_id"`
	TargetStageID string `json:"target_stage_id,omitempty"`
	Cycle         int    `json:"cycle"`
	Duplicate     bool   `json:"duplicate"`
	Item          Item   `json:"item"`
}

// Eligibility explains whether an item may start work.
type Eligibility struct {
	ItemID    string   `json:"item_id"`
	Eligible  bool     `json:"eligible"`
	BlockedBy []string `json:"blocked_by,omitempty"`
	GroupID   string   `json:"group_id,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code carries the error code of the
// response envelope when the body has one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Decide submits an answer produced in cycle, the cycle the agent was
// launched for. An empty answer and feedback report completion without one.
func (c *Client) Decide(ctx context.Context, itemID, answer, feedback string, cycle int) (Outcome, error) {
	if cycle <= 0 {
		return Outcome{}, ErrCycleRequired
	}
	body := map[string]any{"cycle": cycle}
	if answer != "" {
		body["answer"] = answer
	}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var resp Outcome
	err := c.do(ctx, http.MethodPost, itemPath(itemID, "decisions"), body, &resp)
	return resp, err
}

// Move moves an item to a stage.
func (c *Client) Move(ctx context.Context, itemID, stageID string, force bool) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, itemPath(itemID, "move"), map[string]any{"stage_id": stageID, "force": force}, &resp)
	return resp, err
}

// Approve applies the move an item holds for confirmation.
func (c *Client) Approve(ctx context.Context, itemID string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, itemPath(itemID, "approve"), nil, &resp)
	return resp, err
}

// Reject discards the held move and re-runs the current stage with feedback.
func (c *Client) Reject(ctx context.Context, itemID, feedback string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, itemPath(itemID, "reject"), map[string]any{"feedback": feedback}, &resp)
	return resp, err
}

// AgentExited reports the end of the agent run launched for cycle.
func (c *Client) AgentExited(ctx context.Context, itemID string, cycle int) (Outcome, error) {
	if cycle <= 0 {
		return Outcome{}, ErrCycleRequired
	}
	var resp Outcome
	err := c.do(ctx, http.MethodPost, itemPath(itemID, "agent-exited"), map[string]any{"cycle": cycle}, &resp)
	return resp, err
}

func (c *Client) Item(ctx context.Context, itemID string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, itemPath(itemID, ""), nil, &resp)
	return resp, err
}

func (c *Client) Eligibility(ctx context.Context, itemID string) (Eligibility, error) {
	var resp Eligibility
	err := c.do(ctx, http.MethodGet, itemPath(itemID, "eligibility"), nil, &resp)
	return resp, err
}

// Events returns recent events of an item, newest first.
func (c *Client) Events(ctx context.Context, itemID string, limit int) ([]Event, error) {
	endpoint := itemPath(itemID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
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
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func itemPath(itemID, p string) string {
	endpoint := "items/" + url.PathEscape(itemID)
	if p != "" {
		endpoint += "/" + p
	}
	return endpoint
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
