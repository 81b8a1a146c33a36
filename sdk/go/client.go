package benchlinesdk

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

// Client is a minimal Benchline HTTP API client. It talks to one workbench
// daemon; the workbench itself is implicit in the base URL.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Workbench represents the bench occupancy state.
type Workbench struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name,omitempty"`
	State        string  `json:"state"`
	OperatorID   *string `json:"operator_id,omitempty"`
	ActiveUnitID *string `json:"active_unit_id,omitempty"`
	UpdatedAt    string  `json:"updated_at"`
}

// Unit represents the API unit model.
type Unit struct {
	ID           string  `json:"id"`
	ParentID     *string `json:"parent_id,omitempty"`
	Status       string  `json:"status"`
	Model        string  `json:"model,omitempty"`
	SerialNumber *string `json:"serial_number,omitempty"`
	CreatedBy    string  `json:"created_by"`
	CreatedAt    string  `json:"created_at"`
	CompletedAt  *string `json:"completed_at,omitempty"`
}

// Stage represents one work stage on a unit.
type Stage struct {
	ID          int64   `json:"id"`
	UnitID      string  `json:"unit_id"`
	Name        string  `json:"name"`
	OperatorID  string  `json:"operator_id"`
	StartedAt   string  `json:"started_at"`
	EndedAt     *string `json:"ended_at,omitempty"`
	ForceClosed bool    `json:"force_closed,omitempty"`
}

// Passport is the issued unit passport.
type Passport struct {
	UnitID    string `json:"unit_id"`
	Digest    string `json:"digest"`
	BodyYAML  string `json:"body_yaml"`
	CreatedAt string `json:"created_at"`
}

// CompleteResult pairs the completed unit with its passport.
type CompleteResult struct {
	Unit     Unit     `json:"unit"`
	Passport Passport `json:"passport"`
}

// AnchorRecord tracks provenance anchoring progress for a unit.
type AnchorRecord struct {
	UnitID          string  `json:"unit_id"`
	Digest          string  `json:"digest"`
	ContentStatus   string  `json:"content_status"`
	ContentRef      *string `json:"content_ref,omitempty"`
	LedgerStatus    string  `json:"ledger_status"`
	LedgerTx        *string `json:"ledger_tx,omitempty"`
	ShortlinkStatus string  `json:"shortlink_status"`
	ShortLink       *string `json:"short_link,omitempty"`
	Attempts        int     `json:"attempts"`
	UpdatedAt       string  `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login opens an operator session with a badge credential.
func (c *Client) Login(ctx context.Context, credentialID string) (Workbench, error) {
	var resp Workbench
	err := c.do(ctx, http.MethodPost, "v0/session/login", map[string]any{"credential_id": credentialID}, &resp)
	return resp, err
}

// Logout ends the current operator session.
func (c *Client) Logout(ctx context.Context) (Workbench, error) {
	var resp Workbench
	err := c.do(ctx, http.MethodPost, "v0/session/logout", nil, &resp)
	return resp, err
}

// Status returns the bench occupancy state.
func (c *Client) Status(ctx context.Context) (Workbench, error) {
	var resp Workbench
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// StartUnit creates a new unit, or resumes unitID when it is non-empty. A
// non-empty parentID creates the unit as a component of that composite.
func (c *Client) StartUnit(ctx context.Context, unitID, parentID, model, serialNumber string) (Unit, error) {
	body := map[string]any{}
	if unitID != "" {
		body["unit_id"] = unitID
	}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	if model != "" {
		body["model"] = model
	}
	if serialNumber != "" {
		body["serial_number"] = serialNumber
	}
	var resp Unit
	err := c.do(ctx, http.MethodPost, "v0/workbench/units", body, &resp)
	return resp, err
}

// OpenStage starts a named stage on the active unit.
func (c *Client) OpenStage(ctx context.Context, name string, metadata map[string]string) (Stage, error) {
	body := map[string]any{"name": name}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	var resp Stage
	err := c.do(ctx, http.MethodPost, "v0/workbench/stages", body, &resp)
	return resp, err
}

// CloseStage ends the open stage on the active unit.
func (c *Client) CloseStage(ctx context.Context, media []string, metadata map[string]string) (Stage, error) {
	body := map[string]any{}
	if len(media) > 0 {
		body["media"] = media
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	var resp Stage
	err := c.do(ctx, http.MethodPost, "v0/workbench/stages/close", body, &resp)
	return resp, err
}

// Complete finishes the active unit and issues its passport.
func (c *Client) Complete(ctx context.Context) (CompleteResult, error) {
	var resp CompleteResult
	err := c.do(ctx, http.MethodPost, "v0/workbench/complete", nil, &resp)
	return resp, err
}

// Terminate scraps the active unit with a reason.
func (c *Client) Terminate(ctx context.Context, reason string) (Unit, error) {
	var resp Unit
	err := c.do(ctx, http.MethodPost, "v0/workbench/terminate", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// AssignComponent mounts a completed component into the active unit.
func (c *Client) AssignComponent(ctx context.Context, componentID string) (Unit, error) {
	var resp Unit
	err := c.do(ctx, http.MethodPost, "v0/workbench/components", map[string]any{"component_id": componentID}, &resp)
	return resp, err
}

// Unit fetches a unit by id.
func (c *Client) Unit(ctx context.Context, id string) (Unit, error) {
	var resp Unit
	err := c.do(ctx, http.MethodGet, "v0/units/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Units lists units, optionally filtered by status.
func (c *Client) Units(ctx context.Context, status string, limit int) ([]Unit, error) {
	endpoint := "v0/units"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Unit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stages lists the stage history of a unit.
func (c *Client) Stages(ctx context.Context, unitID string) ([]Stage, error) {
	var resp []Stage
	err := c.do(ctx, http.MethodGet, "v0/units/"+url.PathEscape(unitID)+"/stages", nil, &resp)
	return resp, err
}

// Passport fetches the issued passport of a completed unit.
func (c *Client) Passport(ctx context.Context, unitID string) (Passport, error) {
	var resp Passport
	err := c.do(ctx, http.MethodGet, "v0/units/"+url.PathEscape(unitID)+"/passport", nil, &resp)
	return resp, err
}

// Anchor fetches the anchoring record of a unit.
func (c *Client) Anchor(ctx context.Context, unitID string) (AnchorRecord, error) {
	var resp AnchorRecord
	err := c.do(ctx, http.MethodGet, "v0/anchors/"+url.PathEscape(unitID), nil, &resp)
	return resp, err
}

// RedriveAnchor resets failed anchoring steps for retry.
func (c *Client) RedriveAnchor(ctx context.Context, unitID string) (AnchorRecord, error) {
	var resp AnchorRecord
	err := c.do(ctx, http.MethodPost, "v0/anchors/"+url.PathEscape(unitID)+"/redrive", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
