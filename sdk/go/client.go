package gigescrowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal gig escrow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Descriptor struct {
	Scope    string `json:"scope"`
	Resource string `json:"resource"`
	Target   string `json:"target"`
}

type Pending struct {
	RequestID   string `json:"request_id"`
	RequestedBy string `json:"requested_by"`
	RequestedAt string `json:"requested_at"`
}

// Gig represents the API gig model.
type Gig struct {
	ID          int64      `json:"id"`
	Depositor   string     `json:"depositor"`
	Beneficiary string     `json:"beneficiary"`
	Amount      string     `json:"amount"`
	Descriptor  Descriptor `json:"descriptor"`
	Open        bool       `json:"open"`
	Outcome     string     `json:"outcome,omitempty"`
	CreatedAt   string     `json:"created_at"`
	ClosedAt    string     `json:"closed_at,omitempty"`
	HasPending  bool       `json:"has_pending"`
	Pending     *Pending   `json:"pending,omitempty"`
}

type Resolution struct {
	GigID     int64  `json:"gig_id"`
	RequestID string `json:"request_id"`
	Confirmed bool   `json:"confirmed"`
	Error     string `json:"error,omitempty"`
	Released  bool   `json:"released"`
}

type Routing struct {
	SubscriptionID uint64 `json:"subscription_id"`
	GasLimit       uint32 `json:"gas_limit"`
	DonID          string `json:"don_id"`
}

type OracleConfig struct {
	Template  string  `json:"template"`
	Routing   Routing `json:"routing"`
	UpdatedBy string  `json:"updated_by"`
	UpdatedAt string  `json:"updated_at"`
}

type Account struct {
	Address   string `json:"address"`
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	GigID   int64          `json:"gig_id,omitempty"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload"`
}

type Principal struct {
	Address string   `json:"address"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

// APIError wraps non-2xx responses. Code is the server's error code when the
// body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

type PaginatedGigs struct {
	Items      []Gig  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type ListGigsOptions struct {
	Depositor   string
	Beneficiary string
	Open        *bool
	Limit       int
	Cursor      string
}

// CreateGig locks amount from the caller for beneficiary.
func (c *Client) CreateGig(ctx context.Context, beneficiary, amount string, d Descriptor) (Gig, error) {
	body := map[string]any{
		"beneficiary": beneficiary,
		"amount":      amount,
		"scope":       d.Scope,
		"resource":    d.Resource,
		"target":      d.Target,
	}
	var resp Gig
	err := c.do(ctx, http.MethodPost, "gigs", body, &resp)
	return resp, err
}

func (c *Client) GetGig(ctx context.Context, id int64) (Gig, error) {
	var resp Gig
	err := c.do(ctx, http.MethodGet, gigPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) ListGigs(ctx context.Context, opts ListGigsOptions) (PaginatedGigs, error) {
	q := url.Values{}
	if opts.Depositor != "" {
		q.Set("depositor", opts.Depositor)
	}
	if opts.Beneficiary != "" {
		q.Set("beneficiary", opts.Beneficiary)
	}
	if opts.Open != nil {
		q.Set("open", strconv.FormatBool(*opts.Open))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp PaginatedGigs
	err := c.do(ctx, http.MethodGet, withQuery("gigs", q), nil, &resp)
	return resp, err
}

// Verify asks the oracle to check the gig's condition and returns the request id.
func (c *Client) Verify(ctx context.Context, id int64) (string, error) {
	var resp struct {
		RequestID string `json:"request_id"`
	}
	err := c.do(ctx, http.MethodPost, gigPath(id, "verify"), nil, &resp)
	return resp.RequestID, err
}

func (c *Client) Cancel(ctx context.Context, id int64) (Gig, error) {
	var resp Gig
	err := c.do(ctx, http.MethodPost, gigPath(id, "cancel"), nil, &resp)
	return resp, err
}

// Callback delivers a verification result. A non-empty failure reports a
// verifier error and confirmed is ignored.
func (c *Client) Callback(ctx context.Context, requestID string, confirmed bool, failure string) (Resolution, error) {
	outcome := map[string]any{"confirmed": confirmed}
	if failure != "" {
		outcome = map[string]any{"error": failure}
	}
	var resp Resolution
	err := c.do(ctx, http.MethodPost, "oracle/callbacks", map[string]any{
		"request_id": requestID,
		"outcome":    outcome,
	}, &resp)
	return resp, err
}

func (c *Client) OracleConfig(ctx context.Context) (OracleConfig, error) {
	var resp OracleConfig
	err := c.do(ctx, http.MethodGet, "oracle/config", nil, &resp)
	return resp, err
}

func (c *Client) SetTemplate(ctx context.Context, template string) (OracleConfig, error) {
	var resp OracleConfig
	err := c.do(ctx, http.MethodPut, "oracle/template", map[string]string{"template": template}, &resp)
	return resp, err
}

func (c *Client) SetRouting(ctx context.Context, r Routing) (OracleConfig, error) {
	var resp OracleConfig
	err := c.do(ctx, http.MethodPut, "oracle/routing", r, &resp)
	return resp, err
}

func (c *Client) Account(ctx context.Context, address string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodGet, "ledger/"+url.PathEscape(address), nil, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, amount string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodPost, "ledger/approve", map[string]string{"amount": amount}, &resp)
	return resp, err
}

func (c *Client) Mint(ctx context.Context, to, amount string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodPost, "ledger/mint", map[string]string{"to": to, "amount": amount}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context) (Principal, error) {
	var resp Principal
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func gigPath(id int64, action string) string {
	p := "gigs/" + strconv.FormatInt(id, 10)
	if action != "" {
		p += "/" + action
	}
	return p
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
