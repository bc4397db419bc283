// Package client talks to a running daemon's HTTP API.
package client

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

	"openwhen/internal/api"
	"openwhen/internal/reconcile"
	"openwhen/internal/rule"
	"openwhen/internal/timer"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %s", http.StatusText(e.Code))
	}
	return fmt.Sprintf("api: %d: %s", e.Code, e.Message)
}

type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// New parses addr ("127.0.0.1:7733" or a full URL).
func New(addr, token string) (*Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("client: empty address")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	return &Client{base: u, token: strings.TrimSpace(token), http: &http.Client{Timeout: 60 * time.Second}}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e api.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Health(ctx context.Context) (api.Health, error) {
	var h api.Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &h)
	return h, err
}

func (c *Client) List(ctx context.Context, order reconcile.Order) ([]reconcile.View, error) {
	q := url.Values{}
	if order != reconcile.OrderStored {
		q.Set("order", string(order))
	}
	var resp api.ListResponse
	err := c.do(ctx, http.MethodGet, "/v1/rules", q, nil, &resp)
	return resp.Rules, err
}

func (c *Client) Add(ctx context.Context, drafts ...rule.Draft) ([]rule.Rule, error) {
	var resp api.RulesResponse
	err := c.do(ctx, http.MethodPost, "/v1/rules", nil, api.RulesRequest{Rules: drafts}, &resp)
	return resp.Rules, err
}

func (c *Client) Replace(ctx context.Context, id string, drafts ...rule.Draft) ([]rule.Rule, error) {
	var resp api.RulesResponse
	err := c.do(ctx, http.MethodPut, "/v1/rules/"+url.PathEscape(id), nil, api.RulesRequest{Rules: drafts}, &resp)
	return resp.Rules, err
}

func (c *Client) Cancel(ctx context.Context, id string) ([]string, error) {
	var resp api.CancelResponse
	err := c.do(ctx, http.MethodDelete, "/v1/rules/"+url.PathEscape(id), nil, nil, &resp)
	return resp.Removed, err
}

func (c *Client) Open(ctx context.Context, id string) (api.OpenResponse, error) {
	var resp api.OpenResponse
	err := c.do(ctx, http.MethodPost, "/v1/rules/"+url.PathEscape(id)+"/open", nil, nil, &resp)
	return resp, err
}

func (c *Client) Rebuild(ctx context.Context, suppressLate bool) (api.Report, error) {
	var rep api.Report
	err := c.do(ctx, http.MethodPost, "/v1/rebuild", nil, api.RebuildRequest{SuppressLateDelivery: suppressLate}, &rep)
	return rep, err
}

func (c *Client) Timers(ctx context.Context) ([]timer.Entry, error) {
	var resp api.TimersResponse
	err := c.do(ctx, http.MethodGet, "/v1/timers", nil, nil, &resp)
	return resp.Timers, err
}
