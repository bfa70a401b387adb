// Package postgrest implements remote.DataService over a PostgREST endpoint
// such as Supabase's /rest/v1.
package postgrest

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

	"github.com/dinovending/dino/backend/internal/models"
	"github.com/dinovending/dino/backend/internal/remote"
)

// Config holds PostgREST connection configuration.
type Config struct {
	// BaseURL is the project URL, e.g. https://xyz.supabase.co.
	BaseURL string
	// APIKey is the anon (public) key sent as the apikey header.
	APIKey string
	// Token returns the user's access token. When it returns "" the API key
	// is used as bearer token.
	Token func() string
	// Timeout bounds every request. Zero means 30 seconds.
	Timeout time.Duration
}

// Client implements remote.DataService for PostgREST.
type Client struct {
	config     *Config
	restURL    string
	httpClient *http.Client
}

var _ remote.DataService = (*Client)(nil)

// NewClient creates a new Client.
func NewClient(config *Config) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config:  config,
		restURL: strings.TrimSuffix(config.BaseURL, "/") + "/rest/v1/",
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Select fetches rows of table matching q.
func (c *Client) Select(ctx context.Context, table models.Table, columns string, q remote.Query) ([]models.Record, error) {
	params := encodeQuery(q)
	if columns == "" {
		columns = "*"
	}
	params.Set("select", columns)

	req, err := c.createRequest(ctx, http.MethodGet, table, params, nil)
	if err != nil {
		return nil, err
	}

	var rows []models.Record
	if err := c.do(req, &rows); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return rows, nil
}

// Insert inserts rows and returns the stored representation.
func (c *Client) Insert(ctx context.Context, table models.Table, rows ...models.Record) ([]models.Record, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rows: %w", err)
	}

	req, err := c.createRequest(ctx, http.MethodPost, table, nil, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "return=representation")

	var inserted []models.Record
	if err := c.do(req, &inserted); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return inserted, nil
}

// Update applies changes to the row with the given id.
func (c *Client) Update(ctx context.Context, table models.Table, changes models.Record, id string) error {
	body, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("failed to encode changes: %w", err)
	}

	req, err := c.createRequest(ctx, http.MethodPatch, table, matchID(id), body)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=minimal")

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	return nil
}

// Delete removes the row with the given id.
func (c *Client) Delete(ctx context.Context, table models.Table, id string) error {
	req, err := c.createRequest(ctx, http.MethodDelete, table, matchID(id), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=minimal")

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	return nil
}

// createRequest builds an authenticated request against a table endpoint.
func (c *Client) createRequest(ctx context.Context, method string, table models.Table, params url.Values, body []byte) (*http.Request, error) {
	u := c.restURL + url.PathEscape(string(table))
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	token := c.config.APIKey
	if c.config.Token != nil {
		if t := c.config.Token(); t != "" {
			token = t
		}
	}
	req.Header.Set("apikey", c.config.APIKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do executes req and decodes a JSON response into out when out is non-nil.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		remoteErr := &remote.Error{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, remoteErr); jsonErr != nil || remoteErr.Message == "" {
			remoteErr.Message = strings.TrimSpace(string(data))
		}
		remoteErr.Status = resp.StatusCode
		return remoteErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// encodeQuery renders filters, ordering and limit as PostgREST parameters.
func encodeQuery(q remote.Query) url.Values {
	params := url.Values{}
	for _, f := range q.Filters {
		switch f.Op {
		case remote.OpEq:
			if len(f.Values) > 0 {
				params.Add(f.Column, "eq."+f.Values[0])
			}
		case remote.OpIn:
			quoted := make([]string, len(f.Values))
			for i, v := range f.Values {
				quoted[i] = quote(v)
			}
			params.Add(f.Column, "in.("+strings.Join(quoted, ",")+")")
		}
	}
	if q.Order != nil {
		dir := "asc"
		if q.Order.Desc {
			dir = "desc"
		}
		params.Set("order", q.Order.Column+"."+dir)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	return params
}

func matchID(id string) url.Values {
	return url.Values{"id": {"eq." + id}}
}

// quote wraps a value for use inside an in.(...) list.
func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}
