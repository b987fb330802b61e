// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package restremote implements remote.Store against a PostgREST gateway
// (the /rest/v1 surface of hosted Postgres backends).
package restremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mobiletoly/go-attendsync/remote"
)

const restPrefix = "/rest/v1/"

// TokenProvider supplies a bearer token for each request.
type TokenProvider interface {
	Token() (string, error)
}

// Client is a remote.Store talking to PostgREST over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	tokens  TokenProvider
	http    *http.Client
	logger  *slog.Logger
}

var _ remote.Store = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTokenProvider authenticates requests with a bearer token. Without it the
// api key is sent as the bearer token.
func WithTokenProvider(p TokenProvider) Option {
	return func(cl *Client) { cl.tokens = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a client for the gateway at baseURL.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// do sends one request. A non-nil out receives the decoded response body.
func (c *Client) do(ctx context.Context, method, table string, query url.Values, body any, prefer string, out any) error {
	u := c.baseURL + restPrefix + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	bearer := c.apiKey
	if c.tokens != nil {
		if bearer, err = c.tokens.Token(); err != nil {
			return fmt.Errorf("failed to obtain access token: %w", err)
		}
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, table, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	c.logger.Debug("Gateway request", "method", method, "table", table,
		"status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 300 {
		var eb errorBody
		if json.Unmarshal(data, &eb) != nil || eb.Message == "" {
			eb.Message = strings.TrimSpace(string(data))
		}
		if eb.Message == "" {
			eb.Message = http.StatusText(resp.StatusCode)
		}
		return &remote.Error{Code: eb.Code, Message: eb.Message, Status: resp.StatusCode}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", table, err)
		}
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	q := url.Values{"select": {"id"}, "limit": {"1"}}
	return c.do(ctx, http.MethodGet, remote.TableOffices, q, nil, "", nil)
}

func filterQuery(filter remote.Filter) url.Values {
	q := url.Values{}
	if filter == remote.Deleted {
		q.Set("deleted_at", "not.is.null")
	} else {
		q.Set("deleted_at", "is.null")
	}
	return q
}

func liveByUUID(id string) url.Values {
	return url.Values{"uuid": {"eq." + id}, "deleted_at": {"is.null"}}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
