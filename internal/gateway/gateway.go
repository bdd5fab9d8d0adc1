// Package gateway is the stateless request/response wrapper around the
// remote record API. It translates entities to HTTP requests and responses
// back to entities, paces outgoing calls to respect the remote rate limit,
// and classifies failures into API rejections and transport errors.
//
// The gateway never retries; retry policy lives in the reconciliation
// engine.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskdock/taskdock/internal/model"
)

// Config carries the remote API settings.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.example.com/v0/base123".
	BaseURL string
	// Token is the bearer credential. Required.
	Token string
	// Timeout bounds each remote call. Zero selects DefaultTimeout.
	Timeout time.Duration
	// MinInterval is the minimum spacing between any two outgoing requests,
	// applied globally across entity types. Zero selects DefaultMinInterval.
	MinInterval time.Duration
}

const (
	DefaultTimeout     = 15 * time.Second
	DefaultMinInterval = 200 * time.Millisecond
)

// Client talks to the remote record store.
type Client struct {
	cfg Config
	hc  *http.Client
	log zerolog.Logger

	// Rate limiter: the next instant a request may go out. Each caller
	// reserves a slot under the mutex, then waits outside it, so the delay
	// suspends only the caller.
	mu     sync.Mutex
	nextAt time.Time
}

// NewClient validates the configuration and builds a client. A missing
// token is a fatal configuration error, raised before any request.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, ErrMissingToken
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{},
		log: logger.With().Str("component", "gateway").Logger(),
	}, nil
}

// Create pushes a new entity to the remote store and returns the stored
// entity with its remote-issued id.
func (c *Client) Create(ctx context.Context, e *model.Entity) (model.Entity, error) {
	path, err := endpoint(e.Type)
	if err != nil {
		return model.Entity{}, err
	}
	body := map[string]any{"fields": encodeFields(e)}
	var rec record
	if err := c.do(ctx, http.MethodPost, path, body, &rec); err != nil {
		return model.Entity{}, err
	}
	return decodeRecord(e.Type, rec)
}

// Update pushes changed fields for an existing remote entity.
func (c *Client) Update(ctx context.Context, e *model.Entity) (model.Entity, error) {
	path, err := endpoint(e.Type)
	if err != nil {
		return model.Entity{}, err
	}
	body := map[string]any{"fields": encodeFields(e)}
	var rec record
	if err := c.do(ctx, http.MethodPatch, path+"/"+url.PathEscape(e.ID), body, &rec); err != nil {
		return model.Entity{}, err
	}
	return decodeRecord(e.Type, rec)
}

// Delete removes a remote entity.
func (c *Client) Delete(ctx context.Context, typ model.EntityType, id string) error {
	path, err := endpoint(typ)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, path+"/"+url.PathEscape(id), nil, nil)
}

// ListAll fetches every entity of a type, following the opaque continuation
// cursor until the server stops returning one.
func (c *Client) ListAll(ctx context.Context, typ model.EntityType) ([]model.Entity, error) {
	path, err := endpoint(typ)
	if err != nil {
		return nil, err
	}

	var entities []model.Entity
	offset := ""
	for {
		p := path
		if offset != "" {
			p += "?offset=" + url.QueryEscape(offset)
		}
		var page recordPage
		if err := c.do(ctx, http.MethodGet, p, nil, &page); err != nil {
			return nil, err
		}
		for _, rec := range page.Records {
			e, err := decodeRecord(typ, rec)
			if err != nil {
				return nil, err
			}
			entities = append(entities, e)
		}
		if page.Offset == "" {
			return entities, nil
		}
		offset = page.Offset
	}
}

// pace reserves the next request slot and suspends the caller until it
// arrives. Spacing is global across all gateway calls.
func (c *Client) pace(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	if c.nextAt.Before(now) {
		c.nextAt = now
	}
	wait := c.nextAt.Sub(now)
	c.nextAt = c.nextAt.Add(c.cfg.MinInterval)
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return &TransportError{Err: ctx.Err()}
	}
}

// do performs one paced, timeout-bounded request and decodes the response
// into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.pace(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + path
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Msg("transport failure")
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("remote call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// readErrorMessage extracts the remote-supplied message from an error body,
// accepting both {"error":{"message":…}} and {"error":"…"} shapes.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil || len(data) == 0 {
		return ""
	}
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &wrapped) == nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &flat) == nil && flat.Error != "" {
		return flat.Error
	}
	return strings.TrimSpace(string(data))
}
