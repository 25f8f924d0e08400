// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package growviasdk is the Go client for the Growvia tracking API.
package growviasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/growvia/tracking/core"
)

// Batching defaults applied when the SDK config is silent.
const (
	DefaultBatchSize     = 20
	DefaultFlushInterval = 5 * time.Second
)

// Client talks to a tracking server. Track buffers events and flushes
// them in the background; TrackSync bypasses the buffer.
type Client struct {
	baseURL    string
	apiKey     string
	cfg        core.SDKConfig
	httpClient *http.Client

	mu      sync.Mutex
	pending []*core.TrackEventRequest
	wsConn  *websocket.Conn
	done    chan struct{}
	once    sync.Once
}

// NewClient creates a tracking client. cfg declares the client-side
// defaults (attribution model, conversion window) attached to every
// tracked event.
func NewClient(baseURL, apiKey string, cfg core.SDKConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		cfg:     cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		done: make(chan struct{}),
	}
	go c.flushLoop()
	return c, nil
}

// Track buffers an event for background delivery. The buffer flushes
// when it reaches the configured batch size or on the flush interval,
// whichever comes first.
func (c *Client) Track(req *core.TrackEventRequest) error {
	c.attachConfig(req)
	if err := req.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.pending = append(c.pending, req)
	full := len(c.pending) >= c.cfg.BatchSize
	c.mu.Unlock()

	if full {
		go c.Flush(context.Background())
	}
	return nil
}

// TrackSync sends one event and waits for the pipeline outcome.
func (c *Client) TrackSync(ctx context.Context, req *core.TrackEventRequest) (*core.TrackEventResponse, error) {
	c.attachConfig(req)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var resp core.TrackEventResponse
	if err := c.post(ctx, "/api/v1/track", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Flush delivers every buffered event. Events that fail with a
// transport error are re-buffered; server rejections are final.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	var firstErr error
	for i, req := range batch {
		var resp core.TrackEventResponse
		if err := c.post(ctx, "/api/v1/track", req, &resp); err != nil {
			c.mu.Lock()
			c.pending = append(c.pending, batch[i:]...)
			c.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
			break
		}
	}
	return firstErr
}

// ValidateConversion applies a manual-review decision.
func (c *Client) ValidateConversion(ctx context.Context, req *core.ValidateConversionRequest) (*core.ValidateConversionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var resp core.ValidateConversionResponse
	if err := c.post(ctx, "/api/v1/conversions/validate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Event fetches a processed event by id.
func (c *Client) Event(ctx context.Context, id string) (*core.TrackingEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/events/"+id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("event request failed: %s", resp.Status)
	}

	var evt core.TrackingEvent
	if err := json.NewDecoder(resp.Body).Decode(&evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// Subscribe opens the terminal-event stream and invokes fn for every
// received event until the context is cancelled or the connection
// drops.
func (c *Client) Subscribe(ctx context.Context, fn func(*core.TrackingEvent)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/v1/stream"

	header := http.Header{}
	header.Set("X-API-Key", c.apiKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.wsConn = conn
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var evt core.TrackingEvent
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(&evt)
	}
}

// Close flushes buffered events and releases the client.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.Flush(ctx)

	c.mu.Lock()
	conn := c.wsConn
	c.wsConn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return err
}

func (c *Client) attachConfig(req *core.TrackEventRequest) {
	if req.SDK == nil && (c.cfg.ConversionWindow > 0 || c.cfg.AttributionModel != "") {
		req.SDK = &core.SDKConfig{
			ConversionWindow: c.cfg.ConversionWindow,
			AttributionModel: c.cfg.AttributionModel,
		}
	}
}

func (c *Client) flushLoop() {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushInterval)
			c.Flush(ctx)
			cancel()
		}
	}
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string   `json:"error"`
			Kind  string   `json:"kind"`
			Viols []string `json:"violations"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Kind != "" {
			return &core.Error{
				Kind:       core.ErrorKind(apiErr.Kind),
				Message:    apiErr.Error,
				Violations: apiErr.Viols,
			}
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
