// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/growvia/tracking/core"
	"github.com/growvia/tracking/crypto"
	"github.com/growvia/tracking/pkg/log"
	"github.com/growvia/tracking/pkg/metric"
)

// EventName identifies the outbound webhook event.
type EventName string

const (
	ConversionCreated   EventName = "conversion.created"
	ConversionValidated EventName = "conversion.validated"
	ConversionRejected  EventName = "conversion.rejected"
	PayoutProcessed     EventName = "payout.processed"
)

// Payload is the signed outbound webhook body. The signature is an
// HMAC-SHA256 over the canonical JSON of the payload without the
// signature field, so both sides can reproduce the signing input.
type Payload struct {
	Event     EventName           `json:"event"`
	Timestamp time.Time           `json:"timestamp"`
	Data      *core.TrackingEvent `json:"data"`
	Signature string              `json:"signature,omitempty"`
}

// SigningInput returns the deterministic bytes covered by the signature.
func (p *Payload) SigningInput() ([]byte, error) {
	unsigned := Payload{Event: p.Event, Timestamp: p.Timestamp, Data: p.Data}
	return json.Marshal(&unsigned)
}

// Sign computes and attaches the payload signature.
func (p *Payload) Sign(secret []byte) error {
	input, err := p.SigningInput()
	if err != nil {
		return err
	}
	p.Signature = crypto.SignPayload(secret, input)
	return nil
}

// Verify checks the payload signature with the shared secret.
func (p *Payload) Verify(secret []byte) bool {
	input, err := p.SigningInput()
	if err != nil {
		return false
	}
	return crypto.VerifyPayload(secret, input, p.Signature)
}

// Dispatcher delivers signed payloads to configured endpoints. Emission
// is non-blocking: when the queue is full the payload is dropped and
// counted, the pipeline never stalls on a slow receiver.
type Dispatcher struct {
	secret    []byte
	endpoints []string
	queue     chan *Payload
	client    *http.Client
	metrics   *metric.Metrics
	log       log.Logger
	done      chan struct{}
}

// NewDispatcher creates a webhook dispatcher. metrics may be nil.
func NewDispatcher(secret []byte, endpoints []string, metrics *metric.Metrics, logger log.Logger) *Dispatcher {
	return &Dispatcher{
		secret:    secret,
		endpoints: endpoints,
		queue:     make(chan *Payload, 1024),
		client:    &http.Client{Timeout: 10 * time.Second},
		metrics:   metrics,
		log:       logger,
		done:      make(chan struct{}),
	}
}

// Start launches the delivery loop.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// Stop terminates the delivery loop.
func (d *Dispatcher) Stop() {
	close(d.done)
}

// Emit queues a signed payload for delivery. Never blocks.
func (d *Dispatcher) Emit(name EventName, evt *core.TrackingEvent) {
	payload := &Payload{
		Event:     name,
		Timestamp: time.Now().UTC(),
		Data:      evt,
	}
	if err := payload.Sign(d.secret); err != nil {
		d.log.Error("webhook signing failed", log.String("event", evt.ID), log.Error(err))
		return
	}

	select {
	case d.queue <- payload:
	default:
		if d.metrics != nil {
			d.metrics.WebhooksDropped.Inc()
		}
		d.log.Warn("webhook queue full, payload dropped", log.String("event", evt.ID))
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case payload := <-d.queue:
			d.deliver(ctx, payload)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, payload *Payload) {
	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Error("webhook marshal failed", log.Error(err))
		return
	}

	for _, endpoint := range d.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			d.log.Error("webhook request build failed", log.String("endpoint", endpoint), log.Error(err))
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Growvia-Signature", payload.Signature)

		resp, err := d.client.Do(req)
		if err != nil {
			d.log.Warn("webhook delivery failed",
				log.String("endpoint", endpoint),
				log.String("event", string(payload.Event)),
				log.Error(err))
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if d.metrics != nil {
				d.metrics.WebhooksDelivered.Inc()
			}
		} else {
			d.log.Warn("webhook delivery rejected",
				log.String("endpoint", endpoint),
				log.Int("status", resp.StatusCode))
		}
	}
}
