// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/growvia/tracking/core"
	"github.com/growvia/tracking/pkg/attribution"
	"github.com/growvia/tracking/pkg/commission"
	"github.com/growvia/tracking/pkg/fraud"
	"github.com/growvia/tracking/pkg/ids"
	"github.com/growvia/tracking/pkg/log"
	"github.com/growvia/tracking/pkg/metric"
	"github.com/growvia/tracking/pkg/sanitize"
	"github.com/growvia/tracking/pkg/session"
	"github.com/growvia/tracking/pkg/storage"
	"github.com/growvia/tracking/pkg/webhook"
)

// DefaultTimeout bounds one pipeline run end to end.
const DefaultTimeout = 5 * time.Second

// HistoryRecorder receives the click/conversion facts the fraud history
// accumulates. Satisfied by fraud.MemoryHistory.
type HistoryRecorder interface {
	RecordClick(affiliateID string, at time.Time)
	RecordConversion(evt *core.TrackingEvent)
}

// Flags that mark abuse rather than a failed business rule. They send
// the event to the fraud terminal status instead of rejected.
var fraudFlags = map[string]bool{
	fraud.FlagTooFast:              true,
	fraud.FlagDuplicateIP:          true,
	fraud.FlagDuplicateFingerprint: true,
	fraud.FlagDuplicateContact:     true,
	fraud.FlagAffiliateBlacklisted: true,
}

// Orchestrator sequences sanitize, attribution, fraud and commission
// for each inbound event. It owns no business math itself; the engines
// are pure and the click/session store is the only shared mutable
// state.
type Orchestrator struct {
	sanitizer *sanitize.Sanitizer
	store     *session.Store
	attrib    *attribution.Engine
	fraudEng  *fraud.Engine
	recorder  HistoryRecorder
	calc      *commission.Calculator
	resolver  Resolver
	hooks     *webhook.Dispatcher
	db        *storage.Storage
	metrics   *metric.Metrics
	timeout   time.Duration
	log       log.Logger

	mu        sync.Mutex
	responses map[string][]byte              // event id -> exact response bytes
	events    map[string]*core.TrackingEvent // event id -> event
	pending   map[string]*pendingReview      // event id -> awaiting manual/webhook decision
	listeners []func(*core.TrackingEvent)
}

// pendingReview holds what the review transition needs.
type pendingReview struct {
	event *core.TrackingEvent
	rule  *core.CommissionRule
}

// Options are the orchestrator's optional collaborators.
type Options struct {
	Webhooks *webhook.Dispatcher
	Storage  *storage.Storage
	Metrics  *metric.Metrics
	Timeout  time.Duration
}

// NewOrchestrator wires the pipeline. All collaborators are explicit:
// no global store handles.
func NewOrchestrator(
	sanitizer *sanitize.Sanitizer,
	store *session.Store,
	attrib *attribution.Engine,
	fraudEng *fraud.Engine,
	recorder HistoryRecorder,
	calc *commission.Calculator,
	resolver Resolver,
	opts Options,
	logger log.Logger,
) *Orchestrator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Orchestrator{
		sanitizer: sanitizer,
		store:     store,
		attrib:    attrib,
		fraudEng:  fraudEng,
		recorder:  recorder,
		calc:      calc,
		resolver:  resolver,
		hooks:     opts.Webhooks,
		db:        opts.Storage,
		metrics:   opts.Metrics,
		timeout:   timeout,
		log:       logger,
		responses: make(map[string][]byte),
		events:    make(map[string]*core.TrackingEvent),
		pending:   make(map[string]*pendingReview),
	}
}

// OnTerminal registers a callback invoked for every event reaching a
// terminal status. Used by the streaming API.
func (o *Orchestrator) OnTerminal(fn func(*core.TrackingEvent)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// Process runs one inbound event through the pipeline. Structural
// failures (invalid request, unknown entities) return a typed error;
// business outcomes return a response with Success=false. Replays of an
// event id that already reached a terminal status return the original
// response unchanged with no side effects.
func (o *Orchestrator) Process(ctx context.Context, req *core.TrackEventRequest) (*core.TrackEventResponse, error) {
	started := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.PipelineDuration.Observe(time.Since(started).Seconds())
		}
	}()

	if err := req.Validate(); err != nil {
		o.countRejection(err)
		return nil, err
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = ids.New(ids.KindEvent)
	}

	if resp, ok := o.replay(eventID); ok {
		if o.metrics != nil {
			o.metrics.EventsReplayed.Inc()
		}
		return resp, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := o.resolver.ResolveOrganization(ctx, req.OrganizationID); err != nil {
		o.countRejection(err)
		return nil, err
	}
	rule, err := o.resolver.ResolveCampaign(ctx, req.OrganizationID, req.CampaignID)
	if err != nil {
		o.countRejection(err)
		return nil, err
	}
	if err := o.resolver.ResolveAffiliate(ctx, req.AffiliateID); err != nil {
		o.countRejection(err)
		return nil, err
	}

	if err := o.sanitizer.SanitizeMetadata(req.Metadata); err != nil {
		o.countRejection(err)
		return nil, err
	}
	evtCtx, err := o.sanitizer.Sanitize(req.Context)
	if err != nil {
		o.countRejection(err)
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.EventsIngested.WithLabelValues(string(req.Type)).Inc()
	}

	visitorID := req.VisitorID
	if visitorID == "" {
		visitorID = ids.New(ids.KindVisitor)
	}

	evt := &core.TrackingEvent{
		ID:              eventID,
		Type:            req.Type,
		Timestamp:       evtCtx.Timestamp,
		OrganizationID:  req.OrganizationID,
		CampaignID:      req.CampaignID,
		AffiliateID:     req.AffiliateID,
		SessionID:       req.SessionID,
		VisitorID:       visitorID,
		UserID:          req.UserID,
		Email:           req.Email,
		Phone:           req.Phone,
		OrderID:         req.OrderID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		CustomEventName: req.CustomEventName,
		Metadata:        req.Metadata,
		Context:         evtCtx,
		Status:          core.StatusPending,
	}

	sess := o.store.Touch(evt)
	evt.SessionID = sess.ID

	if evt.Type == core.EventClick {
		return o.processClick(evt, req, rule)
	}

	if rule == nil || rule.EventType != evt.Type {
		// No payout rule for this event type: valid after sanitization,
		// session state already updated.
		evt.Status = core.StatusValidated
		return o.finalize(evt, &core.TrackEventResponse{
			Success:   true,
			EventID:   evt.ID,
			Validated: true,
		})
	}

	return o.processConversion(ctx, evt, req, rule)
}

// processClick opens an attribution window.
func (o *Orchestrator) processClick(evt *core.TrackingEvent, req *core.TrackEventRequest, rule *core.CommissionRule) (*core.TrackEventResponse, error) {
	window := core.DefaultConversionWindow
	if rule != nil && rule.Window() > 0 {
		window = rule.Window()
	}
	if req.SDK != nil && req.SDK.ConversionWindow > 0 {
		window = req.SDK.ConversionWindow
	}

	clickID := req.ClickID
	if clickID == "" {
		clickID = ids.New(ids.KindClick)
	}
	evt.ClickID = clickID

	o.store.RecordClick(&core.ClickData{
		ID:             clickID,
		Timestamp:      evt.Timestamp,
		AffiliateID:    evt.AffiliateID,
		CampaignID:     evt.CampaignID,
		OrganizationID: evt.OrganizationID,
		SessionID:      evt.SessionID,
		VisitorID:      evt.VisitorID,
		Context:        evt.Context,
		ExpiresAt:      evt.Timestamp.Add(window),
	})
	if o.recorder != nil {
		o.recorder.RecordClick(evt.AffiliateID, evt.Timestamp)
	}

	evt.Status = core.StatusValidated
	return o.finalize(evt, &core.TrackEventResponse{
		Success:   true,
		EventID:   evt.ID,
		Validated: true,
	})
}

// processConversion attributes, fraud-checks and pays a conversion.
func (o *Orchestrator) processConversion(ctx context.Context, evt *core.TrackingEvent, req *core.TrackEventRequest, rule *core.CommissionRule) (*core.TrackEventResponse, error) {
	model := rule.Model()
	window := rule.Window()
	if req.SDK != nil {
		if req.SDK.AttributionModel.Valid() {
			model = req.SDK.AttributionModel
		}
		if req.SDK.ConversionWindow > 0 {
			window = req.SDK.ConversionWindow
		}
	}

	// Candidate clicks exclude windows another conversion already
	// consumed, so a click is never double-credited.
	candidates := o.unconvertedClicks(evt.VisitorID)

	attrStart := time.Now()
	attr, err := o.attrib.Attribute(evt, candidates, model, window, rule.Decay())
	if o.metrics != nil {
		o.metrics.AttributionDuration.Observe(time.Since(attrStart).Seconds())
	}
	if err != nil {
		return o.reject(evt, core.StatusRejected, string(core.KindExpiredClick),
			"no attributable touchpoint within the conversion window", nil)
	}
	evt.Attribution = attr

	sess, _ := o.store.Session(evt.SessionID)
	verdict, err := o.fraudEng.Evaluate(ctx, evt, attr, sess, rule.Fraud)
	if err != nil {
		// Deterministic fallback when history lookups time out: never
		// hang, never silently validate.
		return o.reject(evt, core.StatusRejected, string(core.KindValidationFailed),
			"fraud history unavailable", nil)
	}
	o.countFlags(verdict.Flags)

	switch rule.ValidationMethod {
	case core.ValidationManual:
		return o.deferDecision(evt, rule, verdict, "conversion held for manual review")
	case core.ValidationWebhook:
		return o.deferDecision(evt, rule, verdict, "conversion awaiting webhook validation")
	}

	if !verdict.Accepted {
		return o.reject(evt, rejectionStatus(verdict.Flags), strings.Join(verdict.Flags, ","),
			"conversion failed fraud validation", verdict.Flags)
	}

	return o.commit(ctx, evt, rule, sess, verdict.Flags)
}

// commit computes the payout and consumes the attributed click. If a
// concurrent conversion won the click, attribution is re-resolved over
// the remaining touchpoints and the fraud rules re-run against the new
// payee before any payout.
func (o *Orchestrator) commit(ctx context.Context, evt *core.TrackingEvent, rule *core.CommissionRule, sess *core.SessionData, flags []string) (*core.TrackEventResponse, error) {
	attr := evt.Attribution
	for {
		payout, err := o.calc.Calculate(evt, rule.Payout)
		if err != nil {
			return o.reject(evt, core.StatusRejected, string(core.KindValidationFailed), err.Error(), flags)
		}

		primary := primaryClickID(attr)
		err = o.store.MarkConverted(primary, evt.ID, evt.Type, evt.Timestamp)
		switch err {
		case nil:
			evt.Status = core.StatusValidated
			evt.Payout = &payout
			evt.PayoutCurrency = rule.Payout.Currency
			evt.ClickID = primary
			if o.recorder != nil {
				o.recorder.RecordConversion(evt)
			}
			o.emit(webhook.ConversionCreated, evt)
			o.emit(webhook.ConversionValidated, evt)
			o.emit(webhook.PayoutProcessed, evt)
			return o.finalize(evt, &core.TrackEventResponse{
				Success:               true,
				EventID:               evt.ID,
				Attributed:            true,
				AttributedAffiliateID: attr.AttributedAffiliateID,
				Validated:             true,
				FraudFlags:            flags,
			})
		case session.ErrClickConverted, session.ErrClickExpired, session.ErrClickNotFound:
			// The touchpoint is gone; attribute against what remains.
			candidates := o.unconvertedClicks(evt.VisitorID)
			attr, err = o.attrib.Attribute(evt, candidates, attr.Model, attr.ConversionWindow, rule.Decay())
			if err != nil {
				return o.reject(evt, core.StatusRejected, string(core.KindExpiredClick),
					"no attributable touchpoint within the conversion window", flags)
			}
			evt.Attribution = attr

			// The payee may have changed; the earlier verdict no longer
			// covers it.
			verdict, verr := o.fraudEng.Evaluate(ctx, evt, attr, sess, rule.Fraud)
			if verr != nil {
				return o.reject(evt, core.StatusRejected, string(core.KindValidationFailed),
					"fraud history unavailable", flags)
			}
			o.countFlags(verdict.Flags)
			if !verdict.Accepted {
				return o.reject(evt, rejectionStatus(verdict.Flags), strings.Join(verdict.Flags, ","),
					"conversion failed fraud validation", verdict.Flags)
			}
			flags = verdict.Flags
		default:
			return o.reject(evt, core.StatusRejected, string(core.KindValidationFailed), err.Error(), flags)
		}
	}
}

// deferDecision parks a conversion for manual or webhook review.
func (o *Orchestrator) deferDecision(evt *core.TrackingEvent, rule *core.CommissionRule, verdict fraud.Verdict, msg string) (*core.TrackEventResponse, error) {
	o.mu.Lock()
	o.events[evt.ID] = evt
	o.pending[evt.ID] = &pendingReview{event: evt, rule: rule}
	o.mu.Unlock()

	if o.db != nil {
		if err := o.db.PutEvent(evt); err != nil {
			o.log.Warn("pending event persist failed", log.String("event", evt.ID), log.Error(err))
		}
	}
	o.emit(webhook.ConversionCreated, evt)

	resp := &core.TrackEventResponse{
		Success:               true,
		EventID:               evt.ID,
		Message:               msg,
		Attributed:            true,
		AttributedAffiliateID: evt.Attribution.AttributedAffiliateID,
		FraudFlags:            verdict.Flags,
	}
	// Pending events are not replayable-terminal yet, but serve the
	// same response for duplicate submissions.
	o.remember(evt.ID, resp)
	return resp, nil
}

// ValidateConversion applies a manual-review decision. Replaying a
// decision for an already-terminal event returns its current state.
func (o *Orchestrator) ValidateConversion(ctx context.Context, req *core.ValidateConversionRequest) (*core.ValidateConversionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Claim the review while holding the lock so concurrent decisions
	// for the same event cannot both execute.
	o.mu.Lock()
	review, ok := o.pending[req.EventID]
	if ok {
		delete(o.pending, req.EventID)
	}
	o.mu.Unlock()

	if !ok {
		evt, err := o.Event(req.EventID)
		if err != nil {
			return nil, core.NewError(core.KindInvalidEvent, "unknown event %q", req.EventID)
		}
		return &core.ValidateConversionResponse{
			Success: true,
			EventID: evt.ID,
			Status:  evt.Status,
			Payout:  evt.Payout,
			Message: "event already resolved",
		}, nil
	}

	evt, rule := review.event, review.rule
	if evt.OrganizationID != req.OrganizationID {
		// Not this caller's review; put it back for the owner.
		o.mu.Lock()
		o.pending[req.EventID] = review
		o.mu.Unlock()
		return nil, core.NewError(core.KindUnauthorized, "event %q does not belong to organization %q", req.EventID, req.OrganizationID)
	}

	if !req.Approved {
		reason := req.RejectionReason
		if reason == "" {
			reason = "rejected by reviewer"
		}
		evt.Status = core.StatusRejected
		evt.RejectionReason = reason
		o.resolveReview(evt)
		o.emit(webhook.ConversionRejected, evt)
		return &core.ValidateConversionResponse{
			Success: true,
			EventID: evt.ID,
			Status:  evt.Status,
			Message: reason,
		}, nil
	}

	payout, err := o.calc.Calculate(evt, rule.Payout)
	if err != nil {
		evt.Status = core.StatusRejected
		evt.RejectionReason = string(core.KindValidationFailed)
		o.resolveReview(evt)
		o.emit(webhook.ConversionRejected, evt)
		return &core.ValidateConversionResponse{
			Success: false,
			EventID: evt.ID,
			Status:  evt.Status,
			Message: err.Error(),
		}, nil
	}

	// The click must still be consumable: another conversion may have
	// won it while the review was open. Same retry shape as commit.
	attr := evt.Attribution
	for {
		primary := primaryClickID(attr)
		markErr := o.store.MarkConverted(primary, evt.ID, evt.Type, evt.Timestamp)
		if markErr == nil {
			evt.ClickID = primary
			evt.Attribution = attr
			break
		}
		switch markErr {
		case session.ErrClickConverted, session.ErrClickExpired, session.ErrClickNotFound:
			candidates := o.unconvertedClicks(evt.VisitorID)
			attr, markErr = o.attrib.Attribute(evt, candidates, attr.Model, attr.ConversionWindow, rule.Decay())
			if markErr != nil {
				evt.Status = core.StatusRejected
				evt.RejectionReason = string(core.KindExpiredClick)
				o.resolveReview(evt)
				o.emit(webhook.ConversionRejected, evt)
				return &core.ValidateConversionResponse{
					Success: false,
					EventID: evt.ID,
					Status:  evt.Status,
					Message: "no attributable touchpoint within the conversion window",
				}, nil
			}
		default:
			evt.Status = core.StatusRejected
			evt.RejectionReason = string(core.KindValidationFailed)
			o.resolveReview(evt)
			o.emit(webhook.ConversionRejected, evt)
			return &core.ValidateConversionResponse{
				Success: false,
				EventID: evt.ID,
				Status:  evt.Status,
				Message: markErr.Error(),
			}, nil
		}
	}

	evt.Status = core.StatusValidated
	evt.Payout = &payout
	evt.PayoutCurrency = rule.Payout.Currency
	if o.recorder != nil {
		o.recorder.RecordConversion(evt)
	}
	o.resolveReview(evt)
	o.emit(webhook.ConversionValidated, evt)
	o.emit(webhook.PayoutProcessed, evt)

	return &core.ValidateConversionResponse{
		Success: true,
		EventID: evt.ID,
		Status:  evt.Status,
		Payout:  &payout,
	}, nil
}

// Event returns a processed event by id.
func (o *Orchestrator) Event(id string) (*core.TrackingEvent, error) {
	o.mu.Lock()
	evt, ok := o.events[id]
	o.mu.Unlock()
	if ok {
		return evt, nil
	}
	if o.db != nil {
		evt, err := o.db.GetEvent(id)
		if err == nil {
			return evt, nil
		}
		if !storage.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, core.NewError(core.KindInvalidEvent, "unknown event %q", id)
}

// reject finalizes an event on a non-validated terminal status.
func (o *Orchestrator) reject(evt *core.TrackingEvent, status core.EventStatus, reason, msg string, flags []string) (*core.TrackEventResponse, error) {
	evt.Status = status
	evt.RejectionReason = reason
	resp := &core.TrackEventResponse{
		Success:    false,
		EventID:    evt.ID,
		Message:    msg,
		FraudFlags: flags,
	}
	if evt.Attribution != nil {
		resp.Attributed = true
		resp.AttributedAffiliateID = evt.Attribution.AttributedAffiliateID
	}
	o.emit(webhook.ConversionRejected, evt)
	return o.finalize(evt, resp)
}

// finalize persists the terminal event and caches the exact response
// bytes for replay.
func (o *Orchestrator) finalize(evt *core.TrackingEvent, resp *core.TrackEventResponse) (*core.TrackEventResponse, error) {
	o.mu.Lock()
	o.events[evt.ID] = evt
	delete(o.pending, evt.ID)
	listeners := append([]func(*core.TrackingEvent){}, o.listeners...)
	o.mu.Unlock()

	o.remember(evt.ID, resp)

	if o.db != nil {
		if err := o.db.PutEvent(evt); err != nil {
			o.log.Warn("event persist failed", log.String("event", evt.ID), log.Error(err))
		}
	}
	if o.metrics != nil && evt.Status.Terminal() {
		o.metrics.TerminalStatus.WithLabelValues(string(evt.Status)).Inc()
		sessions, clicks := o.store.Counts()
		o.metrics.SessionsActive.Set(float64(sessions))
		o.metrics.ClicksOpen.Set(float64(clicks))
	}
	for _, fn := range listeners {
		fn(evt)
	}

	o.log.Info("event processed",
		log.String("event", evt.ID),
		log.String("type", string(evt.Type)),
		log.String("status", string(evt.Status)))

	return resp, nil
}

// resolveReview re-finalizes an event after a review decision.
func (o *Orchestrator) resolveReview(evt *core.TrackingEvent) {
	resp := &core.TrackEventResponse{
		Success:   evt.Status == core.StatusValidated,
		EventID:   evt.ID,
		Validated: evt.Status == core.StatusValidated,
	}
	if evt.Attribution != nil {
		resp.Attributed = true
		resp.AttributedAffiliateID = evt.Attribution.AttributedAffiliateID
	}
	o.finalize(evt, resp)
}

// replay returns the stored response for a known event id.
func (o *Orchestrator) replay(eventID string) (*core.TrackEventResponse, bool) {
	o.mu.Lock()
	raw, ok := o.responses[eventID]
	o.mu.Unlock()

	if !ok && o.db != nil {
		stored, err := o.db.GetResponse(eventID)
		if err == nil {
			raw, ok = stored, true
		}
	}
	if !ok {
		return nil, false
	}
	var resp core.TrackEventResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (o *Orchestrator) remember(eventID string, resp *core.TrackEventResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		o.log.Error("response marshal failed", log.String("event", eventID), log.Error(err))
		return
	}
	o.mu.Lock()
	o.responses[eventID] = raw
	o.mu.Unlock()
	if o.db != nil {
		if err := o.db.PutResponse(eventID, raw); err != nil {
			o.log.Warn("response persist failed", log.String("event", eventID), log.Error(err))
		}
	}
}

func (o *Orchestrator) unconvertedClicks(visitorID string) []*core.ClickData {
	clicks := o.store.VisitorClicks(visitorID)
	out := clicks[:0]
	for _, click := range clicks {
		if !click.Converted {
			out = append(out, click)
		}
	}
	return out
}

func (o *Orchestrator) emit(name webhook.EventName, evt *core.TrackingEvent) {
	if o.hooks != nil {
		o.hooks.Emit(name, evt)
	}
}

func (o *Orchestrator) countFlags(flags []string) {
	if o.metrics == nil {
		return
	}
	for _, flag := range flags {
		o.metrics.FraudFlags.WithLabelValues(flag).Inc()
	}
}

func (o *Orchestrator) countRejection(err error) {
	if o.metrics == nil {
		return
	}
	if kind := core.KindOf(err); kind != "" {
		o.metrics.EventsRejected.WithLabelValues(string(kind)).Inc()
	}
}

// rejectionStatus maps a failed verdict to its terminal status: any
// identity-abuse flag means fraud, otherwise a failed business rule.
func rejectionStatus(flags []string) core.EventStatus {
	for _, flag := range flags {
		if fraudFlags[flag] {
			return core.StatusFraud
		}
	}
	return core.StatusRejected
}

func primaryClickID(attr *core.AttributionData) string {
	idx := 0
	for i := 1; i < len(attr.Touchpoints); i++ {
		if attr.Touchpoints[i].Weight > attr.Touchpoints[idx].Weight {
			idx = i
		}
	}
	return attr.Touchpoints[idx].ClickID
}
