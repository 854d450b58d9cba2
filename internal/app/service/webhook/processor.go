package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/billingsync/internal/app/service/eventstore"
	"github.com/fatflowers/billingsync/pkg/config"
	"github.com/fatflowers/billingsync/pkg/logctx"
	"github.com/fatflowers/billingsync/pkg/metrics"
	"github.com/fatflowers/billingsync/pkg/response"
	"github.com/fatflowers/billingsync/pkg/tool"
)

// Delivery outcomes, reported in the acknowledgement and the events metric.
const (
	OutcomeProcessed             = "processed"
	OutcomeAlreadyProcessed      = "already_processed"
	OutcomeInFlight              = "in_flight"
	OutcomeIgnored               = "ignored"
	OutcomeUnresolvable          = "unresolvable"
	OutcomeSignatureInvalid      = "signature_invalid"
	OutcomeConfigurationError    = "configuration_error"
	OutcomeMalformedPayload      = "malformed_payload"
	OutcomeInvalidPayload        = "invalid_payload"
	OutcomeDownstreamUnavailable = "downstream_unavailable"
	OutcomeFailed                = "failed"
)

// SignatureVerifier checks a delivery against the provider.
type SignatureVerifier interface {
	Verify(ctx context.Context, rawBody []byte, headers http.Header) (bool, error)
}

// Delivery is one inbound webhook request.
type Delivery struct {
	Body    []byte
	Headers http.Header
	TraceID string
}

// Result is what the transport writes back: a status code and a JSON acknowledgement.
type Result struct {
	HTTPStatus int
	Ack        response.WebhookAck
}

func (r *Result) Outcome() string {
	return r.Ack.Status
}

// Processor runs the ingestion pipeline: record, verify, dispatch, mark.
type Processor struct {
	cfg        *config.Config
	db         *gorm.DB
	events     *eventstore.Store
	verifier   SignatureVerifier
	dispatcher *Dispatcher
	machine    *Machine
	metrics    *metrics.WebhookMetrics
	log        *zap.SugaredLogger
}

func NewProcessor(cfg *config.Config, db *gorm.DB, events *eventstore.Store, verifier SignatureVerifier,
	dispatcher *Dispatcher, machine *Machine, m *metrics.WebhookMetrics, log *zap.SugaredLogger) *Processor {
	return &Processor{
		cfg:        cfg,
		db:         db,
		events:     events,
		verifier:   verifier,
		dispatcher: dispatcher,
		machine:    machine,
		metrics:    m,
		log:        log,
	}
}

func result(status int, outcome string, env *Envelope) *Result {
	r := &Result{HTTPStatus: status, Ack: response.WebhookAck{
		Success: status < http.StatusBadRequest,
		Status:  outcome,
	}}
	if env != nil {
		r.Ack.EventID, r.Ack.EventType = env.ID, env.EventType
	}
	return r
}

func (r *Result) withError(err error) *Result {
	if err != nil {
		r.Ack.Error = err.Error()
	}
	return r
}

func (r *Result) withMessage(msg string) *Result {
	r.Ack.Message = msg
	return r
}

// Process handles one delivery and always returns a result; failures are folded into
// the status code so the provider knows whether to redeliver.
func (p *Processor) Process(ctx context.Context, d Delivery) (res *Result) {
	start := time.Now()
	if d.TraceID != "" {
		ctx = logctx.WithTraceID(ctx, d.TraceID)
	}
	var eventType string
	defer func() {
		p.metrics.Observe(eventType, res.Outcome(), start)
	}()
	log := logctx.FromCtx(ctx, p.log)

	if err := p.cfg.PayPal.Validate(); err != nil {
		log.Errorw("webhook_configuration_error", "error", err)
		return result(http.StatusInternalServerError, OutcomeConfigurationError, nil).withError(ErrConfiguration)
	}

	env, err := ParseEnvelope(d.Body)
	if err != nil {
		return p.rejectUnparsed(ctx, d, err)
	}
	eventType = env.EventType
	ctx = logctx.WithEventID(ctx, env.ID)
	log = logctx.FromCtx(ctx, p.log).With("event_type", env.EventType)

	rec, err := p.events.RecordIfNew(ctx, eventstore.RecordInput{
		EventID:      env.ID,
		EventType:    env.EventType,
		ResourceType: env.ResourceType,
		ResourceID:   env.ResourceID(),
		Payload:      d.Body,
		TraceID:      d.TraceID,
	})
	if err != nil {
		log.Errorw("webhook_record_failed", "error", err)
		return result(http.StatusInternalServerError, OutcomeFailed, env).withError(err)
	}
	switch {
	case rec.AlreadyProcessed:
		log.Infow("webhook_already_processed")
		return result(http.StatusOK, OutcomeAlreadyProcessed, env).withMessage("event already processed")
	case rec.InFlight:
		log.Infow("webhook_in_flight", "attempts", rec.Event.Attempts)
		return result(http.StatusConflict, OutcomeInFlight, env).withError(errors.New("event is being processed by another delivery"))
	}

	attempt := rec.Attempt

	if res := p.verify(ctx, env, d, attempt); res != nil {
		return res
	}

	inv, err := p.dispatcher.Prepare(env)
	switch {
	case errors.Is(err, errUnknownEventType):
		log.Infow("webhook_event_ignored")
		if err := p.events.MarkProcessed(ctx, env.ID, attempt, nil); err != nil {
			return p.finishFailed(ctx, env, err)
		}
		return result(http.StatusOK, OutcomeIgnored, env).withMessage("unhandled event type")
	case err != nil:
		log.Warnw("webhook_invalid_payload", "error", err)
		p.markFailed(ctx, env.ID, attempt, err)
		return result(http.StatusBadRequest, OutcomeInvalidPayload, env).withError(err)
	}

	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := inv(ctx, p.machine.WithTx(tx)); err != nil {
			return err
		}
		return p.events.WithTx(tx).MarkProcessed(ctx, env.ID, attempt, nil)
	})
	if err == nil {
		log.Infow("webhook_processed", "duration_ms", metrics.MillisecondsSince(start))
		return result(http.StatusOK, OutcomeProcessed, env)
	}

	if errors.Is(err, eventstore.ErrClaimLost) {
		return p.finishFailed(ctx, env, err)
	}
	err = classify(err)
	p.markFailed(ctx, env.ID, attempt, err)
	switch {
	case errors.Is(err, ErrResourceNotFound):
		log.Warnw("webhook_unresolvable", "error", err)
		return result(http.StatusOK, OutcomeUnresolvable, env).withError(err)
	case errors.Is(err, ErrDownstreamUnavailable):
		log.Errorw("webhook_downstream_unavailable", "error", err)
		return result(http.StatusInternalServerError, OutcomeDownstreamUnavailable, env).withError(err)
	default:
		log.Errorw("webhook_handler_failed", "error", err)
		return result(http.StatusInternalServerError, OutcomeFailed, env).withError(err)
	}
}

// finishFailed reports a failure to close out the run itself. A lost claim means another
// delivery owns the event now, so this one answers like a concurrent duplicate.
func (p *Processor) finishFailed(ctx context.Context, env *Envelope, err error) *Result {
	log := logctx.FromCtx(ctx, p.log)
	if errors.Is(err, eventstore.ErrClaimLost) {
		log.Warnw("webhook_claim_lost", "error", err)
		return result(http.StatusConflict, OutcomeInFlight, env).withError(err)
	}
	log.Errorw("webhook_mark_processed_failed", "error", err)
	return result(http.StatusInternalServerError, OutcomeFailed, env).withError(err)
}

// verify applies the signature policy. It returns nil when processing may continue.
func (p *Processor) verify(ctx context.Context, env *Envelope, d Delivery, attempt int) *Result {
	log := logctx.FromCtx(ctx, p.log)
	valid, verr := p.verifier.Verify(ctx, d.Body, d.Headers)
	if valid {
		if err := p.events.RecordSignature(ctx, env.ID, true, nil); err != nil {
			return result(http.StatusInternalServerError, OutcomeFailed, env).withError(err)
		}
		return nil
	}
	if verr == nil {
		verr = errors.New("signature not verified")
	}
	cerr := classify(verr)

	if errors.Is(cerr, ErrConfiguration) {
		log.Errorw("webhook_configuration_error", "error", cerr)
		p.markFailed(ctx, env.ID, attempt, cerr)
		return result(http.StatusInternalServerError, OutcomeConfigurationError, env).withError(ErrConfiguration)
	}

	if p.cfg.Webhook.FailOpen() {
		note := fmt.Sprintf("signature not verified (%v); processed under %s policy", verr, config.SignaturePolicyFailOpen)
		log.Warnw("webhook_signature_policy_override", "error", verr, "policy", config.SignaturePolicyFailOpen)
		if err := p.events.RecordSignature(ctx, env.ID, false, &note); err != nil {
			return result(http.StatusInternalServerError, OutcomeFailed, env).withError(err)
		}
		return nil
	}

	if err := p.events.RecordSignature(ctx, env.ID, false, nil); err != nil {
		log.Errorw("webhook_record_signature_failed", "error", err)
	}
	if errors.Is(cerr, ErrDownstreamUnavailable) {
		log.Errorw("webhook_signature_check_unavailable", "error", cerr)
		p.markFailed(ctx, env.ID, attempt, cerr)
		return result(http.StatusInternalServerError, OutcomeDownstreamUnavailable, env).withError(cerr)
	}
	if !errors.Is(cerr, ErrSignatureInvalid) {
		cerr = errors.Join(ErrSignatureInvalid, cerr)
	}
	log.Warnw("webhook_signature_invalid", "error", verr)
	p.markFailed(ctx, env.ID, attempt, cerr)
	return result(http.StatusUnauthorized, OutcomeSignatureInvalid, env).withError(ErrSignatureInvalid)
}

// rejectUnparsed keeps a record of bodies that have no usable event id, keyed by content hash.
func (p *Processor) rejectUnparsed(ctx context.Context, d Delivery, perr error) *Result {
	log := logctx.FromCtx(ctx, p.log)
	key := tool.ContentKey("hash:", d.Body)
	payload, _ := json.Marshal(map[string]string{"raw": string(d.Body)})
	rec, err := p.events.RecordIfNew(ctx, eventstore.RecordInput{
		EventID:   key,
		EventType: "unparsed",
		Payload:   payload,
		TraceID:   d.TraceID,
	})
	switch {
	case err != nil:
		log.Errorw("webhook_record_failed", "error", err, "content_key", key)
	case rec.Claimed():
		p.markFailed(ctx, key, rec.Attempt, perr)
	}

	if errors.Is(perr, ErrMalformedPayload) {
		log.Warnw("webhook_malformed_payload", "error", perr, "content_key", key)
		return result(http.StatusInternalServerError, OutcomeMalformedPayload, nil).withError(perr)
	}
	log.Warnw("webhook_invalid_payload", "error", perr, "content_key", key)
	return result(http.StatusBadRequest, OutcomeInvalidPayload, nil).withError(perr)
}

func (p *Processor) markFailed(ctx context.Context, eventID string, attempt int, cause error) {
	if err := p.events.MarkProcessed(ctx, eventID, attempt, cause); err != nil {
		logctx.FromCtx(ctx, p.log).Errorw("webhook_mark_failed", "error", err, "cause", cause)
	}
}
