// Package eventstore is the durable, idempotent record of inbound webhook events.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/billingsync/internal/models"
	"github.com/fatflowers/billingsync/internal/platform/db"
	"github.com/fatflowers/billingsync/pkg/config"
	"github.com/fatflowers/billingsync/pkg/logctx"
	"github.com/fatflowers/billingsync/pkg/tool"
	"github.com/fatflowers/billingsync/pkg/types"
)

var (
	ErrEventNotFound = errors.New("webhook event not found")
	// ErrClaimLost means another delivery took over the event since this run claimed it.
	ErrClaimLost = errors.New("webhook event claim lost")
)

type Store struct {
	db         *gorm.DB
	log        *zap.SugaredLogger
	staleAfter time.Duration
	now        func() time.Time
}

func New(db *gorm.DB, log *zap.SugaredLogger, cfg *config.Config) *Store {
	return &Store{db: db, log: log, staleAfter: cfg.Webhook.StaleClaimAfter(), now: time.Now}
}

// WithTx returns a store that runs every statement on tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	cp := *s
	cp.db = tx
	return &cp
}

// WithClock overrides the time source, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	cp := *s
	cp.now = now
	return &cp
}

type RecordInput struct {
	EventID      string
	EventType    string
	ResourceType string
	ResourceID   string
	Payload      []byte
	TraceID      string
}

// RecordResult tells the caller whether it owns processing of the event.
type RecordResult struct {
	Event *models.WebhookEvent
	// Attempt is the claim this caller holds; pass it back to MarkProcessed.
	Attempt int
	// AlreadyExists is true when a row for the event id was present before this call.
	AlreadyExists bool
	// AlreadyProcessed is true when an earlier delivery processed the event successfully.
	AlreadyProcessed bool
	// InFlight is true when another delivery currently holds the processing claim.
	InFlight bool
}

// Claimed reports whether the caller may run handlers for the event.
func (r *RecordResult) Claimed() bool {
	return r != nil && !r.AlreadyProcessed && !r.InFlight
}

// RecordIfNew inserts the event or inspects the existing row. Exactly one concurrent
// delivery of an event id is handed the claim: a fresh insert claims it, a failed or
// abandoned earlier run is reclaimed with a compare-and-set on attempts.
func (s *Store) RecordIfNew(ctx context.Context, in RecordInput) (*RecordResult, error) {
	if in.EventID == "" {
		return nil, fmt.Errorf("event id is required")
	}
	now := s.now()
	ev := &models.WebhookEvent{
		ID:           tool.GenerateUUIDV7(),
		EventID:      in.EventID,
		EventType:    in.EventType,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		Payload:      datatypes.JSON(in.Payload),
		Attempts:     1,
		ClaimedAt:    &now,
		TraceID:      in.TraceID,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(ev)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to record webhook event: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &RecordResult{Event: ev, Attempt: ev.Attempts}, nil
	}

	existing, err := s.Get(ctx, in.EventID)
	if err != nil {
		return nil, err
	}
	log := logctx.FromCtx(ctx, s.log)

	switch {
	case existing.Succeeded():
		return &RecordResult{Event: existing, AlreadyExists: true, AlreadyProcessed: true}, nil
	case existing.Processed:
		log.Infow("webhook_retry_after_failure", "attempts", existing.Attempts, "previous_error", lo.FromPtr(existing.ProcessingError))
		return s.reclaim(ctx, existing, in)
	case s.staleAfter > 0 && existing.ClaimedAt != nil && now.Sub(*existing.ClaimedAt) > s.staleAfter:
		log.Warnw("webhook_stale_claim_reclaimed", "attempts", existing.Attempts, "claimed_at", existing.ClaimedAt)
		return s.reclaim(ctx, existing, in)
	default:
		return &RecordResult{Event: existing, AlreadyExists: true, InFlight: true}, nil
	}
}

// reclaim takes over an event whose previous run failed or was abandoned. attempts acts
// as the version: only one caller can move it from n to n+1. The stored payload is
// replaced by this delivery's body, so the row always holds what was last processed.
func (s *Store) reclaim(ctx context.Context, existing *models.WebhookEvent, in RecordInput) (*RecordResult, error) {
	now := s.now()
	attempt := existing.Attempts + 1
	res := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND attempts = ? AND processed = ?", existing.ID, existing.Attempts, existing.Processed).
		Updates(map[string]any{
			"processed":        false,
			"processed_at":     nil,
			"processing_error": nil,
			"signature_valid":  nil,
			"policy_note":      nil,
			"attempts":         attempt,
			"claimed_at":       now,
			"trace_id":         in.TraceID,
			"event_type":       in.EventType,
			"resource_type":    in.ResourceType,
			"resource_id":      in.ResourceID,
			"payload":          datatypes.JSON(in.Payload),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to reclaim webhook event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// lost the race; report what the winner left behind
		current, err := s.Get(ctx, existing.EventID)
		if err != nil {
			return nil, err
		}
		if current.Succeeded() {
			return &RecordResult{Event: current, AlreadyExists: true, AlreadyProcessed: true}, nil
		}
		return &RecordResult{Event: current, AlreadyExists: true, InFlight: true}, nil
	}
	current, err := s.Get(ctx, existing.EventID)
	if err != nil {
		return nil, err
	}
	return &RecordResult{Event: current, Attempt: attempt, AlreadyExists: true}, nil
}

// RecordSignature stores the verification outcome and, when a failed check was
// overridden, the policy note that makes the override observable.
func (s *Store) RecordSignature(ctx context.Context, eventID string, valid bool, policyNote *string) error {
	res := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{"signature_valid": valid, "policy_note": policyNote})
	if res.Error != nil {
		return fmt.Errorf("failed to record signature result: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// MarkProcessed finishes the run holding claim attempt. A non-nil procErr is stored as the
// processing error. It returns ErrClaimLost when the claim was taken over or already
// finished, so a stalled run cannot commit over the delivery that replaced it.
func (s *Store) MarkProcessed(ctx context.Context, eventID string, attempt int, procErr error) error {
	var msg *string
	if procErr != nil {
		msg = lo.ToPtr(procErr.Error())
	}
	res := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("event_id = ? AND attempts = ? AND processed = ?", eventID, attempt, false).
		Updates(map[string]any{"processed": true, "processed_at": s.now(), "processing_error": msg})
	if res.Error != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s attempt %d", ErrClaimLost, eventID, attempt)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook event: %w", err)
	}
	return &ev, nil
}

var scanColumns = mapset.NewSet(
	"event_id", "event_type", "resource_type", "resource_id", "processed",
	"processed_at", "signature_valid", "attempts", "created_at", "updated_at",
)

type ScanEventsResponse struct {
	Items []*models.WebhookEvent `json:"items"`
	Total int64                  `json:"total"`
}

// ScanEvents lists recorded events for the admin API.
func (s *Store) ScanEvents(ctx context.Context, req *types.ScanRequest) (*ScanEventsResponse, error) {
	rows, total, err := db.Scan[models.WebhookEvent](ctx, s.db, req, scanColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook events: %w", err)
	}
	return &ScanEventsResponse{Items: rows, Total: total}, nil
}
