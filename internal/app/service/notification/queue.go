// Package notification is the outbox of pending user notifications. Delivery happens
// elsewhere; consumers list pending items and mark them sent.
package notification

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	models "github.com/fatflowers/billingsync/internal/models"
	"github.com/fatflowers/billingsync/internal/platform/db"
	"github.com/fatflowers/billingsync/pkg/logctx"
	"github.com/fatflowers/billingsync/pkg/tool"
	"github.com/fatflowers/billingsync/pkg/types"
)

// Notification types enqueued by the subscription state machine.
const (
	TypeSubscriptionActivated   = "subscription_activated"
	TypeSubscriptionCancelled   = "subscription_cancelled"
	TypeSubscriptionExpired     = "subscription_expired"
	TypeSubscriptionRenewed     = "subscription_renewed"
	TypeSubscriptionReactivated = "subscription_reactivated"
	TypePaymentFailed           = "payment_failed"
	TypePlanChanged             = "plan_changed"
	TypePaymentReceived         = "payment_received"
	TypePaymentDenied           = "payment_denied"
	TypePaymentRefunded         = "payment_refunded"
	TypePaymentDisputed         = "payment_disputed"
)

type Item struct {
	UserID   string
	Type     string
	Title    string
	Message  string
	Metadata map[string]any
	EventID  string
}

type Queue struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Queue {
	return &Queue{db: db, log: log}
}

// WithTx returns a queue that appends on tx, so items commit with the transition.
func (q *Queue) WithTx(tx *gorm.DB) *Queue {
	cp := *q
	cp.db = tx
	return &cp
}

// Enqueue appends an unsent notification.
func (q *Queue) Enqueue(ctx context.Context, it Item) (*models.NotificationQueueItem, error) {
	if it.UserID == "" || it.Type == "" {
		return nil, fmt.Errorf("notification needs user id and type")
	}
	row := &models.NotificationQueueItem{
		ID:       tool.GenerateUUIDV7(),
		UserID:   it.UserID,
		Type:     it.Type,
		Title:    it.Title,
		Message:  it.Message,
		Metadata: datatypes.JSONMap(it.Metadata),
		EventID:  it.EventID,
	}
	if err := q.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue notification: %w", err)
	}
	logctx.FromCtx(ctx, q.log).Infow("notification_enqueued", "user_id", it.UserID, "type", it.Type)
	return row, nil
}

var scanColumns = mapset.NewSet("user_id", "type", "event_id", "created_at")

type ScanPendingResponse struct {
	Items []*models.NotificationQueueItem `json:"items"`
	Total int64                           `json:"total"`
}

// ListPending returns unsent notifications, oldest first unless a sort is requested.
func (q *Queue) ListPending(ctx context.Context, req *types.ScanRequest) (*ScanPendingResponse, error) {
	if req == nil {
		req = &types.ScanRequest{}
	}
	if req.SortBy == "" {
		req.SortBy, req.SortOrder = "created_at", "asc"
	}
	filtered := *req
	filtered.Filters = append([]*types.CommonFilter{{Field: "sent", Operator: types.CommonFilterOperatorEq, Values: []any{false}}}, req.Filters...)
	rows, total, err := db.Scan[models.NotificationQueueItem](ctx, q.db, &filtered, scanColumns.Union(mapset.NewSet("sent")))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending notifications: %w", err)
	}
	return &ScanPendingResponse{Items: rows, Total: total}, nil
}

// MarkSent flips sent for the given ids and returns how many were pending.
func (q *Queue) MarkSent(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := q.db.WithContext(ctx).Model(&models.NotificationQueueItem{}).
		Where("id IN ? AND sent = ?", ids, false).
		Updates(map[string]any{"sent": true, "sent_at": time.Now()})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark notifications sent: %w", res.Error)
	}
	return res.RowsAffected, nil
}

var Module = fx.Options(
	fx.Provide(New),
)
