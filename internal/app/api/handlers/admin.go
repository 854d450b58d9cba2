package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billingsync/internal/app/service/eventstore"
	"github.com/fatflowers/billingsync/internal/app/service/notification"
	"github.com/fatflowers/billingsync/internal/app/service/subscription"
	"github.com/fatflowers/billingsync/internal/app/service/transaction"
	"github.com/fatflowers/billingsync/internal/platform/paypal"
	"github.com/fatflowers/billingsync/pkg/response"
	"github.com/fatflowers/billingsync/pkg/types"
)

type EventLister interface {
	ScanEvents(ctx context.Context, req *types.ScanRequest) (*eventstore.ScanEventsResponse, error)
}

type NotificationOutbox interface {
	ListPending(ctx context.Context, req *types.ScanRequest) (*notification.ScanPendingResponse, error)
	MarkSent(ctx context.Context, ids []string) (int64, error)
}

type SubscriptionController interface {
	RequestCancel(ctx context.Context, providerSubscriptionID, reason string) error
	RequestReactivate(ctx context.Context, providerSubscriptionID, reason string) error
}

type MarkNotificationSentRequest struct {
	IDs []string `json:"ids" binding:"required,min=1,dive,required"`
}

type MarkNotificationSentResponse struct {
	Updated int64 `json:"updated"`
}

type SubscriptionCommandRequest struct {
	ProviderSubscriptionID string `json:"provider_subscription_id" binding:"required"`
	Reason                 string `json:"reason" binding:"max=127"`
}

func bindScan(c *gin.Context) (*types.ScanRequest, bool) {
	var req types.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, response.ErrorMsg(response.APIResponseCodeBadRequest, err))
		return nil, false
	}
	return &req, true
}

// @Summary      List Payment Transactions (Admin)
// @Description  Retrieves a paginated and filterable list of ledger entries.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body types.ScanRequest true "Filters, pagination, and sorting"
// @Success      200  {object}  handlers.RespListTransactions
// @Router       /api/v1/admin/list_transactions [post]
func ApiListTransactions(mgr transaction.TransactionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindScan(c)
		if !ok {
			return
		}
		res, err := mgr.ScanTransactions(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorMsg(response.APIResponseCodeError, err))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      List Webhook Events (Admin)
// @Description  Retrieves recorded webhook events with their processing outcome.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body types.ScanRequest true "Filters, pagination, and sorting"
// @Success      200  {object}  handlers.RespListWebhookEvents
// @Router       /api/v1/admin/list_webhook_events [post]
func ApiListWebhookEvents(events EventLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindScan(c)
		if !ok {
			return
		}
		res, err := events.ScanEvents(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorMsg(response.APIResponseCodeError, err))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      List Pending Notifications (Admin)
// @Description  Retrieves unsent user notifications, oldest first.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body types.ScanRequest true "Filters and pagination"
// @Success      200  {object}  handlers.RespListNotifications
// @Router       /api/v1/admin/list_pending_notifications [post]
func ApiListPendingNotifications(outbox NotificationOutbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindScan(c)
		if !ok {
			return
		}
		res, err := outbox.ListPending(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorMsg(response.APIResponseCodeError, err))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Mark Notifications Sent (Admin)
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body handlers.MarkNotificationSentRequest true "Notification ids"
// @Success      200  {object}  handlers.RespMarkNotificationSent
// @Router       /api/v1/admin/mark_notification_sent [post]
func ApiMarkNotificationSent(outbox NotificationOutbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MarkNotificationSentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorMsg(response.APIResponseCodeBadRequest, err))
			return
		}
		n, err := outbox.MarkSent(c.Request.Context(), req.IDs)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorMsg(response.APIResponseCodeError, err))
			return
		}
		c.JSON(http.StatusOK, response.OKT(&MarkNotificationSentResponse{Updated: n}))
	}
}

func commandError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, subscription.ErrSubscriptionNotFound):
		c.JSON(http.StatusOK, response.ErrorMsg(response.APIResponseCodeBadRequest, err))
	case errors.Is(err, paypal.ErrDownstreamUnavailable):
		c.JSON(http.StatusOK, response.ErrorMsg(response.APIResponseCodeError, err))
	default:
		c.JSON(http.StatusOK, response.ErrorMsg(response.APIResponseCodeBadRequest, err))
	}
}

// @Summary      Cancel Subscription (Admin)
// @Description  Asks PayPal to cancel the subscription. Local state follows when the CANCELLED webhook arrives.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body handlers.SubscriptionCommandRequest true "Subscription and reason"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/cancel_subscription [post]
func ApiCancelSubscription(ctl SubscriptionController) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubscriptionCommandRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorMsg(response.APIResponseCodeBadRequest, err))
			return
		}
		if req.Reason == "" {
			req.Reason = "cancelled by administrator"
		}
		if err := ctl.RequestCancel(c.Request.Context(), req.ProviderSubscriptionID, req.Reason); err != nil {
			commandError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

// @Summary      Reactivate Subscription (Admin)
// @Description  Asks PayPal to reactivate a suspended subscription. Local state follows when the RE-ACTIVATED webhook arrives.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body handlers.SubscriptionCommandRequest true "Subscription and reason"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/reactivate_subscription [post]
func ApiReactivateSubscription(ctl SubscriptionController) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubscriptionCommandRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorMsg(response.APIResponseCodeBadRequest, err))
			return
		}
		if req.Reason == "" {
			req.Reason = "reactivated by administrator"
		}
		if err := ctl.RequestReactivate(c.Request.Context(), req.ProviderSubscriptionID, req.Reason); err != nil {
			commandError(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

func RegisterAdminRoutes(r gin.IRouter, mgr transaction.TransactionManager, events EventLister, outbox NotificationOutbox, ctl SubscriptionController) {
	r.POST("/list_transactions", ApiListTransactions(mgr))
	r.POST("/list_webhook_events", ApiListWebhookEvents(events))
	r.POST("/list_pending_notifications", ApiListPendingNotifications(outbox))
	r.POST("/mark_notification_sent", ApiMarkNotificationSent(outbox))
	r.POST("/cancel_subscription", ApiCancelSubscription(ctl))
	r.POST("/reactivate_subscription", ApiReactivateSubscription(ctl))
}
