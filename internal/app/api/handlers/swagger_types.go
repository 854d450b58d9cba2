package handlers

import (
	"github.com/fatflowers/billingsync/internal/app/service/eventstore"
	"github.com/fatflowers/billingsync/internal/app/service/notification"
	"github.com/fatflowers/billingsync/internal/app/service/transaction"
	"github.com/fatflowers/billingsync/pkg/response"
	"github.com/fatflowers/billingsync/pkg/types"
)

// RespOK is a generic OK envelope for endpoints returning no specific data.
type RespOK struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}

type RespListTransactions struct {
	Code    response.APIResponseCode             `json:"code"`
	Message string                               `json:"message"`
	Data    transaction.ScanTransactionsResponse `json:"data"`
}

type RespListWebhookEvents struct {
	Code    response.APIResponseCode      `json:"code"`
	Message string                        `json:"message"`
	Data    eventstore.ScanEventsResponse `json:"data"`
}

type RespListNotifications struct {
	Code    response.APIResponseCode         `json:"code"`
	Message string                           `json:"message"`
	Data    notification.ScanPendingResponse `json:"data"`
}

type RespMarkNotificationSent struct {
	Code    response.APIResponseCode     `json:"code"`
	Message string                       `json:"message"`
	Data    MarkNotificationSentResponse `json:"data"`
}

// RespUserSubscription wraps the user's subscription summary in the standard envelope.
type RespUserSubscription struct {
	Code    response.APIResponseCode   `json:"code"`
	Message string                     `json:"message"`
	Data    types.UserSubscriptionInfo `json:"data"`
}
