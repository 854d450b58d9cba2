package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/fatflowers/billingsync/internal/app/api/server"
	"github.com/fatflowers/billingsync/internal/app/service/eventstore"
	"github.com/fatflowers/billingsync/internal/app/service/notification"
	"github.com/fatflowers/billingsync/internal/app/service/signature"
	"github.com/fatflowers/billingsync/internal/app/service/subscription"
	"github.com/fatflowers/billingsync/internal/app/service/transaction"
	"github.com/fatflowers/billingsync/internal/app/service/webhook"
	"github.com/fatflowers/billingsync/internal/platform/cache"
	"github.com/fatflowers/billingsync/internal/platform/db"
	"github.com/fatflowers/billingsync/internal/platform/paypal"
	"github.com/fatflowers/billingsync/pkg/config"
	"github.com/fatflowers/billingsync/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	cache.Module,
	paypal.Module,
	server.Module,
	eventstore.Module,
	signature.Module,
	subscription.Module,
	transaction.Module,
	notification.Module,
	webhook.Module,
)
