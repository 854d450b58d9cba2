package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billingsync/internal/app/service/subscription"
	models "github.com/fatflowers/billingsync/internal/models"
	"github.com/fatflowers/billingsync/pkg/response"
	"github.com/fatflowers/billingsync/pkg/types"
)

type SettingsReader interface {
	GetUserSettings(ctx context.Context, userID string) (*models.UserAccountSettings, error)
}

// @Summary      User Subscription
// @Description  Returns the plan, status and expiry mirrored onto the user's account settings.
// @Tags         User
// @Produce      json
// @Param        user_id query string true "User ID"
// @Success      200  {object}  handlers.RespUserSubscription
// @Router       /api/v1/user/subscription [get]
func ApiUserSubscription(settings SettingsReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id"))
			return
		}
		u, err := settings.GetUserSettings(c.Request.Context(), userID)
		if errors.Is(err, subscription.ErrUserNotFound) {
			// unknown users are on the free plan
			c.JSON(http.StatusOK, response.OKT(&types.UserSubscriptionInfo{Plan: types.PlanTypeFree, Status: types.AccountSubscriptionStatusNone}))
			return
		}
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorMsg(response.APIResponseCodeError, err))
			return
		}
		c.JSON(http.StatusOK, response.OKT(u.Info()))
	}
}

func RegisterUserRoutes(r gin.IRouter, settings SettingsReader) {
	r.GET("/subscription", ApiUserSubscription(settings))
}
