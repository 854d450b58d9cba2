package subscription

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	models "github.com/fatflowers/billingsync/internal/models"
	"github.com/fatflowers/billingsync/pkg/logctx"
	"github.com/fatflowers/billingsync/pkg/types"
)

// ResolvePlanType maps a provider plan id to a tier through the billing plan table.
// Unknown plans resolve to starter and the fallback is logged.
func (s *Service) ResolvePlanType(ctx context.Context, providerPlanID string) (types.PlanType, error) {
	log := logctx.FromCtx(ctx, s.log)
	if providerPlanID == "" {
		log.Warnw("plan_unresolved_default_starter", "provider_plan_id", providerPlanID, "cause", "empty plan id")
		return types.PlanTypeStarter, nil
	}

	var plan models.BillingPlan
	err := s.db.WithContext(ctx).Where("provider_plan_id = ?", providerPlanID).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warnw("plan_unresolved_default_starter", "provider_plan_id", providerPlanID, "cause", "unknown plan id")
		return types.PlanTypeStarter, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve plan %s: %w", providerPlanID, err)
	}

	planType, ok := types.PlanTypeFromProductID(plan.ProductID)
	if !ok {
		log.Warnw("plan_unresolved_default_starter", "provider_plan_id", providerPlanID, "product_id", plan.ProductID, "cause", "unknown product id")
		return types.PlanTypeStarter, nil
	}
	return planType, nil
}
