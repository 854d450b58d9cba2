package models

import "time"

// BillingPlan maps a provider plan id to an internal product id.
type BillingPlan struct {
	ID             string    `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	ProviderPlanID string    `gorm:"column:provider_plan_id;type:varchar(64);not null;uniqueIndex" json:"provider_plan_id"`
	ProductID      string    `gorm:"column:product_id;type:varchar(32);not null" json:"product_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (BillingPlan) TableName() string { return "billing_plan" }
