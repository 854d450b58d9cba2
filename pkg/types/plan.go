package types

import "strings"

type PaymentProvider string

const (
	PaymentProviderPayPal PaymentProvider = "paypal"
)

// PlanType is the internal product tier a user is entitled to.
type PlanType string

const (
	PlanTypeFree    PlanType = "free"
	PlanTypeStarter PlanType = "starter"
	PlanTypePro     PlanType = "pro"
)

// Product IDs stored in the billing plan lookup table.
const (
	ProductIDPro     = "PRO"
	ProductIDStarter = "STARTER"
)

// PlanTypeFromProductID maps a product ID to a tier. ok is false for unknown products.
func PlanTypeFromProductID(productID string) (PlanType, bool) {
	switch strings.ToUpper(strings.TrimSpace(productID)) {
	case ProductIDPro:
		return PlanTypePro, true
	case ProductIDStarter:
		return PlanTypeStarter, true
	default:
		return "", false
	}
}
