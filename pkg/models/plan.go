package models

// Plan tiers
const (
	PlanFree     = "free"
	PlanStarter  = "starter"
	PlanPro      = "pro"
	PlanBusiness = "business"
)

// Plan describes a subscription tier.
type Plan struct {
	Tier           string `json:"tier"`
	CreditsAllowed int    `json:"credits_allowed"`
	PriceID        string `json:"price_id"`
}

// Plans is the plan catalog keyed by tier.
var Plans = map[string]Plan{
	PlanFree:     {Tier: PlanFree, CreditsAllowed: 10, PriceID: ""},
	PlanStarter:  {Tier: PlanStarter, CreditsAllowed: 100, PriceID: "price_starter_monthly"},
	PlanPro:      {Tier: PlanPro, CreditsAllowed: 400, PriceID: "price_pro_monthly"},
	PlanBusiness: {Tier: PlanBusiness, CreditsAllowed: 1500, PriceID: "price_business_monthly"},
}

// PlanByPriceID resolves a billing-provider price ID to a plan.
func PlanByPriceID(priceID string) (Plan, bool) {
	for _, p := range Plans {
		if p.PriceID != "" && p.PriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}
