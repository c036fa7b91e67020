package ratelimit

import (
	"time"

	"github.com/CIRISAI/CIRISLens-sub000/internal/auth"
)

// Per-tier query budgets, requests per minute.
const (
	FullPerMinute    = 1000
	PartnerPerMinute = 100
	PublicPerMinute  = 20
)

// RuleForTier maps an access tier to its query rule. Unknown tiers get the
// public budget; the auth layer rejects them before this matters.
func RuleForTier(tier auth.Tier) Rule {
	return TierLimits{}.RuleFor(tier)
}

// TierLimits overrides the per-tier budgets. Zero fields keep the defaults.
type TierLimits struct {
	Full    int
	Partner int
	Public  int
}

// RuleFor returns the query rule for a tier with any overrides applied.
func (t TierLimits) RuleFor(tier auth.Tier) Rule {
	switch tier {
	case auth.TierFull:
		return Rule{Prefix: "query:full", Limit: orDefault(t.Full, FullPerMinute), Window: time.Minute}
	case auth.TierPartner:
		return Rule{Prefix: "query:partner", Limit: orDefault(t.Partner, PartnerPerMinute), Window: time.Minute}
	default:
		return Rule{Prefix: "query:public", Limit: orDefault(t.Public, PublicPerMinute), Window: time.Minute}
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
