// Package domain contains core business types and interfaces.
//
// This file defines the quota policy that maps a subscription tier to its
// monthly creation limits.
package domain

import (
	"encoding/json"
	"strconv"
)

// QuotaType identifies the type of quota being checked.
type QuotaType string

const (
	QuotaTypeCampaign QuotaType = "campaign"
	QuotaTypeCode     QuotaType = "code"
)

// Limit is a monthly ceiling. Unlimited is a sentinel and must never be
// compared numerically; use Allows.
type Limit int64

// Unlimited marks a tier without a ceiling.
const Unlimited Limit = -1

// IsUnlimited reports whether the limit is the Unlimited sentinel.
func (l Limit) IsUnlimited() bool {
	return l < 0
}

// Allows reports whether used+requested stays within the limit.
func (l Limit) Allows(used, requested int64) bool {
	if l.IsUnlimited() {
		return true
	}
	return used+requested <= int64(l)
}

// Int64 returns the numeric ceiling, or -1 when unlimited.
func (l Limit) Int64() int64 {
	if l.IsUnlimited() {
		return -1
	}
	return int64(l)
}

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return strconv.FormatInt(int64(l), 10)
}

// MarshalJSON renders Unlimited as the string "unlimited".
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.IsUnlimited() {
		return []byte(`"unlimited"`), nil
	}
	return json.Marshal(int64(l))
}

// stricter returns the more restrictive of two limits.
func (l Limit) stricter(other Limit) Limit {
	switch {
	case l.IsUnlimited():
		return other
	case other.IsUnlimited():
		return l
	case other < l:
		return other
	default:
		return l
	}
}

// TierQuota defines the monthly limits for a subscription tier.
type TierQuota struct {
	CampaignsPerMonth Limit `json:"campaigns_per_month"`
	CodesPerMonth     Limit `json:"codes_per_month"`
}

// For returns the limit that applies to the given quota type.
func (q TierQuota) For(t QuotaType) Limit {
	if t == QuotaTypeCampaign {
		return q.CampaignsPerMonth
	}
	return q.CodesPerMonth
}

// DefaultTierQuotas maps subscription tiers to their quota limits.
// Free tier has strict limits; paid tiers are unlimited.
var DefaultTierQuotas = map[SubscriptionTier]TierQuota{
	SubscriptionTierFree: {
		CampaignsPerMonth: 3,
		CodesPerMonth:     5,
	},
	SubscriptionTierPro: {
		CampaignsPerMonth: Unlimited,
		CodesPerMonth:     Unlimited,
	},
	SubscriptionTierProTrial: {
		CampaignsPerMonth: Unlimited,
		CodesPerMonth:     Unlimited,
	},
}

// QuotaPolicy is an immutable tier-to-limits table.
type QuotaPolicy struct {
	tiers           map[SubscriptionTier]TierQuota
	mostRestrictive TierQuota
}

// NewQuotaPolicy builds a policy from a tier table. Tiers missing from the
// table fall back to DefaultTierQuotas.
func NewQuotaPolicy(tiers map[SubscriptionTier]TierQuota) QuotaPolicy {
	merged := make(map[SubscriptionTier]TierQuota, len(DefaultTierQuotas))
	for tier, quota := range DefaultTierQuotas {
		merged[tier] = quota
	}
	for tier, quota := range tiers {
		merged[tier] = quota
	}

	strictest := TierQuota{CampaignsPerMonth: Unlimited, CodesPerMonth: Unlimited}
	for _, quota := range merged {
		strictest.CampaignsPerMonth = strictest.CampaignsPerMonth.stricter(quota.CampaignsPerMonth)
		strictest.CodesPerMonth = strictest.CodesPerMonth.stricter(quota.CodesPerMonth)
	}

	return QuotaPolicy{tiers: merged, mostRestrictive: strictest}
}

// DefaultQuotaPolicy returns the built-in policy.
func DefaultQuotaPolicy() QuotaPolicy {
	return NewQuotaPolicy(nil)
}

// LimitsFor returns the quota for a tier. Unknown tiers get the most
// restrictive limits found in the table, never unlimited access.
func (p QuotaPolicy) LimitsFor(tier SubscriptionTier) TierQuota {
	if p.tiers == nil {
		return DefaultQuotaPolicy().LimitsFor(tier)
	}
	if quota, ok := p.tiers[tier]; ok {
		return quota
	}
	return p.mostRestrictive
}

// Admission is the outcome of a quota check.
type Admission struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	Type      QuotaType `json:"type"`
	Used      int64     `json:"used"`
	Requested int64     `json:"requested"`
	Limit     Limit     `json:"limit"`
}

// Err converts a rejected admission into a QuotaExceeded error.
func (a Admission) Err(op string) error {
	if a.Allowed {
		return nil
	}
	if a.Requested < 1 {
		return Invalid(op, a.Reason)
	}
	return QuotaExceeded(op, a.Type, a.Used, a.Limit.Int64())
}

// QuotaUsage represents current usage against quota limits.
type QuotaUsage struct {
	AccountID          string           `json:"account_id"`
	Tier               SubscriptionTier `json:"tier"`
	PlanActive         bool             `json:"plan_active"`
	Month              string           `json:"month"`
	CampaignsThisMonth int64            `json:"campaigns_this_month"`
	CodesThisMonth     int64            `json:"codes_this_month"`
	CampaignsTotal     int64            `json:"campaigns_total"`
	CodesTotal         int64            `json:"codes_total"`
	Limits             TierQuota        `json:"limits"`
	CanCreateCampaign  Admission        `json:"can_create_campaign"`
	CanCreateCode      Admission        `json:"can_create_code"`
}
