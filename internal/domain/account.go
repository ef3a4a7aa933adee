// Package domain contains core business types and interfaces.
//
// This file defines the Account type together with its embedded monthly
// counter. Every admission and increment path goes through
// EnsureCurrentMonth first so that a month rollover is reconciled before
// any count is compared or changed.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionTier represents the pricing tier of a subscription.
type SubscriptionTier string

const (
	SubscriptionTierFree     SubscriptionTier = "free"
	SubscriptionTierPro      SubscriptionTier = "pro"
	SubscriptionTierProTrial SubscriptionTier = "pro_trial"
)

// IsValid returns true if the tier is a known tier.
func (t SubscriptionTier) IsValid() bool {
	switch t {
	case SubscriptionTierFree, SubscriptionTierPro, SubscriptionTierProTrial:
		return true
	}
	return false
}

// MonthLayout is the format of Account.CountedMonth.
const MonthLayout = "2006-01"

// MonthOf returns the UTC calendar month of t as YYYY-MM.
func MonthOf(t time.Time) string {
	return t.UTC().Format(MonthLayout)
}

// MonthStart returns the first instant of t's UTC calendar month.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Account is the owner of campaigns and the holder of the monthly counter.
type Account struct {
	ID                    uuid.UUID
	Email                 string
	SubscriptionTier      SubscriptionTier
	SubscriptionExpiresAt *time.Time

	CountedMonth       string
	CampaignsThisMonth int64
	CodesThisMonth     int64
	CampaignsTotal     int64
	CodesTotal         int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EnsureCurrentMonth resets the monthly counts when now falls in a different
// month than CountedMonth. It returns true if a reset happened.
func (a *Account) EnsureCurrentMonth(now time.Time) bool {
	month := MonthOf(now)
	if a.CountedMonth == month {
		return false
	}
	a.CountedMonth = month
	a.CampaignsThisMonth = 0
	a.CodesThisMonth = 0
	return true
}

// IsPlanActive returns true when the subscription has no expiry or expires
// after now.
func (a *Account) IsPlanActive(now time.Time) bool {
	if a.SubscriptionExpiresAt == nil {
		return true
	}
	return a.SubscriptionExpiresAt.After(now)
}

// CanCreateCampaign reports whether one more campaign fits this month's quota.
func (a *Account) CanCreateCampaign(policy QuotaPolicy, now time.Time) Admission {
	a.EnsureCurrentMonth(now)
	limit := policy.LimitsFor(a.SubscriptionTier).CampaignsPerMonth
	return admit(QuotaTypeCampaign, a.CampaignsThisMonth, 1, limit)
}

// CanCreateCodes reports whether n more codes fit this month's quota. A
// request that does not fit is rejected in full.
func (a *Account) CanCreateCodes(policy QuotaPolicy, now time.Time, n int64) Admission {
	a.EnsureCurrentMonth(now)
	limit := policy.LimitsFor(a.SubscriptionTier).CodesPerMonth
	return admit(QuotaTypeCode, a.CodesThisMonth, n, limit)
}

func admit(t QuotaType, used, requested int64, limit Limit) Admission {
	adm := Admission{
		Allowed:   true,
		Type:      t,
		Used:      used,
		Requested: requested,
		Limit:     limit,
	}
	switch {
	case requested < 1:
		adm.Allowed = false
		adm.Reason = fmt.Sprintf("%s quantity must be at least 1", t)
	case !limit.Allows(used, requested):
		adm.Allowed = false
		adm.Reason = fmt.Sprintf("monthly %s limit of %s reached (%d used, %d requested)", t, limit, used, requested)
	}
	return adm
}

// RecordCampaignCreated increments the monthly and lifetime campaign counts.
func (a *Account) RecordCampaignCreated(now time.Time) {
	a.EnsureCurrentMonth(now)
	a.CampaignsThisMonth++
	a.CampaignsTotal++
}

// RecordCodesCreated increments the monthly and lifetime code counts by n.
func (a *Account) RecordCodesCreated(now time.Time, n int64) {
	a.EnsureCurrentMonth(now)
	a.CodesThisMonth += n
	a.CodesTotal += n
}

// AdmitCreation is the single admission unit for a creation request: month
// reset, plan gate, quota checks and increments. campaigns or codes may be
// zero to skip that quota. The account is left untouched apart from a month
// reset when the request is rejected.
func (a *Account) AdmitCreation(op string, policy QuotaPolicy, now time.Time, campaigns, codes int64) error {
	a.EnsureCurrentMonth(now)

	if !a.IsPlanActive(now) {
		return PlanInactive(op)
	}

	if campaigns > 0 {
		limit := policy.LimitsFor(a.SubscriptionTier).CampaignsPerMonth
		if adm := admit(QuotaTypeCampaign, a.CampaignsThisMonth, campaigns, limit); !adm.Allowed {
			return adm.Err(op)
		}
	}
	if codes > 0 {
		if adm := a.CanCreateCodes(policy, now, codes); !adm.Allowed {
			return adm.Err(op)
		}
	}

	if campaigns > 0 {
		a.CampaignsThisMonth += campaigns
		a.CampaignsTotal += campaigns
	}
	if codes > 0 {
		a.RecordCodesCreated(now, codes)
	}
	return nil
}

// Usage builds a read-only snapshot of the account's quota position.
func (a *Account) Usage(policy QuotaPolicy, now time.Time) *QuotaUsage {
	a.EnsureCurrentMonth(now)
	return &QuotaUsage{
		AccountID:          a.ID.String(),
		Tier:               a.SubscriptionTier,
		PlanActive:         a.IsPlanActive(now),
		Month:              a.CountedMonth,
		CampaignsThisMonth: a.CampaignsThisMonth,
		CodesThisMonth:     a.CodesThisMonth,
		CampaignsTotal:     a.CampaignsTotal,
		CodesTotal:         a.CodesTotal,
		Limits:             policy.LimitsFor(a.SubscriptionTier),
		CanCreateCampaign:  a.CanCreateCampaign(policy, now),
		CanCreateCode:      a.CanCreateCodes(policy, now, 1),
	}
}

// Actor is the caller of an operation, passed explicitly through the
// service layer.
type Actor struct {
	AccountID uuid.UUID
	Admin     bool
}

// AdminActor returns an administrator actor without an account, used by
// operator tooling.
func AdminActor() Actor {
	return Actor{Admin: true}
}

// CanManage reports whether the actor owns the resource or is an administrator.
func (a Actor) CanManage(owner uuid.UUID) bool {
	return a.Admin || (a.AccountID != uuid.Nil && a.AccountID == owner)
}
