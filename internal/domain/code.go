// Package domain contains core business types and interfaces.
//
// This file defines the redemption Code and its state machine:
//
//	fresh -> partially_used -> exhausted
//
// Transitions only move forward. The only way back is an administrator
// usage adjustment, which is recorded separately.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RedemptionWindow is the span after a successful redemption during which
// repeat redemptions of the same code are answered as duplicates. It cannot
// tell a camera re-scanning one printed code from two people scanning two
// copies of it; both collapse into one redemption.
const RedemptionWindow = 5 * time.Second

// Token format.
const (
	TokenLength   = 8
	TokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// NormalizeToken trims and lowercases a token read from a scan or URL.
func NormalizeToken(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// IsWellFormedToken reports whether token has the generated shape.
func IsWellFormedToken(token string) bool {
	if len(token) != TokenLength {
		return false
	}
	for _, r := range token {
		if !strings.ContainsRune(TokenAlphabet, r) {
			return false
		}
	}
	return true
}

// CodeState is the derived lifecycle state of a code.
type CodeState string

const (
	CodeStateFresh         CodeState = "fresh"
	CodeStatePartiallyUsed CodeState = "partially_used"
	CodeStateExhausted     CodeState = "exhausted"
)

// Code is a token redeemable up to UsageLimit times.
type Code struct {
	ID             uuid.UUID  `json:"id"`
	Token          string     `json:"token"`
	CampaignID     uuid.UUID  `json:"campaign_id"`
	UsageCount     int        `json:"usage_count"`
	UsageLimit     int        `json:"usage_limit"`
	LastRedeemedAt *time.Time `json:"last_redeemed_at,omitempty"`
	ImageAssetRef  string     `json:"image_asset_ref"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NewCode snapshots the campaign's per-code limit into a new code.
func NewCode(campaign *Campaign, token, assetRef string, now time.Time) *Code {
	return &Code{
		ID:            uuid.New(),
		Token:         token,
		CampaignID:    campaign.ID,
		UsageLimit:    campaign.RedemptionLimitPerCode,
		ImageAssetRef: assetRef,
		CreatedAt:     now,
	}
}

// IsExhausted returns true when no redemptions are left.
func (c *Code) IsExhausted() bool {
	return c.UsageCount >= c.UsageLimit
}

// Remaining returns the number of redemptions left.
func (c *Code) Remaining() int {
	if c.IsExhausted() {
		return 0
	}
	return c.UsageLimit - c.UsageCount
}

// State returns the lifecycle state derived from the usage count.
func (c *Code) State() CodeState {
	switch {
	case c.IsExhausted():
		return CodeStateExhausted
	case c.UsageCount > 0:
		return CodeStatePartiallyUsed
	default:
		return CodeStateFresh
	}
}

// RedeemOutcome tells the caller whether a redemption changed the code.
type RedeemOutcome int

const (
	OutcomeRedeemed RedeemOutcome = iota + 1
	OutcomeDuplicate
)

// Redeem applies one redemption attempt at time at. Checks run in order:
// campaign inactive, campaign expired, limit reached, duplicate window.
// On OutcomeRedeemed the code has been incremented in place; on
// OutcomeDuplicate and on error it is unchanged.
func (c *Code) Redeem(op string, campaign *Campaign, at time.Time) (RedeemOutcome, error) {
	if err := campaign.CheckRedeemable(op, at); err != nil {
		return 0, err
	}
	if c.IsExhausted() {
		return 0, &Error{Code: ELIMITREACHED, Op: op, Message: "code has reached its usage limit"}
	}
	if c.LastRedeemedAt != nil && at.Sub(*c.LastRedeemedAt) < RedemptionWindow {
		return OutcomeDuplicate, nil
	}

	c.UsageCount++
	redeemedAt := at
	c.LastRedeemedAt = &redeemedAt
	return OutcomeRedeemed, nil
}

// Adjust sets the usage count as an administrator correction and returns the
// audit entry to record.
func (c *Code) Adjust(op string, actor Actor, newCount int, reason string, at time.Time) (*UsageAdjustment, error) {
	if !actor.Admin {
		return nil, Unauthorized(op, "only administrators can adjust usage")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, Invalid(op, "a reason is required")
	}
	if newCount < 0 || newCount > c.UsageLimit {
		return nil, Invalid(op, fmt.Sprintf("usage count must be between 0 and %d", c.UsageLimit))
	}

	adj := &UsageAdjustment{
		CodeID:        c.ID,
		AdjustedAt:    at,
		ActorID:       actor.AccountID,
		PreviousCount: c.UsageCount,
		NewCount:      newCount,
		Reason:        reason,
	}
	c.UsageCount = newCount
	return adj, nil
}

// ScanOrigin is the metadata captured with a scan.
type ScanOrigin struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Device    string `json:"device,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
	Location  string `json:"location,omitempty"`
}

// IsZero returns true if no origin field is set.
func (o ScanOrigin) IsZero() bool {
	return o == ScanOrigin{}
}

// ScanEvent is one entry of a code's append-only scan history.
type ScanEvent struct {
	ID        int64      `json:"id"`
	CodeID    uuid.UUID  `json:"code_id"`
	ScannedAt time.Time  `json:"scanned_at"`
	Origin    ScanOrigin `json:"origin"`
}

// SharePlatform is where a code was shared.
type SharePlatform string

const (
	SharePlatformWhatsApp SharePlatform = "whatsapp"
	SharePlatformSMS      SharePlatform = "sms"
	SharePlatformTelegram SharePlatform = "telegram"
	SharePlatformFacebook SharePlatform = "facebook"
	SharePlatformTwitter  SharePlatform = "twitter"
	SharePlatformEmail    SharePlatform = "email"
	SharePlatformLink     SharePlatform = "link"
)

// IsValid returns true if the platform is known.
func (p SharePlatform) IsValid() bool {
	switch p {
	case SharePlatformWhatsApp, SharePlatformSMS, SharePlatformTelegram,
		SharePlatformFacebook, SharePlatformTwitter, SharePlatformEmail, SharePlatformLink:
		return true
	}
	return false
}

// MaxShareMessageLength bounds the optional share message.
const MaxShareMessageLength = 1000

// ShareEvent is one entry of a code's append-only share log.
type ShareEvent struct {
	ID       int64         `json:"id"`
	CodeID   uuid.UUID     `json:"code_id"`
	Platform SharePlatform `json:"platform"`
	SharedAt time.Time     `json:"shared_at"`
	ActorID  uuid.UUID     `json:"actor_id"`
	Message  string        `json:"message,omitempty"`
}

// UsageAdjustment is the audit record of an administrator correction.
type UsageAdjustment struct {
	ID            int64     `json:"id"`
	CodeID        uuid.UUID `json:"code_id"`
	AdjustedAt    time.Time `json:"adjusted_at"`
	ActorID       uuid.UUID `json:"actor_id"`
	PreviousCount int       `json:"previous_count"`
	NewCount      int       `json:"new_count"`
	Reason        string    `json:"reason"`
}

// RedemptionResult is the successful outcome of a redemption attempt.
// Duplicate is true when the attempt fell inside RedemptionWindow and the
// code was returned unchanged.
type RedemptionResult struct {
	Code      Code      `json:"code"`
	State     CodeState `json:"state"`
	Remaining int       `json:"remaining"`
	Duplicate bool      `json:"duplicate"`
}

// CodeDetail is a code with its histories, newest first.
type CodeDetail struct {
	Code        Code              `json:"code"`
	State       CodeState         `json:"state"`
	Scans       []ScanEvent       `json:"scans"`
	Shares      []ShareEvent      `json:"shares"`
	Adjustments []UsageAdjustment `json:"adjustments"`
}

// CodeView is the public, read-only view of a code.
type CodeView struct {
	Token               string     `json:"token"`
	State               CodeState  `json:"state"`
	UsageCount          int        `json:"usage_count"`
	UsageLimit          int        `json:"usage_limit"`
	Remaining           int        `json:"remaining"`
	LastRedeemedAt      *time.Time `json:"last_redeemed_at,omitempty"`
	CampaignName        string     `json:"campaign_name"`
	CampaignDescription string     `json:"campaign_description,omitempty"`
	CampaignActive      bool       `json:"campaign_active"`
	CampaignExpiresAt   *time.Time `json:"campaign_expires_at,omitempty"`
	ImageURL            string     `json:"image_url,omitempty"`
}

// NewCodeView builds the public view of a code. ImageURL is resolved by the
// caller from the code's asset reference.
func NewCodeView(code *Code, campaign *Campaign) *CodeView {
	return &CodeView{
		Token:               code.Token,
		State:               code.State(),
		UsageCount:          code.UsageCount,
		UsageLimit:          code.UsageLimit,
		Remaining:           code.Remaining(),
		LastRedeemedAt:      code.LastRedeemedAt,
		CampaignName:        campaign.Name,
		CampaignDescription: campaign.Description,
		CampaignActive:      campaign.IsActive,
		CampaignExpiresAt:   campaign.ExpiresAt,
	}
}
