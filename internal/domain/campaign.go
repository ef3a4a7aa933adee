// Package domain contains core business types and interfaces.
//
// This file defines the Campaign domain type. A campaign owns its codes;
// deleting it deletes every code generated for it.
package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Campaign field constraints.
const (
	MaxCampaignNameLength        = 100
	MaxCampaignDescriptionLength = 500
	MaxCodesPerCampaign          = 1000
	DefaultRedemptionLimit       = 1
)

// Campaign is a promotional batch of redemption codes.
type Campaign struct {
	ID                     uuid.UUID  `json:"id"`
	OwnerAccountID         uuid.UUID  `json:"owner_account_id"`
	Name                   string     `json:"name"`
	Description            string     `json:"description,omitempty"`
	RedemptionLimitPerCode int        `json:"redemption_limit_per_code"`
	RequestedCodeCount     int        `json:"requested_code_count"`
	IsActive               bool       `json:"is_active"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// IsExpired returns true if the campaign has an expiry that is not after now.
func (c *Campaign) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// CheckRedeemable returns CampaignInactive or CampaignExpired when codes of
// this campaign cannot be redeemed at now.
func (c *Campaign) CheckRedeemable(op string, now time.Time) error {
	if !c.IsActive {
		return &Error{Code: ECAMPAIGNINACTIVE, Op: op, Message: "campaign is not active"}
	}
	if c.IsExpired(now) {
		return &Error{Code: ECAMPAIGNEXPIRED, Op: op, Message: "campaign has expired"}
	}
	return nil
}

// CreateCampaignParams contains the parameters for creating a campaign and
// its codes.
type CreateCampaignParams struct {
	OwnerAccountID         uuid.UUID
	Name                   string
	Description            string
	RedemptionLimitPerCode int // defaults to 1
	CodeCount              int
	ExpiresAt              *time.Time
	Inactive               bool // create switched off
}

// Normalize trims text fields and applies defaults.
func (p *CreateCampaignParams) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Description = strings.TrimSpace(p.Description)
	if p.RedemptionLimitPerCode == 0 {
		p.RedemptionLimitPerCode = DefaultRedemptionLimit
	}
}

// Validate checks the parameters after Normalize.
func (p *CreateCampaignParams) Validate(op string, now time.Time) error {
	var verr *ValidationError
	add := func(field, msg string) {
		if verr == nil {
			verr = NewValidationError(op, field, msg)
			return
		}
		verr.Fields[field] = msg
	}

	if p.OwnerAccountID == uuid.Nil {
		add("owner_account_id", "owner is required")
	}
	validateName(p.Name, add)
	validateDescription(p.Description, add)
	if p.RedemptionLimitPerCode < 1 {
		add("redemption_limit_per_code", "must be at least 1")
	}
	if p.CodeCount < 1 {
		add("code_count", "must be at least 1")
	} else if p.CodeCount > MaxCodesPerCampaign {
		add("code_count", "must be at most 1000")
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		add("expires_at", "must be in the future")
	}

	if verr != nil {
		return verr
	}
	return nil
}

// NewCampaign materializes a campaign from validated parameters.
func NewCampaign(p CreateCampaignParams, now time.Time) *Campaign {
	return &Campaign{
		ID:                     uuid.New(),
		OwnerAccountID:         p.OwnerAccountID,
		Name:                   p.Name,
		Description:            p.Description,
		RedemptionLimitPerCode: p.RedemptionLimitPerCode,
		RequestedCodeCount:     p.CodeCount,
		IsActive:               !p.Inactive,
		ExpiresAt:              p.ExpiresAt,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// UpdateCampaignParams contains an owner or administrator edit. Nil fields
// are left unchanged.
type UpdateCampaignParams struct {
	ID                     uuid.UUID
	Name                   *string
	Description            *string
	IsActive               *bool
	ExpiresAt              *time.Time
	ClearExpiry            bool
	RedemptionLimitPerCode *int
}

// Apply validates the edit and applies it to c. Existing codes keep the
// limit they were created with.
func (p UpdateCampaignParams) Apply(op string, c *Campaign, now time.Time) error {
	var verr *ValidationError
	add := func(field, msg string) {
		if verr == nil {
			verr = NewValidationError(op, field, msg)
			return
		}
		verr.Fields[field] = msg
	}

	next := *c
	if p.Name != nil {
		next.Name = strings.TrimSpace(*p.Name)
		validateName(next.Name, add)
	}
	if p.Description != nil {
		next.Description = strings.TrimSpace(*p.Description)
		validateDescription(next.Description, add)
	}
	if p.IsActive != nil {
		next.IsActive = *p.IsActive
	}
	if p.ClearExpiry {
		next.ExpiresAt = nil
	} else if p.ExpiresAt != nil {
		expires := *p.ExpiresAt
		next.ExpiresAt = &expires
	}
	if p.RedemptionLimitPerCode != nil {
		next.RedemptionLimitPerCode = *p.RedemptionLimitPerCode
		if next.RedemptionLimitPerCode < 1 {
			add("redemption_limit_per_code", "must be at least 1")
		}
	}

	if verr != nil {
		return verr
	}
	next.UpdatedAt = now
	*c = next
	return nil
}

func validateName(name string, add func(field, msg string)) {
	switch {
	case name == "":
		add("name", "name is required")
	case utf8.RuneCountInString(name) > MaxCampaignNameLength:
		add("name", "must be at most 100 characters")
	}
}

func validateDescription(desc string, add func(field, msg string)) {
	if utf8.RuneCountInString(desc) > MaxCampaignDescriptionLength {
		add("description", "must be at most 500 characters")
	}
}
