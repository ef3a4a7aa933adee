package domain

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML accepts a non-negative integer or the word "unlimited".
func (l *Limit) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if strings.EqualFold(raw, "unlimited") {
		*l = Unlimited
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("line %d: limit must be an integer or \"unlimited\", got %q", value.Line, raw)
	}
	if n < 0 {
		return fmt.Errorf("line %d: limit must not be negative, got %d", value.Line, n)
	}
	*l = Limit(n)
	return nil
}

// MarshalYAML writes Unlimited back as "unlimited".
func (l Limit) MarshalYAML() (interface{}, error) {
	if l.IsUnlimited() {
		return "unlimited", nil
	}
	return int64(l), nil
}

type quotaFile struct {
	Tiers map[SubscriptionTier]struct {
		CampaignsPerMonth *Limit `yaml:"campaigns_per_month"`
		CodesPerMonth     *Limit `yaml:"codes_per_month"`
	} `yaml:"tiers"`
}

// ParseQuotaPolicy reads a YAML tier table:
//
//	tiers:
//	  free:
//	    campaigns_per_month: 3
//	    codes_per_month: 5
//	  pro:
//	    campaigns_per_month: unlimited
//	    codes_per_month: unlimited
//
// Only known tiers are accepted and both limits are required per tier.
func ParseQuotaPolicy(data []byte) (QuotaPolicy, error) {
	var file quotaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return QuotaPolicy{}, fmt.Errorf("parse quota policy: %w", err)
	}

	tiers := make(map[SubscriptionTier]TierQuota, len(file.Tiers))
	for tier, entry := range file.Tiers {
		if !tier.IsValid() {
			return QuotaPolicy{}, fmt.Errorf("parse quota policy: unknown tier %q", tier)
		}
		if entry.CampaignsPerMonth == nil || entry.CodesPerMonth == nil {
			return QuotaPolicy{}, fmt.Errorf("parse quota policy: tier %q needs campaigns_per_month and codes_per_month", tier)
		}
		tiers[tier] = TierQuota{
			CampaignsPerMonth: *entry.CampaignsPerMonth,
			CodesPerMonth:     *entry.CodesPerMonth,
		}
	}

	return NewQuotaPolicy(tiers), nil
}

// LoadQuotaPolicy reads the policy file at path. An empty path yields the
// default policy.
func LoadQuotaPolicy(path string) (QuotaPolicy, error) {
	if path == "" {
		return DefaultQuotaPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return QuotaPolicy{}, fmt.Errorf("read quota policy: %w", err)
	}
	return ParseQuotaPolicy(data)
}
