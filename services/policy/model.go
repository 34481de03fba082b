package policy

import (
	"time"

	"gorm.io/datatypes"
)

const (
	KeyTimeoutTraffic = "mission.timeout.TRAFFIC"
	KeyTimeoutSave    = "mission.timeout.SAVE"
	KeyTimeoutShare   = "mission.timeout.SHARE"
	KeyPayoutMin      = "payout.min_amount_krw"
	KeyUnitPriceMin   = "campaign.unit_price.min_krw"
	KeyUnitPriceMax   = "campaign.unit_price.max_krw"
)

const (
	DefaultPayoutMinKRW   int64 = 10_000
	DefaultUnitPriceMin   int64 = 100
	DefaultUnitPriceMax   int64 = 1_000_000
	DefaultTrafficTimeout       = 3 * time.Minute
	DefaultSaveTimeout          = 5 * time.Minute
	DefaultShareTimeout         = 2 * time.Minute
)

// Policy is one version of a configuration value. Only the newest active
// version of a key is ever served.
type Policy struct {
	ID        string         `gorm:"column:id;primaryKey" json:"id"`
	Key       string         `gorm:"column:policy_key;size:128;not null;uniqueIndex:uq_policies_key_version" json:"key"`
	Value     datatypes.JSON `gorm:"column:value" json:"value"`
	Version   int64          `gorm:"column:version;not null;uniqueIndex:uq_policies_key_version" json:"version"`
	IsActive  bool           `gorm:"column:is_active;not null;default:true" json:"isActive"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"createdAt"`
}

func (Policy) TableName() string {
	return "policies"
}

// TimeoutKey returns the policy key holding the claim timeout (in seconds)
// for a mission type.
func TimeoutKey(missionType string) string {
	return "mission.timeout." + missionType
}

// DefaultTimeout is the hardcoded claim timeout used when no policy exists.
func DefaultTimeout(missionType string) time.Duration {
	switch missionType {
	case "SAVE":
		return DefaultSaveTimeout
	case "SHARE":
		return DefaultShareTimeout
	default:
		return DefaultTrafficTimeout
	}
}
