package campaign

import (
	"time"

	"gorm.io/datatypes"

	"mission-marketplace/services/quota"
)

type Status string
type MissionType string

const (
	StatusDraft  Status = "DRAFT"
	StatusActive Status = "ACTIVE"
	StatusPaused Status = "PAUSED"
	StatusEnded  Status = "ENDED"

	MissionTraffic MissionType = "TRAFFIC"
	MissionSave    MissionType = "SAVE"
	MissionShare   MissionType = "SHARE"
)

func (m MissionType) Valid() bool {
	switch m {
	case MissionTraffic, MissionSave, MissionShare:
		return true
	}
	return false
}

// Campaign is an advertiser's recurring mission. Each date between StartDate
// and EndDate gets its own quota.MissionDay with DailyTarget slots.
type Campaign struct {
	ID           string         `gorm:"column:id;primaryKey;size:32" json:"id"`
	AdvertiserID string         `gorm:"column:advertiser_id;size:32;not null;index" json:"advertiserId"`
	Name         string         `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Slug         string         `gorm:"column:slug;size:200;uniqueIndex" json:"slug"`
	PlaceName    string         `gorm:"column:place_name;type:varchar(255)" json:"placeName"`
	MissionType  MissionType    `gorm:"column:mission_type;size:16;not null" json:"missionType"`
	StartDate    time.Time      `gorm:"column:start_date;not null" json:"startDate"`
	EndDate      time.Time      `gorm:"column:end_date;not null;index" json:"endDate"`
	DailyTarget  int            `gorm:"column:daily_target;not null" json:"dailyTarget"`
	UnitPriceKRW int64          `gorm:"column:unit_price_krw;not null" json:"unitPriceKrw"`
	RewardKRW    int64          `gorm:"column:reward_krw;not null" json:"rewardKrw"`
	Status       Status         `gorm:"column:status;size:16;not null;default:'DRAFT';index" json:"status"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

// IsOpenOn reports whether members can claim missions of the campaign on the
// UTC date of today.
func (c *Campaign) IsOpenOn(today time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	d := quota.DateOnly(today)
	return !d.Before(quota.DateOnly(c.StartDate)) && !d.After(quota.DateOnly(c.EndDate))
}
