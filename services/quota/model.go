package quota

import "time"

type DayStatus string

const (
	DayActive DayStatus = "ACTIVE"
	DayPaused DayStatus = "PAUSED"
	DayEnded  DayStatus = "ENDED"
)

// MissionDay carries one calendar day of a campaign's quota.
// 0 <= QuotaRemaining <= QuotaTotal always holds; QuotaTotal never changes.
type MissionDay struct {
	ID             string    `gorm:"column:id;primaryKey;size:32" json:"id"`
	CampaignID     string    `gorm:"column:campaign_id;size:32;not null;uniqueIndex:uq_mission_days_campaign_date" json:"campaignId"`
	Date           time.Time `gorm:"column:date;not null;uniqueIndex:uq_mission_days_campaign_date;index" json:"date"`
	QuotaTotal     int       `gorm:"column:quota_total;not null" json:"quotaTotal"`
	QuotaRemaining int       `gorm:"column:quota_remaining;not null" json:"quotaRemaining"`
	Status         DayStatus `gorm:"column:status;size:16;not null;index" json:"status"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (MissionDay) TableName() string {
	return "mission_days"
}

// DateOnly truncates t to its UTC calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
