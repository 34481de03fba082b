package audit

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ActionMissionClaimed        = "MISSION_CLAIMED"
	ActionParticipationSubmit   = "PARTICIPATION_SUBMITTED"
	ActionParticipationApproved = "PARTICIPATION_APPROVED"
	ActionParticipationRejected = "PARTICIPATION_REJECTED"
	ActionParticipationExpired  = "PARTICIPATION_EXPIRED"
	ActionExpirySweep           = "PARTICIPATION_EXPIRY_SWEEP"
	ActionStatusSync            = "MISSION_STATUS_SYNC"
	ActionCampaignCreated       = "CAMPAIGN_CREATED"
	ActionCampaignStatus        = "CAMPAIGN_STATUS_CHANGED"
	ActionBudgetDeposit         = "BUDGET_DEPOSIT"
	ActionPayoutRequested       = "PAYOUT_REQUESTED"
	ActionPayoutApproved        = "PAYOUT_APPROVED"
	ActionPayoutRejected        = "PAYOUT_REJECTED"
)

type Log struct {
	ID         string         `gorm:"column:id;primaryKey;size:32" json:"id"`
	ActorID    string         `gorm:"column:actor_id;size:32;index" json:"actorId"`
	Action     string         `gorm:"column:action;size:64;not null;index" json:"action"`
	EntityType string         `gorm:"column:entity_type;size:32" json:"entityType"`
	EntityID   string         `gorm:"column:entity_id;size:64;index" json:"entityId"`
	Metadata   datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	CreatedAt  time.Time      `gorm:"column:created_at" json:"createdAt"`
}

func (Log) TableName() string {
	return "audit_logs"
}

// Entry is what callers hand to the sink.
type Entry struct {
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	Metadata   map[string]any
}
