package ledger

import (
	"time"

	"gorm.io/datatypes"
)

type Reason string

const (
	ReasonDeposit               Reason = "DEPOSIT"
	ReasonMissionApprovedCharge Reason = "MISSION_APPROVED_CHARGE"
	ReasonAdjustment            Reason = "ADJUSTMENT"
	ReasonMissionReward         Reason = "MISSION_REWARD"
)

func (r Reason) validBudget() bool {
	switch r {
	case ReasonDeposit, ReasonMissionApprovedCharge, ReasonAdjustment:
		return true
	}
	return false
}

func (r Reason) validCredit() bool {
	switch r {
	case ReasonMissionReward, ReasonAdjustment:
		return true
	}
	return false
}

// BudgetEntry is a signed movement on an advertiser's budget. (reason,
// ref_id) identifies the business event and is unique.
type BudgetEntry struct {
	ID           string         `gorm:"column:id;primaryKey;size:32" json:"id"`
	AdvertiserID string         `gorm:"column:advertiser_id;size:32;not null;index" json:"advertiserId"`
	AmountKRW    int64          `gorm:"column:amount_krw;not null" json:"amountKrw"`
	Reason       Reason         `gorm:"column:reason;size:40;not null;uniqueIndex:uq_budget_ledgers_reason_ref" json:"reason"`
	RefID        string         `gorm:"column:ref_id;size:64;not null;uniqueIndex:uq_budget_ledgers_reason_ref" json:"refId"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at;index" json:"createdAt"`
}

func (BudgetEntry) TableName() string {
	return "budget_ledgers"
}

// CreditEntry is a signed movement on a member's credit.
type CreditEntry struct {
	ID         string         `gorm:"column:id;primaryKey;size:32" json:"id"`
	RewarderID string         `gorm:"column:rewarder_id;size:32;not null;index" json:"rewarderId"`
	AmountKRW  int64          `gorm:"column:amount_krw;not null" json:"amountKrw"`
	Reason     Reason         `gorm:"column:reason;size:40;not null;uniqueIndex:uq_credit_ledgers_reason_ref" json:"reason"`
	RefID      string         `gorm:"column:ref_id;size:64;not null;uniqueIndex:uq_credit_ledgers_reason_ref" json:"refId"`
	Metadata   datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time      `gorm:"column:created_at;index" json:"createdAt"`
}

func (CreditEntry) TableName() string {
	return "credit_ledgers"
}
