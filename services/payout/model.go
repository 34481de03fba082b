package payout

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
)

// Holding lists the statuses whose amount is earmarked against credit.
var Holding = []Status{StatusRequested, StatusApproved}

type BankInfo struct {
	BankName      string `json:"bankName" binding:"required,max=64"`
	AccountNumber string `json:"accountNumber" binding:"required,max=64"`
	AccountHolder string `json:"accountHolder" binding:"required,max=64"`
}

// PayoutRequest is a member's withdrawal of earned credit. Its amount is
// held from the moment it is requested until it is rejected.
type PayoutRequest struct {
	ID           string                       `gorm:"column:id;primaryKey;size:32" json:"id"`
	Code         string                       `gorm:"column:code;size:32;not null;uniqueIndex" json:"code"`
	RewarderID   string                       `gorm:"column:rewarder_id;size:32;not null;index" json:"rewarderId"`
	AmountKRW    int64                        `gorm:"column:amount_krw;not null" json:"amountKrw"`
	Status       Status                       `gorm:"column:status;size:16;not null;index" json:"status"`
	BankInfo     datatypes.JSONType[BankInfo] `gorm:"column:bank_info" json:"bankInfo"`
	DecidedBy    string                       `gorm:"column:decided_by;size:32" json:"decidedBy,omitempty"`
	DecidedAt    *time.Time                   `gorm:"column:decided_at" json:"decidedAt,omitempty"`
	RejectReason string                       `gorm:"column:reject_reason;size:200" json:"rejectReason,omitempty"`
	CreatedAt    time.Time                    `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt    time.Time                    `gorm:"column:updated_at" json:"updatedAt"`
}

func (PayoutRequest) TableName() string {
	return "payout_requests"
}
