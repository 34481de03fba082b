package participation

import (
	"time"

	"mission-marketplace/pkg/db"
)

type Status string

const (
	StatusInProgress    Status = "IN_PROGRESS"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusManualReview  Status = "MANUAL_REVIEW"
	StatusApproved      Status = "APPROVED"
	StatusRejected      Status = "REJECTED"
	StatusExpired       Status = "EXPIRED"
)

// Open lists the statuses that hold a quota slot and block another claim of
// the same mission day by the same member.
var Open = []Status{StatusInProgress, StatusPendingReview, StatusManualReview}

// Reviewable lists the statuses a review decision may start from.
var Reviewable = []Status{StatusPendingReview, StatusManualReview}

func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

type Participation struct {
	ID            string     `gorm:"column:id;primaryKey;size:32" json:"id"`
	MissionDayID  string     `gorm:"column:mission_day_id;size:32;not null;index:idx_participations_day_rewarder" json:"missionDayId"`
	RewarderID    string     `gorm:"column:rewarder_id;size:32;not null;index:idx_participations_day_rewarder;index" json:"rewarderId"`
	Status        Status     `gorm:"column:status;size:20;not null;index:idx_participations_status_expires" json:"status"`
	ProofText     string     `gorm:"column:proof_text;type:text" json:"proofText,omitempty"`
	FailureReason string     `gorm:"column:failure_reason;size:200" json:"failureReason,omitempty"`
	SubmittedAt   *time.Time `gorm:"column:submitted_at" json:"submittedAt,omitempty"`
	DecidedAt     *time.Time `gorm:"column:decided_at" json:"decidedAt,omitempty"`
	ExpiresAt     time.Time  `gorm:"column:expires_at;not null;index:idx_participations_status_expires" json:"expiresAt"`
	CreatedAt     time.Time  `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt     time.Time  `gorm:"column:updated_at" json:"updatedAt"`
}

func (Participation) TableName() string {
	return "participations"
}

type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// VerificationResult records the manual review decision of a participation.
type VerificationResult struct {
	ID              string    `gorm:"column:id;primaryKey;size:32" json:"id"`
	ParticipationID string    `gorm:"column:participation_id;size:32;not null;uniqueIndex" json:"participationId"`
	Decision        Decision  `gorm:"column:decision;size:16;not null" json:"decision"`
	DecidedBy       string    `gorm:"column:decided_by;size:32;not null" json:"decidedBy"`
	DecidedAt       time.Time `gorm:"column:decided_at;not null" json:"decidedAt"`
	Comments        string    `gorm:"column:comments;type:text" json:"comments,omitempty"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (VerificationResult) TableName() string {
	return "verification_results"
}

// Statements holds the open-participation uniqueness index. MySQL has no
// partial indexes; there the mission day row lock taken by Claim serializes
// claims of the same day.
var Statements = []db.Statement{
	{
		Name:     "uq_participations_open",
		Dialects: []string{"postgres", "sqlite"},
		SQL: `CREATE UNIQUE INDEX IF NOT EXISTS uq_participations_open
ON participations (rewarder_id, mission_day_id)
WHERE status IN ('IN_PROGRESS', 'PENDING_REVIEW', 'MANUAL_REVIEW')`,
	},
}
