package sweeper

import (
	"time"

	"gorm.io/datatypes"
)

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// JobRun is the execution record of one sweep or status sync.
type JobRun struct {
	ID          string         `gorm:"column:id;primaryKey;size:32" json:"id"`
	Task        string         `gorm:"column:task;size:64;not null;index" json:"task"`
	Trigger     string         `gorm:"column:triggered_by;size:16;not null" json:"triggeredBy"` // cron | worker
	Status      RunStatus      `gorm:"column:status;size:20;not null;default:'running'" json:"status"`
	ErrorMsg    string         `gorm:"column:error_msg;type:text" json:"errorMsg,omitempty"`
	StartedAt   time.Time      `gorm:"column:started_at;not null" json:"startedAt"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completedAt,omitempty"`
	Metadata    datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (JobRun) TableName() string {
	return "job_runs"
}

// Result is what one sweep did.
type Result struct {
	Expired  int64 `json:"expired"`
	Restored int64 `json:"restored"`
}

type SyncResult struct {
	DaysEnded      int64 `json:"daysEnded"`
	CampaignsEnded int64 `json:"campaignsEnded"`
}
