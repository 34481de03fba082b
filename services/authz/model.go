package authz

import "time"

type Role string

const (
	RoleSuper      Role = "SUPER"
	RoleManager    Role = "MANAGER"
	RoleAdvertiser Role = "ADVERTISER"
	RoleMember     Role = "MEMBER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSuper, RoleManager, RoleAdvertiser, RoleMember:
		return true
	}
	return false
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role Role
}

// System is the actor recorded for scheduler driven transitions.
var System = Actor{ID: "system", Role: RoleSuper}

// Resource describes what an action targets. AdvertiserID scopes manager
// access, OwnerID scopes access for the owning advertiser or member.
type Resource struct {
	Kind         string
	AdvertiserID string
	OwnerID      string
}

const (
	KindParticipation = "participation"
	KindMission       = "mission"
	KindCampaign      = "campaign"
	KindBalance       = "balance"
	KindPayout        = "payout"
	KindPolicy        = "policy"
	KindAssignment    = "assignment"
)

const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionClaim   = "claim"
	ActionSubmit  = "submit"
	ActionRead    = "read"
	ActionRequest = "request"
	ActionDecide  = "decide"
	ActionManage  = "manage"
	ActionWrite   = "write"
)

const (
	scopeAny      = "any"
	scopeAssigned = "assigned"
	scopeOwner    = "owner"
)

// ManagerAssignment grants a MANAGER access to one advertiser's resources
// while Active.
type ManagerAssignment struct {
	ID           string    `gorm:"column:id;primaryKey;size:32" json:"id"`
	ManagerID    string    `gorm:"column:manager_id;size:32;not null;uniqueIndex:uq_manager_assignments_pair" json:"managerId"`
	AdvertiserID string    `gorm:"column:advertiser_id;size:32;not null;uniqueIndex:uq_manager_assignments_pair;index" json:"advertiserId"`
	Active       bool      `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (ManagerAssignment) TableName() string {
	return "manager_assignments"
}
