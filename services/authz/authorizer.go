package authz

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mission-marketplace/pkg/config"
	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/logger"
	"mission-marketplace/pkg/repository"
)

//go:embed model.conf
var defaultModel string

//go:embed policy.csv
var defaultPolicy string

// Authorizer is the single place where access decisions are made. casbin
// decides whether a role may perform an action on a resource kind and with
// which scope; the scope is then checked against assignments or ownership.
type Authorizer struct {
	db       *gorm.DB
	node     *snowflake.Node
	enforcer *casbin.SyncedEnforcer
	assign   repository.Repository[ManagerAssignment]
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config `optional:"true"`
}

func NewAuthorizer(p Params) (*Authorizer, error) {
	var modelPath, policyPath string
	if p.Config != nil {
		modelPath = p.Config.AccessControl.Model
		policyPath = p.Config.AccessControl.Policy
	}

	enforcer, err := NewEnforcer(modelPath, policyPath)
	if err != nil {
		return nil, err
	}

	return &Authorizer{
		db:       p.DB,
		node:     p.Node,
		enforcer: enforcer,
		assign:   repository.ProvideStore[ManagerAssignment](p.DB),
	}, nil
}

// NewEnforcer loads the casbin model and policy from the given files, or the
// embedded defaults when a path is empty.
func NewEnforcer(modelPath, policyPath string) (*casbin.SyncedEnforcer, error) {
	var (
		m   model.Model
		err error
	)
	if modelPath != "" {
		m, err = model.NewModelFromFile(modelPath)
	} else {
		m, err = model.NewModelFromString(defaultModel)
	}
	if err != nil {
		return nil, fmt.Errorf("load casbin model: %w", err)
	}

	var e *casbin.SyncedEnforcer
	if policyPath != "" {
		e, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(policyPath))
	} else {
		e, err = casbin.NewSyncedEnforcer(m, stringadapter.NewAdapter(defaultPolicy))
	}
	if err != nil {
		return nil, fmt.Errorf("load casbin policy: %w", err)
	}
	return e, nil
}

// Check returns nil when actor may perform action on res, Forbidden
// otherwise. tx may be nil; when set, the assignment lookup joins the
// caller's transaction.
func (a *Authorizer) Check(ctx context.Context, tx *gorm.DB, actor Actor, res Resource, action string) error {
	if actor.ID == "" || !actor.Role.Valid() {
		return errutil.Forbidden("access denied", nil)
	}

	ok, rule, err := a.enforcer.EnforceEx(string(actor.Role), res.Kind, action)
	if err != nil {
		return errutil.Internal("failed to evaluate access policy", err)
	}
	if !ok {
		return a.deny(ctx, actor, res, action, "no matching policy")
	}

	scope := scopeAny
	if len(rule) >= 4 {
		scope = rule[3]
	}

	switch scope {
	case scopeAny:
		return nil
	case scopeOwner:
		if res.OwnerID != "" && res.OwnerID == actor.ID {
			return nil
		}
		return a.deny(ctx, actor, res, action, "not the owner")
	case scopeAssigned:
		assigned, err := a.IsAssigned(ctx, tx, actor.ID, res.AdvertiserID)
		if err != nil {
			return err
		}
		if assigned {
			return nil
		}
		return a.deny(ctx, actor, res, action, "no active assignment")
	default:
		return a.deny(ctx, actor, res, action, "unknown scope "+scope)
	}
}

func (a *Authorizer) deny(ctx context.Context, actor Actor, res Resource, action, why string) error {
	logger.FromContext(ctx).Debug("access denied",
		zap.String("actor_id", actor.ID),
		zap.String("role", string(actor.Role)),
		zap.String("kind", res.Kind),
		zap.String("action", action),
		zap.String("reason", why),
	)
	return errutil.Forbidden("access denied", nil)
}

func (a *Authorizer) IsAssigned(ctx context.Context, tx *gorm.DB, managerID, advertiserID string) (bool, error) {
	if managerID == "" || advertiserID == "" {
		return false, nil
	}
	repo := a.assign
	if tx != nil {
		repo = repo.WithTrx(tx)
	}
	n, err := repo.Count(ctx, &ManagerAssignment{ManagerID: managerID, AdvertiserID: advertiserID, Active: true})
	if err != nil {
		return false, errutil.Internal("failed to load manager assignment", err)
	}
	return n > 0, nil
}

// Assign activates (or creates) the assignment of a manager to an advertiser.
func (a *Authorizer) Assign(ctx context.Context, managerID, advertiserID string) (*ManagerAssignment, error) {
	if managerID == "" || advertiserID == "" {
		return nil, errutil.ValidationFailed("managerId and advertiserId are required", nil)
	}

	row := &ManagerAssignment{
		ID:           a.node.Generate().String(),
		ManagerID:    managerID,
		AdvertiserID: advertiserID,
		Active:       true,
	}
	err := a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "manager_id"}, {Name: "advertiser_id"}},
		DoUpdates: clause.Assignments(map[string]any{"active": true, "updated_at": gorm.Expr("CURRENT_TIMESTAMP")}),
	}).Create(row).Error
	if err != nil {
		return nil, errutil.Internal("failed to save manager assignment", err)
	}

	current, err := a.assign.FindOne(ctx, &ManagerAssignment{ManagerID: managerID, AdvertiserID: advertiserID})
	if err != nil || current == nil {
		return nil, errutil.Internal("failed to load manager assignment", err)
	}
	return current, nil
}

// Unassign deactivates the assignment; the row is kept for history.
func (a *Authorizer) Unassign(ctx context.Context, managerID, advertiserID string) error {
	res := a.db.WithContext(ctx).Model(&ManagerAssignment{}).
		Where("manager_id = ? AND advertiser_id = ? AND active = ?", managerID, advertiserID, true).
		Updates(map[string]any{"active": false, "updated_at": gorm.Expr("CURRENT_TIMESTAMP")})
	if res.Error != nil {
		return errutil.Internal("failed to update manager assignment", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound("active assignment not found", nil)
	}
	return nil
}

func (a *Authorizer) ListAssignments(ctx context.Context, managerID string) ([]*ManagerAssignment, error) {
	rows, err := a.assign.Find(ctx, &ManagerAssignment{ManagerID: managerID, Active: true})
	if err != nil {
		return nil, errutil.Internal("failed to list manager assignments", err)
	}
	return rows, nil
}
