package campaign

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mission-marketplace/pkg/db/option"
	"mission-marketplace/pkg/db/pagination"
	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/logger"
	"mission-marketplace/pkg/repository"
	"mission-marketplace/services/audit"
	"mission-marketplace/services/authz"
	"mission-marketplace/services/policy"
	"mission-marketplace/services/quota"
)

// ========================================================
// Service Definition
// ========================================================

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	policy *policy.Provider
	quota  *quota.Allocator
	authz  *authz.Authorizer
	audit  *audit.Sink

	campaign repository.Repository[Campaign]
	now      func() time.Time
}

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Node   *snowflake.Node
	Policy *policy.Provider
	Quota  *quota.Allocator
	Authz  *authz.Authorizer
	Audit  *audit.Sink
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		policy:   p.Policy,
		quota:    p.Quota,
		authz:    p.Authz,
		audit:    p.Audit,
		campaign: repository.ProvideStore[Campaign](p.DB),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithTrx returns a Service whose reads run inside tx.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	clone := *s
	clone.db = tx
	clone.campaign = s.campaign.WithTrx(tx)
	clone.quota = s.quota.WithTrx(tx)
	return &clone
}

type CreateRequest struct {
	AdvertiserID string          `json:"advertiserId"`
	Name         string          `json:"name" binding:"required,max=255"`
	PlaceName    string          `json:"placeName" binding:"max=255"`
	MissionType  MissionType     `json:"missionType" binding:"required"`
	StartDate    time.Time       `json:"startDate" binding:"required"`
	EndDate      time.Time       `json:"endDate" binding:"required"`
	DailyTarget  int             `json:"dailyTarget" binding:"required,gt=0"`
	UnitPriceKRW int64           `json:"unitPriceKrw" binding:"required,gt=0"`
	RewardKRW    int64           `json:"rewardKrw" binding:"required,gt=0"`
	Metadata     json.RawMessage `json:"metadata"`
}

func (s *Service) validate(ctx context.Context, req *CreateRequest) error {
	var details []errutil.Detail
	if strings.TrimSpace(req.Name) == "" {
		details = append(details, errutil.Detail{Field: "name", Message: "required"})
	}
	if !req.MissionType.Valid() {
		details = append(details, errutil.Detail{Field: "missionType", Message: "must be TRAFFIC, SAVE or SHARE"})
	}
	if quota.DateOnly(req.EndDate).Before(quota.DateOnly(req.StartDate)) {
		details = append(details, errutil.Detail{Field: "endDate", Message: "must not be before startDate"})
	}
	if req.DailyTarget <= 0 {
		details = append(details, errutil.Detail{Field: "dailyTarget", Message: "must be positive"})
	}

	minPrice := s.policy.Int(ctx, policy.KeyUnitPriceMin, policy.DefaultUnitPriceMin)
	maxPrice := s.policy.Int(ctx, policy.KeyUnitPriceMax, policy.DefaultUnitPriceMax)
	if req.UnitPriceKRW < minPrice || req.UnitPriceKRW > maxPrice {
		details = append(details, errutil.Detail{Field: "unitPriceKrw", Message: "outside the allowed price range"})
	}
	if req.RewardKRW <= 0 || req.RewardKRW > req.UnitPriceKRW {
		details = append(details, errutil.Detail{Field: "rewardKrw", Message: "must be positive and not exceed unitPriceKrw"})
	}

	if len(details) > 0 {
		return errutil.ValidationFailed("invalid campaign", nil, errutil.WithDetails(details...))
	}
	return nil
}

// ========================================================
// Lifecycle
// ========================================================

// Create stores a DRAFT campaign. An advertiser always creates for itself.
func (s *Service) Create(ctx context.Context, actor authz.Actor, req CreateRequest) (*Campaign, error) {
	if actor.Role == authz.RoleAdvertiser {
		req.AdvertiserID = actor.ID
	}
	if req.AdvertiserID == "" {
		return nil, errutil.ValidationFailed("advertiserId is required", nil)
	}
	if err := s.authz.Check(ctx, nil, actor, resourceOf(req.AdvertiserID), authz.ActionManage); err != nil {
		return nil, err
	}
	if err := s.validate(ctx, &req); err != nil {
		return nil, err
	}

	id := s.node.Generate().String()
	c := &Campaign{
		ID:           id,
		AdvertiserID: req.AdvertiserID,
		Name:         strings.TrimSpace(req.Name),
		Slug:         campaignSlug(req.Name, id),
		PlaceName:    req.PlaceName,
		MissionType:  req.MissionType,
		StartDate:    quota.DateOnly(req.StartDate),
		EndDate:      quota.DateOnly(req.EndDate),
		DailyTarget:  req.DailyTarget,
		UnitPriceKRW: req.UnitPriceKRW,
		RewardKRW:    req.RewardKRW,
		Status:       StatusDraft,
	}
	if len(req.Metadata) > 0 {
		c.Metadata = []byte(req.Metadata)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.campaign.WithTrx(tx).Create(ctx, c); err != nil {
			return errutil.Internal("failed to create campaign", err)
		}
		return s.audit.Write(ctx, tx, audit.Entry{
			ActorID:    actor.ID,
			Action:     audit.ActionCampaignCreated,
			EntityType: "campaign",
			EntityID:   c.ID,
			Metadata:   map[string]any{"advertiserId": c.AdvertiserID, "dailyTarget": c.DailyTarget},
		})
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Activate opens a DRAFT or PAUSED campaign and makes sure every date in its
// range has a mission day. Days paused with the campaign are reopened.
func (s *Service) Activate(ctx context.Context, actor authz.Actor, id string) (*Campaign, error) {
	return s.transition(ctx, actor, id, []Status{StatusDraft, StatusPaused}, StatusActive,
		func(a *quota.Allocator, c *Campaign) error {
			if quota.DateOnly(c.EndDate).Before(quota.DateOnly(s.now())) {
				return errutil.InvalidState("campaign has already ended", nil)
			}
			if _, err := a.CreateDays(ctx, c.ID, c.StartDate, c.EndDate, c.DailyTarget); err != nil {
				return err
			}
			_, err := a.SetStatusForCampaign(ctx, c.ID, quota.DayPaused, quota.DayActive)
			return err
		})
}

func (s *Service) Pause(ctx context.Context, actor authz.Actor, id string) (*Campaign, error) {
	return s.transition(ctx, actor, id, []Status{StatusActive}, StatusPaused,
		func(a *quota.Allocator, c *Campaign) error {
			_, err := a.SetStatusForCampaign(ctx, c.ID, quota.DayActive, quota.DayPaused)
			return err
		})
}

func (s *Service) End(ctx context.Context, actor authz.Actor, id string) (*Campaign, error) {
	return s.transition(ctx, actor, id, []Status{StatusDraft, StatusActive, StatusPaused}, StatusEnded, endDays(ctx))
}

func endDays(ctx context.Context) func(*quota.Allocator, *Campaign) error {
	return func(a *quota.Allocator, c *Campaign) error {
		for _, from := range []quota.DayStatus{quota.DayActive, quota.DayPaused} {
			if _, err := a.SetStatusForCampaign(ctx, c.ID, from, quota.DayEnded); err != nil {
				return err
			}
		}
		return nil
	}
}

func (s *Service) transition(
	ctx context.Context,
	actor authz.Actor,
	id string,
	from []Status,
	to Status,
	days func(*quota.Allocator, *Campaign) error,
) (*Campaign, error) {
	var out *Campaign
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc := s.WithTrx(tx)
		c, err := svc.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.authz.Check(ctx, tx, actor, resourceOf(c.AdvertiserID), authz.ActionManage); err != nil {
			return err
		}

		res := tx.Model(&Campaign{}).
			Where("id = ? AND status IN ?", c.ID, from).
			Updates(map[string]any{"status": to, "updated_at": s.now()})
		if res.Error != nil {
			return errutil.Internal("failed to update campaign", res.Error)
		}
		if res.RowsAffected == 0 {
			return errutil.InvalidState("campaign cannot move from "+string(c.Status)+" to "+string(to), nil)
		}

		prev := c.Status
		c.Status = to
		if err := days(svc.quota, c); err != nil {
			return err
		}

		out = c
		return s.audit.Write(ctx, tx, audit.Entry{
			ActorID:    actor.ID,
			Action:     audit.ActionCampaignStatus,
			EntityType: "campaign",
			EntityID:   c.ID,
			Metadata:   map[string]any{"from": prev, "to": to},
		})
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("campaign status changed",
		zap.String("campaign_id", id),
		zap.String("status", string(to)),
		zap.String("actor_id", actor.ID),
	)
	return out, nil
}

// EndExpired ends every ACTIVE or PAUSED campaign whose last date is before
// today, together with its remaining mission days.
func (s *Service) EndExpired(ctx context.Context, today time.Time) (int64, error) {
	var ended int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc := s.WithTrx(tx)

		var ids []string
		if err := tx.Model(&Campaign{}).
			Where("end_date < ? AND status IN ?", quota.DateOnly(today), []Status{StatusActive, StatusPaused}).
			Pluck("id", &ids).Error; err != nil {
			return errutil.Internal("failed to list expired campaigns", err)
		}
		if len(ids) == 0 {
			return nil
		}

		res := tx.Model(&Campaign{}).
			Where("id IN ? AND status IN ?", ids, []Status{StatusActive, StatusPaused}).
			Updates(map[string]any{"status": StatusEnded, "updated_at": s.now()})
		if res.Error != nil {
			return errutil.Internal("failed to end campaigns", res.Error)
		}
		ended = res.RowsAffected

		end := endDays(ctx)
		for _, id := range ids {
			if err := end(svc.quota, &Campaign{ID: id}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ended, nil
}

// ========================================================
// Reads
// ========================================================

func (s *Service) Get(ctx context.Context, id string) (*Campaign, error) {
	c, err := s.campaign.FindOne(ctx, &Campaign{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load campaign", err)
	}
	if c == nil {
		return nil, errutil.NotFound("campaign not found", nil)
	}
	return c, nil
}

func (s *Service) GetBySlug(ctx context.Context, value string) (*Campaign, error) {
	c, err := s.campaign.FindOne(ctx, &Campaign{Slug: value})
	if err != nil {
		return nil, errutil.Internal("failed to load campaign", err)
	}
	if c == nil {
		return nil, errutil.NotFound("campaign not found", nil)
	}
	return c, nil
}

// campaignSlug is the URL name of a campaign. Hangul is romanized; the id
// suffix keeps slugs of same-named campaigns apart.
func campaignSlug(name, id string) string {
	suffix := id
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	base := slug.Make(name)
	if len(base) > 150 {
		base = strings.TrimRight(base[:150], "-")
	}
	if base == "" {
		return "campaign-" + suffix
	}
	return base + "-" + suffix
}

type ListFilter struct {
	AdvertiserID string `form:"advertiserId"`
	Status       Status `form:"status"`
	pagination.Pagination
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*Campaign, *pagination.PageInfo, error) {
	var conds []option.Condition
	if f.AdvertiserID != "" {
		conds = append(conds, option.Condition{Field: "advertiser_id", Operator: option.EQ, Value: f.AdvertiserID})
	}
	if f.Status != "" {
		conds = append(conds, option.Condition{Field: "status", Operator: option.EQ, Value: f.Status})
	}

	rows, err := s.campaign.Find(ctx, &Campaign{}, option.ApplyOperator(conds...), option.ApplyPagination(f.Pagination))
	if err != nil {
		return nil, nil, errutil.Internal("failed to list campaigns", err)
	}
	rows, info := pagination.Page(rows, f.Limit, func(c *Campaign) string {
		return pagination.CursorFor(c.CreatedAt, c.ID)
	})
	return rows, info, nil
}

// MissionDays lists the campaign's days, oldest first.
func (s *Service) MissionDays(ctx context.Context, id string) ([]*quota.MissionDay, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.quota.ListByCampaign(ctx, id)
}

func resourceOf(advertiserID string) authz.Resource {
	return authz.Resource{Kind: authz.KindCampaign, AdvertiserID: advertiserID, OwnerID: advertiserID}
}
