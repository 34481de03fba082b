package quota

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mission-marketplace/pkg/db/option"
	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/logger"
	"mission-marketplace/pkg/repository"
)

var Module = fx.Module("quota.allocator",
	fx.Provide(NewAllocator),
)

// Allocator owns every write to mission_days.quota_remaining. Each write is
// a single conditional UPDATE; the counter is never read and written back.
type Allocator struct {
	db   *gorm.DB
	node *snowflake.Node
	repo repository.Repository[MissionDay]
}

type Params struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
}

func NewAllocator(p Params) *Allocator {
	return &Allocator{
		db:   p.DB,
		node: p.Node,
		repo: repository.ProvideStore[MissionDay](p.DB),
	}
}

func (a *Allocator) WithTrx(tx *gorm.DB) *Allocator {
	if tx == nil {
		return a
	}
	return &Allocator{db: tx, node: a.node, repo: a.repo.WithTrx(tx)}
}

// TryReserveSlot takes one slot from an ACTIVE mission day of an ACTIVE
// campaign. false means nothing was taken (sold out or not open).
func (a *Allocator) TryReserveSlot(ctx context.Context, missionDayID string) (bool, error) {
	res := a.db.WithContext(ctx).Model(&MissionDay{}).
		Where("id = ? AND quota_remaining > 0 AND status = ?", missionDayID, DayActive).
		Where("campaign_id IN (?)", a.db.Table("campaigns").Select("id").Where("status = ?", "ACTIVE")).
		UpdateColumns(map[string]any{
			"quota_remaining": gorm.Expr("quota_remaining - 1"),
			"updated_at":      gorm.Expr("CURRENT_TIMESTAMP"),
		})
	if res.Error != nil {
		return false, errutil.Internal("failed to reserve quota", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RestoreSlot gives back count slots, capped at quota_total. It returns the
// number of rows touched (0 or 1).
func (a *Allocator) RestoreSlot(ctx context.Context, missionDayID string, count int) (int64, error) {
	if count <= 0 {
		return 0, nil
	}
	res := a.db.WithContext(ctx).Model(&MissionDay{}).
		Where("id = ?", missionDayID).
		UpdateColumns(map[string]any{
			"quota_remaining": gorm.Expr(
				"CASE WHEN quota_remaining + ? > quota_total THEN quota_total ELSE quota_remaining + ? END", count, count),
			"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
		})
	if res.Error != nil {
		return 0, errutil.Internal("failed to restore quota", res.Error)
	}
	if res.RowsAffected == 0 {
		logger.FromContext(ctx).Warn("quota restore matched no mission day", zap.String("mission_day_id", missionDayID))
	}
	return res.RowsAffected, nil
}

func (a *Allocator) Get(ctx context.Context, missionDayID string) (*MissionDay, error) {
	day, err := a.repo.FindOne(ctx, &MissionDay{ID: missionDayID})
	if err != nil {
		return nil, errutil.Internal("failed to load mission day", err)
	}
	if day == nil {
		return nil, errutil.NotFound("mission day not found", nil)
	}
	return day, nil
}

// GetForUpdate loads the mission day with a row lock held until the
// surrounding transaction ends. Claims of one day queue behind it.
func (a *Allocator) GetForUpdate(ctx context.Context, missionDayID string) (*MissionDay, error) {
	day, err := a.repo.FindOne(ctx, &MissionDay{ID: missionDayID}, option.WithLockingUpdate())
	if err != nil {
		return nil, errutil.Internal("failed to lock mission day", err)
	}
	if day == nil {
		return nil, errutil.NotFound("mission day not found", nil)
	}
	return day, nil
}

// FindByCampaignDate returns the mission day of campaignID on the UTC date
// of date.
func (a *Allocator) FindByCampaignDate(ctx context.Context, campaignID string, date time.Time) (*MissionDay, error) {
	var day MissionDay
	err := a.db.WithContext(ctx).
		Where("campaign_id = ? AND date = ?", campaignID, DateOnly(date)).
		Take(&day).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("no mission day for this date", nil)
	}
	if err != nil {
		return nil, errutil.Internal("failed to load mission day", err)
	}
	return &day, nil
}

// CreateDays creates one ACTIVE day per UTC date in [from, to] with
// dailyTarget slots. Existing days are left untouched.
func (a *Allocator) CreateDays(ctx context.Context, campaignID string, from, to time.Time, dailyTarget int) (int64, error) {
	if dailyTarget < 0 {
		return 0, errutil.ValidationFailed("daily target must not be negative", nil)
	}
	from, to = DateOnly(from), DateOnly(to)
	if to.Before(from) {
		return 0, errutil.ValidationFailed("end date is before start date", nil)
	}

	var days []*MissionDay
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, &MissionDay{
			ID:             a.node.Generate().String(),
			CampaignID:     campaignID,
			Date:           d,
			QuotaTotal:     dailyTarget,
			QuotaRemaining: dailyTarget,
			Status:         DayActive,
		})
	}

	res := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(days, 100)
	if res.Error != nil {
		return 0, errutil.Internal("failed to create mission days", res.Error)
	}
	return res.RowsAffected, nil
}

// EndPastDays ends ACTIVE or PAUSED days dated before today.
func (a *Allocator) EndPastDays(ctx context.Context, today time.Time) (int64, error) {
	res := a.db.WithContext(ctx).Model(&MissionDay{}).
		Where("date < ? AND status IN ?", DateOnly(today), []DayStatus{DayActive, DayPaused}).
		UpdateColumns(map[string]any{"status": DayEnded, "updated_at": gorm.Expr("CURRENT_TIMESTAMP")})
	if res.Error != nil {
		return 0, errutil.Internal("failed to end past mission days", res.Error)
	}
	return res.RowsAffected, nil
}

// SetStatusForCampaign moves the campaign's days in status from to status
// to. Ended days are never reopened.
func (a *Allocator) SetStatusForCampaign(ctx context.Context, campaignID string, from, to DayStatus) (int64, error) {
	if from == DayEnded {
		return 0, errutil.InvalidState("ended mission days cannot change status", nil)
	}
	res := a.db.WithContext(ctx).Model(&MissionDay{}).
		Where("campaign_id = ? AND status = ?", campaignID, from).
		UpdateColumns(map[string]any{"status": to, "updated_at": gorm.Expr("CURRENT_TIMESTAMP")})
	if res.Error != nil {
		return 0, errutil.Internal("failed to update mission days", res.Error)
	}
	return res.RowsAffected, nil
}

func (a *Allocator) ListByCampaign(ctx context.Context, campaignID string) ([]*MissionDay, error) {
	var days []*MissionDay
	if err := a.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("date ASC").
		Find(&days).Error; err != nil {
		return nil, errutil.Internal("failed to list mission days", err)
	}
	return days, nil
}
