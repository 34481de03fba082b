package sweeper

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/logger"
	"mission-marketplace/services/audit"
	"mission-marketplace/services/authz"
	"mission-marketplace/services/campaign"
	"mission-marketplace/services/participation"
	"mission-marketplace/services/quota"
)

const sweepBatch = 500

var expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "participation_expired_total",
	Help: "Participations expired by the sweeper.",
})

type Sweeper struct {
	db        *gorm.DB
	node      *snowflake.Node
	quota     *quota.Allocator
	campaigns *campaign.Service
	audit     *audit.Sink
	now       func() time.Time
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Quota     *quota.Allocator
	Campaigns *campaign.Service
	Audit     *audit.Sink
}

func NewSweeper(p Params) *Sweeper {
	return &Sweeper{
		db:        p.DB,
		node:      p.Node,
		quota:     p.Quota,
		campaigns: p.Campaigns,
		audit:     p.Audit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type overdue struct {
	ID           string
	MissionDayID string
}

// Sweep expires every IN_PROGRESS participation whose deadline is before now
// and gives the slots back, one transaction per mission day. The restored
// count follows the rows actually expired, so rows moved on by a concurrent
// review or sweep are neither expired nor restored twice. Expired rows leave
// the IN_PROGRESS predicate, so each batch picks up where the last one ended.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	for {
		var rows []overdue
		err := s.db.WithContext(ctx).Model(&participation.Participation{}).
			Select("id", "mission_day_id").
			Where("status = ? AND expires_at < ?", participation.StatusInProgress, now).
			Order("expires_at ASC").
			Limit(sweepBatch).
			Scan(&rows).Error
		if err != nil {
			return res, s.finishSweep(ctx, res, now, errutil.Internal("failed to select overdue participations", err))
		}
		if len(rows) == 0 {
			break
		}

		groups := map[string][]string{}
		for _, r := range rows {
			groups[r.MissionDayID] = append(groups[r.MissionDayID], r.ID)
		}

		var batchExpired int64
		for dayID, ids := range groups {
			expired, restored, err := s.expireGroup(ctx, dayID, ids, now)
			if err != nil {
				return res, s.finishSweep(ctx, res, now, err)
			}
			batchExpired += expired
			res.Expired += expired
			res.Restored += restored
		}

		if len(rows) < sweepBatch || batchExpired == 0 {
			break
		}
	}

	return res, s.finishSweep(ctx, res, now, nil)
}

// finishSweep records the summary of whatever was committed, including the
// progress made before sweepErr, and returns sweepErr.
func (s *Sweeper) finishSweep(ctx context.Context, res Result, now time.Time, sweepErr error) error {
	expiredTotal.Add(float64(res.Expired))
	if res.Expired > 0 {
		meta := map[string]any{"expired": res.Expired, "restored": res.Restored, "now": now}
		if sweepErr != nil {
			meta["error"] = sweepErr.Error()
		}
		if err := s.audit.Write(ctx, nil, audit.Entry{
			ActorID:    authz.System.ID,
			Action:     audit.ActionExpirySweep,
			EntityType: "participation",
			Metadata:   meta,
		}); err != nil && sweepErr == nil {
			return err
		}
	}

	log := logger.FromContext(ctx)
	if sweepErr != nil {
		log.Error("expiry sweep stopped",
			zap.Int64("expired", res.Expired),
			zap.Int64("restored", res.Restored),
			zap.Error(sweepErr),
		)
		return sweepErr
	}
	log.Info("expiry sweep finished",
		zap.Int64("expired", res.Expired),
		zap.Int64("restored", res.Restored),
	)
	return nil
}

func (s *Sweeper) expireGroup(ctx context.Context, dayID string, ids []string, now time.Time) (int64, int64, error) {
	var expired, restored int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upd := tx.Model(&participation.Participation{}).
			Where("id IN ? AND status = ? AND expires_at < ?", ids, participation.StatusInProgress, now).
			Updates(map[string]any{"status": participation.StatusExpired, "updated_at": s.now()})
		if upd.Error != nil {
			return errutil.Internal("failed to expire participations", upd.Error)
		}
		expired = upd.RowsAffected
		if expired == 0 {
			return nil
		}

		touched, err := s.quota.WithTrx(tx).RestoreSlot(ctx, dayID, int(expired))
		if err != nil {
			return err
		}
		if touched > 0 {
			restored = expired
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return expired, restored, nil
}

// SyncMissionDays ends the campaigns and mission days whose dates are behind
// today.
func (s *Sweeper) SyncMissionDays(ctx context.Context, today time.Time) (SyncResult, error) {
	var out SyncResult

	campaigns, err := s.campaigns.EndExpired(ctx, today)
	if err != nil {
		return out, err
	}
	out.CampaignsEnded = campaigns

	days, err := s.quota.EndPastDays(ctx, today)
	if err != nil {
		return out, err
	}
	out.DaysEnded = days

	if days > 0 || campaigns > 0 {
		if err := s.audit.Write(ctx, nil, audit.Entry{
			ActorID:    authz.System.ID,
			Action:     audit.ActionStatusSync,
			EntityType: "mission_day",
			Metadata:   map[string]any{"daysEnded": days, "campaignsEnded": campaigns, "today": quota.DateOnly(today)},
		}); err != nil {
			return out, err
		}
	}

	logger.FromContext(ctx).Info("mission day status sync finished",
		zap.Int64("days_ended", days),
		zap.Int64("campaigns_ended", campaigns),
	)
	return out, nil
}

// record runs fn and stores its outcome as a JobRun.
func (s *Sweeper) record(ctx context.Context, task, trigger string, fn func() (any, error)) error {
	run := JobRun{
		ID:        s.node.Generate().String(),
		Task:      task,
		Trigger:   trigger,
		Status:    RunRunning,
		StartedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return errutil.Internal("failed to record job run", err)
	}

	out, runErr := fn()

	done := s.now()
	updates := map[string]any{"status": RunSuccess, "completed_at": done}
	if runErr != nil {
		updates["status"] = RunFailed
		updates["error_msg"] = runErr.Error()
	}
	if out != nil {
		if raw, err := json.Marshal(out); err == nil {
			updates["metadata"] = datatypes.JSON(raw)
		}
	}
	if err := s.db.WithContext(ctx).Model(&JobRun{}).Where("id = ?", run.ID).Updates(updates).Error; err != nil {
		zap.L().Error("failed to update job run", zap.String("job_run_id", run.ID), zap.Error(err))
	}
	return runErr
}
