package review

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mission-marketplace/pkg/db/pagination"
	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/logger"
	"mission-marketplace/services/audit"
	"mission-marketplace/services/authz"
	"mission-marketplace/services/ledger"
	"mission-marketplace/services/participation"
	"mission-marketplace/services/quota"
)

const maxReasonLength = 200

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "review_decisions_total",
	Help: "Review decisions by outcome.",
}, []string{"decision"})

// Engine settles reviewed participations. Approval charges the advertiser and
// credits the member; rejection gives the quota slot back and moves no money.
type Engine struct {
	db             *gorm.DB
	node           *snowflake.Node
	participations *participation.Service
	quota          *quota.Allocator
	ledger         *ledger.Store
	authz          *authz.Authorizer
	audit          *audit.Sink
	now            func() time.Time
}

type Params struct {
	fx.In

	DB             *gorm.DB
	Node           *snowflake.Node
	Participations *participation.Service
	Quota          *quota.Allocator
	Ledger         *ledger.Store
	Authz          *authz.Authorizer
	Audit          *audit.Sink
}

func NewEngine(p Params) *Engine {
	return &Engine{
		db:             p.DB,
		node:           p.Node,
		participations: p.Participations,
		quota:          p.Quota,
		ledger:         p.Ledger,
		authz:          p.Authz,
		audit:          p.Audit,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Approve settles a participation waiting for review. Ledger rows are keyed
// by the participation id, so a replayed approval never moves money twice.
func (e *Engine) Approve(ctx context.Context, actor authz.Actor, id, comments string) (*participation.Participation, error) {
	out, err := e.decide(ctx, actor, id, participation.DecisionApprove, strings.TrimSpace(comments),
		func(tx *gorm.DB, pc *participation.Context) error {
			p, c := pc.Participation, pc.Campaign
			store := e.ledger.WithTrx(tx)
			if _, err := store.AppendBudget(ctx, &ledger.BudgetEntry{
				AdvertiserID: c.AdvertiserID,
				AmountKRW:    -c.UnitPriceKRW,
				Reason:       ledger.ReasonMissionApprovedCharge,
				RefID:        p.ID,
			}); err != nil {
				return err
			}
			_, err := store.AppendCredit(ctx, &ledger.CreditEntry{
				RewarderID: p.RewarderID,
				AmountKRW:  c.RewardKRW,
				Reason:     ledger.ReasonMissionReward,
				RefID:      p.ID,
			})
			return err
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reject closes a participation with reason and restores one slot of its
// mission day, capped at the day's total.
func (e *Engine) Reject(ctx context.Context, actor authz.Actor, id, reason string) (*participation.Participation, error) {
	reason = strings.TrimSpace(reason)
	if n := utf8.RuneCountInString(reason); n == 0 || n > maxReasonLength {
		return nil, errutil.ValidationFailed("reason must be 1 to 200 characters", nil,
			errutil.WithDetails(errutil.Detail{Field: "reason", Message: "length must be between 1 and 200"}))
	}

	out, err := e.decide(ctx, actor, id, participation.DecisionReject, reason,
		func(tx *gorm.DB, pc *participation.Context) error {
			_, err := e.quota.WithTrx(tx).RestoreSlot(ctx, pc.Participation.MissionDayID, 1)
			return err
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// decide runs the shared part of both decisions in one transaction: load,
// authorize, record the verification result, move the participation out of
// review, then apply settle and write the audit record.
func (e *Engine) decide(
	ctx context.Context,
	actor authz.Actor,
	id string,
	decision participation.Decision,
	note string,
	settle func(*gorm.DB, *participation.Context) error,
) (*participation.Participation, error) {
	action, next, auditAction := authz.ActionApprove, participation.StatusApproved, audit.ActionParticipationApproved
	if decision == participation.DecisionReject {
		action, next, auditAction = authz.ActionReject, participation.StatusRejected, audit.ActionParticipationRejected
	}

	var out *participation.Participation
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pc, err := e.participations.WithTrx(tx).Load(ctx, id)
		if err != nil {
			return err
		}
		if err := e.authz.Check(ctx, tx, actor, pc.Resource(), action); err != nil {
			return err
		}
		p := pc.Participation
		if !reviewable(p.Status) {
			return errutil.InvalidState("participation is "+string(p.Status), nil)
		}

		now := e.now()
		if err := e.upsertResult(ctx, tx, p.ID, decision, actor.ID, note, now); err != nil {
			return err
		}

		failure := ""
		if decision == participation.DecisionReject {
			failure = note
		}
		res := tx.Model(&participation.Participation{}).
			Where("id = ? AND status IN ?", p.ID, participation.Reviewable).
			Updates(map[string]any{
				"status":         next,
				"failure_reason": failure,
				"decided_at":     now,
				"updated_at":     now,
			})
		if res.Error != nil {
			return errutil.Internal("failed to update participation", res.Error)
		}
		if res.RowsAffected == 0 {
			return errutil.InvalidState("participation was decided concurrently", nil)
		}

		if err := settle(tx, pc); err != nil {
			return err
		}

		p.Status, p.FailureReason, p.DecidedAt, p.UpdatedAt = next, failure, &now, now
		out = p
		meta := map[string]any{
			"campaignId":   pc.Campaign.ID,
			"advertiserId": pc.Campaign.AdvertiserID,
			"missionDayId": p.MissionDayID,
		}
		if decision == participation.DecisionApprove {
			meta["chargeKrw"] = pc.Campaign.UnitPriceKRW
			meta["rewardKrw"] = pc.Campaign.RewardKRW
		} else {
			meta["reason"] = note
		}
		return e.audit.Write(ctx, tx, audit.Entry{
			ActorID:    actor.ID,
			Action:     auditAction,
			EntityType: "participation",
			EntityID:   p.ID,
			Metadata:   meta,
		})
	})
	if err != nil {
		return nil, err
	}

	decisionsTotal.WithLabelValues(string(decision)).Inc()
	logger.FromContext(ctx).Info("participation decided",
		zap.String("participation_id", id),
		zap.String("decision", string(decision)),
		zap.String("actor_id", actor.ID),
	)
	return out, nil
}

func (e *Engine) upsertResult(ctx context.Context, tx *gorm.DB, participationID string, decision participation.Decision, actorID, comments string, at time.Time) error {
	row := &participation.VerificationResult{
		ID:              e.node.Generate().String(),
		ParticipationID: participationID,
		Decision:        decision,
		DecidedBy:       actorID,
		DecidedAt:       at,
		Comments:        comments,
	}
	err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "participation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"decision", "decided_by", "decided_at", "comments", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return errutil.Internal("failed to save verification result", err)
	}
	return nil
}

func reviewable(s participation.Status) bool {
	for _, r := range participation.Reviewable {
		if s == r {
			return true
		}
	}
	return false
}

type QueueFilter struct {
	AdvertiserID string `form:"advertiserId" binding:"required"`
	pagination.Pagination
}

// Queue lists the participations of one advertiser that wait for review,
// oldest submission first.
func (e *Engine) Queue(ctx context.Context, actor authz.Actor, f QueueFilter) ([]*participation.Participation, *pagination.PageInfo, error) {
	res := authz.Resource{Kind: authz.KindParticipation, AdvertiserID: f.AdvertiserID}
	if err := e.authz.Check(ctx, nil, actor, res, authz.ActionRead); err != nil {
		return nil, nil, err
	}

	limit := f.Limit
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}

	q := e.db.WithContext(ctx).
		Table("participations AS p").
		Select("p.*").
		Joins("JOIN mission_days AS d ON d.id = p.mission_day_id").
		Joins("JOIN campaigns AS c ON c.id = d.campaign_id").
		Where("c.advertiser_id = ? AND p.status IN ?", f.AdvertiserID, participation.Reviewable)
	if f.Cursor != "" {
		if cur, err := pagination.DecodeCursor(f.Cursor); err == nil {
			if at, err := time.Parse(time.RFC3339Nano, cur.CreatedAt); err == nil {
				q = q.Where("(p.submitted_at > ?) OR (p.submitted_at = ? AND p.id > ?)", at, at, cur.ID)
			}
		}
	}

	var rows []*participation.Participation
	if err := q.Order("p.submitted_at ASC").Order("p.id ASC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, nil, errutil.Internal("failed to list review queue", err)
	}
	rows, info := pagination.Page(rows, limit, func(p *participation.Participation) string {
		if p.SubmittedAt == nil {
			return pagination.CursorFor(p.CreatedAt, p.ID)
		}
		return pagination.CursorFor(*p.SubmittedAt, p.ID)
	})
	return rows, info, nil
}
