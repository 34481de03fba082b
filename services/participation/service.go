package participation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
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
	"mission-marketplace/services/campaign"
	"mission-marketplace/services/policy"
	"mission-marketplace/services/quota"
)

var claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "participation_claims_total",
	Help: "Mission claims by outcome.",
}, []string{"result"})

const (
	claimCreated  = "created"
	claimExisting = "existing"
	claimSoldOut  = "sold_out"
	claimClosed   = "closed"
	claimFailed   = "error"
)

// Service moves participations through their lifecycle. Every write that
// touches quota runs in one transaction with the participation change.
type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	policy    *policy.Provider
	quota     *quota.Allocator
	campaigns *campaign.Service
	authz     *authz.Authorizer
	audit     *audit.Sink

	repo repository.Repository[Participation]
	now  func() time.Time
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Policy    *policy.Provider
	Quota     *quota.Allocator
	Campaigns *campaign.Service
	Authz     *authz.Authorizer
	Audit     *audit.Sink
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		policy:    p.Policy,
		quota:     p.Quota,
		campaigns: p.Campaigns,
		authz:     p.Authz,
		audit:     p.Audit,
		repo:      repository.ProvideStore[Participation](p.DB),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithTrx returns a Service whose reads and writes run inside tx.
func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	clone := *s
	clone.db = tx
	clone.repo = s.repo.WithTrx(tx)
	clone.quota = s.quota.WithTrx(tx)
	clone.campaigns = s.campaigns.WithTrx(tx)
	return &clone
}

// Claim reserves one slot of a mission day for actor. A member holding an
// open participation of the same day gets it back with created=false and no
// second slot is taken.
func (s *Service) Claim(ctx context.Context, actor authz.Actor, missionDayID string) (*Participation, bool, error) {
	p, created, err := s.claim(ctx, actor, missionDayID)
	switch {
	case err == nil && created:
		claimsTotal.WithLabelValues(claimCreated).Inc()
	case err == nil:
		claimsTotal.WithLabelValues(claimExisting).Inc()
	case errutil.Is(err, errutil.StatusSoldOut):
		claimsTotal.WithLabelValues(claimSoldOut).Inc()
	case errutil.Is(err, errutil.StatusInvalidState):
		claimsTotal.WithLabelValues(claimClosed).Inc()
	default:
		claimsTotal.WithLabelValues(claimFailed).Inc()
	}
	return p, created, err
}

func (s *Service) claim(ctx context.Context, actor authz.Actor, missionDayID string) (*Participation, bool, error) {
	if err := s.authz.Check(ctx, nil, actor, authz.Resource{Kind: authz.KindMission}, authz.ActionClaim); err != nil {
		return nil, false, err
	}

	// The timeout policy is resolved up front so the transaction below only
	// ever talks to its own connection.
	day, err := s.quota.Get(ctx, missionDayID)
	if err != nil {
		return nil, false, err
	}
	c, err := s.campaigns.Get(ctx, day.CampaignID)
	if err != nil {
		return nil, false, err
	}
	timeout := s.policy.MissionTimeout(ctx, string(c.MissionType))

	var (
		out     *Participation
		created bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc := s.WithTrx(tx)
		now := s.now()

		// The day row lock is the first statement of the transaction, so the
		// open-participation lookup below sees every claim committed before it.
		day, err := svc.quota.GetForUpdate(ctx, missionDayID)
		if err != nil {
			return err
		}
		if day.Status != quota.DayActive {
			return errutil.InvalidState("mission day is not open", nil)
		}
		if !quota.DateOnly(day.Date).Equal(quota.DateOnly(now)) {
			return errutil.InvalidState("mission day is not today", nil)
		}
		c, err := svc.campaigns.Get(ctx, day.CampaignID)
		if err != nil {
			return err
		}
		if !c.IsOpenOn(now) {
			return errutil.InvalidState("campaign is not open today", nil)
		}

		existing, err := svc.findOpen(ctx, actor.ID, day.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}

		ok, err := svc.quota.TryReserveSlot(ctx, day.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errutil.SoldOut("mission day is sold out", nil)
		}

		p := &Participation{
			ID:           s.node.Generate().String(),
			MissionDayID: day.ID,
			RewarderID:   actor.ID,
			Status:       StatusInProgress,
			ExpiresAt:    now.Add(timeout),
		}
		if err := svc.repo.Create(ctx, p); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicateClaim
			}
			return errutil.Internal("failed to create participation", err)
		}

		out, created = p, true
		return s.audit.Write(ctx, tx, audit.Entry{
			ActorID:    actor.ID,
			Action:     audit.ActionMissionClaimed,
			EntityType: "participation",
			EntityID:   p.ID,
			Metadata:   map[string]any{"missionDayId": day.ID, "campaignId": c.ID, "expiresAt": p.ExpiresAt},
		})
	})

	// A concurrent claim by the same member won the open-participation index;
	// its row is the answer to this retry.
	if errors.Is(err, errDuplicateClaim) {
		existing, ferr := s.findOpen(ctx, actor.ID, missionDayID)
		if ferr != nil {
			return nil, false, ferr
		}
		if existing == nil {
			return nil, false, errutil.Internal("failed to load concurrent claim", nil)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if created {
		logger.FromContext(ctx).Info("mission claimed",
			zap.String("participation_id", out.ID),
			zap.String("mission_day_id", missionDayID),
			zap.String("rewarder_id", actor.ID),
			zap.Time("expires_at", out.ExpiresAt),
		)
	}
	return out, created, nil
}

var errDuplicateClaim = errors.New("duplicate open participation")

// ClaimToday claims the mission day of campaignID dated today.
func (s *Service) ClaimToday(ctx context.Context, actor authz.Actor, campaignID string) (*Participation, bool, error) {
	day, err := s.quota.FindByCampaignDate(ctx, campaignID, s.now())
	if err != nil {
		return nil, false, err
	}
	return s.Claim(ctx, actor, day.ID)
}

func (s *Service) findOpen(ctx context.Context, rewarderID, missionDayID string) (*Participation, error) {
	p, err := s.repo.FindOne(ctx, &Participation{RewarderID: rewarderID, MissionDayID: missionDayID},
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: Open}),
	)
	if err != nil {
		return nil, errutil.Internal("failed to load participation", err)
	}
	return p, nil
}

type SubmitRequest struct {
	ProofText string `json:"proofText" binding:"required,max=2000"`
	Manual    bool   `json:"manual"`
}

// Submit hands an in-progress participation to review. Manual submissions
// land in MANUAL_REVIEW, everything else in PENDING_REVIEW.
func (s *Service) Submit(ctx context.Context, actor authz.Actor, id string, req SubmitRequest) (*Participation, error) {
	proof := strings.TrimSpace(req.ProofText)
	if proof == "" {
		return nil, errutil.ValidationFailed("proofText is required", nil)
	}
	next := StatusPendingReview
	if req.Manual {
		next = StatusManualReview
	}

	var out *Participation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc := s.WithTrx(tx)
		p, err := svc.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.authz.Check(ctx, tx, actor, authz.Resource{Kind: authz.KindParticipation, OwnerID: p.RewarderID}, authz.ActionSubmit); err != nil {
			return err
		}

		now := s.now()
		res := tx.Model(&Participation{}).
			Where("id = ? AND status = ? AND expires_at >= ?", p.ID, StatusInProgress, now).
			Updates(map[string]any{
				"status":       next,
				"proof_text":   proof,
				"submitted_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return errutil.Internal("failed to submit participation", res.Error)
		}
		if res.RowsAffected == 0 {
			if p.Status == StatusInProgress {
				return errutil.InvalidState("participation has expired", nil)
			}
			return errutil.InvalidState("participation is "+string(p.Status), nil)
		}

		p.Status, p.ProofText, p.SubmittedAt, p.UpdatedAt = next, proof, &now, now
		out = p
		return s.audit.Write(ctx, tx, audit.Entry{
			ActorID:    actor.ID,
			Action:     audit.ActionParticipationSubmit,
			EntityType: "participation",
			EntityID:   p.ID,
			Metadata:   map[string]any{"status": next},
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Expire times out one in-progress participation and gives its slot back.
// It reports false without error when the participation is not in progress
// or not yet past its deadline.
func (s *Service) Expire(ctx context.Context, id string) (bool, error) {
	var expired bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc := s.WithTrx(tx)
		p, err := svc.Get(ctx, id)
		if err != nil {
			return err
		}

		now := s.now()
		res := tx.Model(&Participation{}).
			Where("id = ? AND status = ? AND expires_at < ?", p.ID, StatusInProgress, now).
			Updates(map[string]any{"status": StatusExpired, "updated_at": now})
		if res.Error != nil {
			return errutil.Internal("failed to expire participation", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if _, err := svc.quota.RestoreSlot(ctx, p.MissionDayID, 1); err != nil {
			return err
		}
		expired = true
		return s.audit.Write(ctx, tx, audit.Entry{
			ActorID:    authz.System.ID,
			Action:     audit.ActionParticipationExpired,
			EntityType: "participation",
			EntityID:   p.ID,
			Metadata:   map[string]any{"missionDayId": p.MissionDayID},
		})
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Participation, error) {
	p, err := s.repo.FindOne(ctx, &Participation{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load participation", err)
	}
	if p == nil {
		return nil, errutil.NotFound("participation not found", nil)
	}
	return p, nil
}

// Context is a participation together with the campaign it was claimed
// under. Review decisions need both the advertiser and the pricing.
type Context struct {
	Participation *Participation
	MissionDay    *quota.MissionDay
	Campaign      *campaign.Campaign
}

func (c *Context) Resource() authz.Resource {
	return authz.Resource{
		Kind:         authz.KindParticipation,
		AdvertiserID: c.Campaign.AdvertiserID,
		OwnerID:      c.Participation.RewarderID,
	}
}

func (s *Service) Load(ctx context.Context, id string) (*Context, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	day, err := s.quota.Get(ctx, p.MissionDayID)
	if err != nil {
		return nil, err
	}
	c, err := s.campaigns.Get(ctx, day.CampaignID)
	if err != nil {
		return nil, err
	}
	return &Context{Participation: p, MissionDay: day, Campaign: c}, nil
}

// View returns the participation when actor may read it.
func (s *Service) View(ctx context.Context, actor authz.Actor, id string) (*Participation, error) {
	pc, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Check(ctx, nil, actor, pc.Resource(), authz.ActionRead); err != nil {
		return nil, err
	}
	return pc.Participation, nil
}

type ListFilter struct {
	Status Status `form:"status"`
	pagination.Pagination
}

func (s *Service) ListByRewarder(ctx context.Context, rewarderID string, f ListFilter) ([]*Participation, *pagination.PageInfo, error) {
	q := &Participation{RewarderID: rewarderID, Status: f.Status}
	rows, err := s.repo.Find(ctx, q, option.ApplyPagination(f.Pagination))
	if err != nil {
		return nil, nil, errutil.Internal("failed to list participations", err)
	}
	rows, info := pagination.Page(rows, f.Limit, func(p *Participation) string {
		return pagination.CursorFor(p.CreatedAt, p.ID)
	})
	return rows, info, nil
}
