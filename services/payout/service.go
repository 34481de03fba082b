package payout

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mission-marketplace/pkg/db/option"
	"mission-marketplace/pkg/db/pagination"
	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/logger"
	"mission-marketplace/pkg/repository"
	"mission-marketplace/pkg/sequence"
	"mission-marketplace/services/audit"
	"mission-marketplace/services/authz"
	"mission-marketplace/services/ledger"
	"mission-marketplace/services/policy"
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	seq    sequence.Generator
	ledger *ledger.Store
	policy *policy.Provider
	authz  *authz.Authorizer
	audit  *audit.Sink

	repo repository.Repository[PayoutRequest]
	now  func() time.Time
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Node   *snowflake.Node
	Seq    sequence.Generator `optional:"true"`
	Ledger *ledger.Store
	Policy *policy.Provider
	Authz  *authz.Authorizer
	Audit  *audit.Sink
}

func NewService(p Params) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		seq:    p.Seq,
		ledger: p.Ledger,
		policy: p.Policy,
		authz:  p.Authz,
		audit:  p.Audit,
		repo:   repository.ProvideStore[PayoutRequest](p.DB),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// asHolds exposes the service to the ledger balance endpoint.
func asHolds(s *Service) ledger.Holds {
	return s
}

// HeldAmount sums the requests that still earmark credit.
func (s *Service) HeldAmount(ctx context.Context, rewarderID string) (int64, error) {
	return s.held(ctx, s.db, rewarderID)
}

func (s *Service) held(ctx context.Context, tx *gorm.DB, rewarderID string) (int64, error) {
	var total int64
	err := tx.WithContext(ctx).Model(&PayoutRequest{}).
		Where("rewarder_id = ? AND status IN ?", rewarderID, Holding).
		Select("COALESCE(SUM(amount_krw), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, errutil.Internal("failed to sum payout requests", err)
	}
	return total, nil
}

// AvailableBalance is the member's credit minus every held payout.
func (s *Service) AvailableBalance(ctx context.Context, rewarderID string) (int64, error) {
	return s.available(ctx, s.db, rewarderID)
}

func (s *Service) available(ctx context.Context, tx *gorm.DB, rewarderID string) (int64, error) {
	credit, err := s.ledger.WithTrx(tx).CreditBalance(ctx, rewarderID)
	if err != nil {
		return 0, err
	}
	held, err := s.held(ctx, tx, rewarderID)
	if err != nil {
		return 0, err
	}
	return credit - held, nil
}

type RequestInput struct {
	AmountKRW int64    `json:"amountKrw" binding:"required,gt=0"`
	BankInfo  BankInfo `json:"bankInfo" binding:"required"`
}

// Request creates a payout for actor. The balance check and the insert share
// a transaction that first takes the member's balance lock, so concurrent
// requests of one member cannot spend the same credit.
func (s *Service) Request(ctx context.Context, actor authz.Actor, in RequestInput) (*PayoutRequest, error) {
	if err := s.authz.Check(ctx, nil, actor, authz.Resource{Kind: authz.KindPayout, OwnerID: actor.ID}, authz.ActionRequest); err != nil {
		return nil, err
	}

	minimum := s.policy.Int(ctx, policy.KeyPayoutMin, policy.DefaultPayoutMinKRW)
	if in.AmountKRW < minimum {
		return nil, errutil.ValidationFailed("amount is below the payout minimum", nil,
			errutil.WithDetails(errutil.Detail{Field: "amountKrw", Message: "must be at least the payout minimum"}))
	}
	code := s.nextCode(ctx)

	var out *PayoutRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockBalance(ctx, tx, actor.ID); err != nil {
			return err
		}

		avail, err := s.available(ctx, tx, actor.ID)
		if err != nil {
			return err
		}
		if in.AmountKRW > avail {
			return errutil.InvalidState("amount exceeds available balance", nil)
		}

		p := &PayoutRequest{
			ID:         s.node.Generate().String(),
			Code:       code,
			RewarderID: actor.ID,
			AmountKRW:  in.AmountKRW,
			Status:     StatusRequested,
			BankInfo:   datatypes.NewJSONType(in.BankInfo),
		}
		if err := s.repo.WithTrx(tx).Create(ctx, p); err != nil {
			return errutil.Internal("failed to create payout request", err)
		}

		out = p
		return s.audit.Write(ctx, tx, audit.Entry{
			ActorID:    actor.ID,
			Action:     audit.ActionPayoutRequested,
			EntityType: "payout_request",
			EntityID:   p.ID,
			Metadata:   map[string]any{"amountKrw": p.AmountKRW, "code": p.Code},
		})
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("payout requested",
		zap.String("payout_id", out.ID),
		zap.String("code", out.Code),
		zap.Int64("amount_krw", out.AmountKRW),
	)
	return out, nil
}

// lockBalance serializes payout requests of one member. Postgres takes an
// advisory lock; other dialects lock the member's credit entries. It must be
// the first statement of tx so later reads see what the lock holder committed.
func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, rewarderID string) error {
	if tx.Dialector.Name() == "postgres" {
		if err := tx.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "payout:"+rewarderID).Error; err != nil {
			return errutil.Internal("failed to lock payout balance", err)
		}
		return nil
	}
	_, err := s.ledger.WithTrx(tx).LockCredits(ctx, rewarderID)
	return err
}

func (s *Service) nextCode(ctx context.Context) string {
	if s.seq != nil {
		code, err := s.seq.NextPayoutCode(ctx)
		if err == nil {
			return code
		}
		logger.FromContext(ctx).Warn("payout code sequence unavailable, using snowflake id", zap.Error(err))
	}
	return sequence.PayoutPrefix + "-" + s.node.Generate().String()
}

func (s *Service) Approve(ctx context.Context, actor authz.Actor, id string) (*PayoutRequest, error) {
	return s.decide(ctx, actor, id, []Status{StatusRequested}, StatusApproved, "", audit.ActionPayoutApproved)
}

// Reject releases the held amount. An approved payout can still be rejected
// when the transfer fails.
func (s *Service) Reject(ctx context.Context, actor authz.Actor, id, reason string) (*PayoutRequest, error) {
	reason = strings.TrimSpace(reason)
	if n := utf8.RuneCountInString(reason); n == 0 || n > 200 {
		return nil, errutil.ValidationFailed("reason must be 1 to 200 characters", nil)
	}
	return s.decide(ctx, actor, id, Holding, StatusRejected, reason, audit.ActionPayoutRejected)
}

func (s *Service) decide(ctx context.Context, actor authz.Actor, id string, from []Status, to Status, reason, action string) (*PayoutRequest, error) {
	var out *PayoutRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.WithTrx(tx).Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.authz.Check(ctx, tx, actor, authz.Resource{Kind: authz.KindPayout, OwnerID: p.RewarderID}, authz.ActionDecide); err != nil {
			return err
		}

		now := s.now()
		res := tx.Model(&PayoutRequest{}).
			Where("id = ? AND status IN ?", p.ID, from).
			Updates(map[string]any{
				"status":        to,
				"decided_by":    actor.ID,
				"decided_at":    now,
				"reject_reason": reason,
				"updated_at":    now,
			})
		if res.Error != nil {
			return errutil.Internal("failed to update payout request", res.Error)
		}
		if res.RowsAffected == 0 {
			return errutil.InvalidState("payout request is "+string(p.Status), nil)
		}

		p.Status, p.DecidedBy, p.DecidedAt, p.RejectReason, p.UpdatedAt = to, actor.ID, &now, reason, now
		out = p
		return s.audit.Write(ctx, tx, audit.Entry{
			ActorID:    actor.ID,
			Action:     action,
			EntityType: "payout_request",
			EntityID:   p.ID,
			Metadata:   map[string]any{"amountKrw": p.AmountKRW, "reason": reason},
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) WithTrx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	clone := *s
	clone.db = tx
	clone.repo = s.repo.WithTrx(tx)
	clone.ledger = s.ledger.WithTrx(tx)
	return &clone
}

func (s *Service) Get(ctx context.Context, id string) (*PayoutRequest, error) {
	p, err := s.repo.FindOne(ctx, &PayoutRequest{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load payout request", err)
	}
	if p == nil {
		return nil, errutil.NotFound("payout request not found", nil)
	}
	return p, nil
}

// View returns the request when actor owns it or may decide on it.
func (s *Service) View(ctx context.Context, actor authz.Actor, id string) (*PayoutRequest, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Check(ctx, nil, actor, authz.Resource{Kind: authz.KindPayout, OwnerID: p.RewarderID}, authz.ActionRead); err != nil {
		return nil, err
	}
	return p, nil
}

type ListFilter struct {
	RewarderID string `form:"rewarderId"`
	Status     Status `form:"status" binding:"omitempty,oneof=REQUESTED APPROVED REJECTED"`
	pagination.Pagination
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*PayoutRequest, *pagination.PageInfo, error) {
	rows, err := s.repo.Find(ctx, &PayoutRequest{RewarderID: f.RewarderID, Status: f.Status}, option.ApplyPagination(f.Pagination))
	if err != nil {
		return nil, nil, errutil.Internal("failed to list payout requests", err)
	}
	rows, info := pagination.Page(rows, f.Limit, func(p *PayoutRequest) string {
		return pagination.CursorFor(p.CreatedAt, p.ID)
	})
	return rows, info, nil
}
