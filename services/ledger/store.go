package ledger

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mission-marketplace/pkg/db/option"
	"mission-marketplace/pkg/db/pagination"
	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/logger"
	"mission-marketplace/pkg/repository"
)

// Store is the append-only budget and credit ledger. Balances are always the
// sum of entries; nothing is ever updated or deleted.
type Store struct {
	db     *gorm.DB
	node   *snowflake.Node
	budget repository.Repository[BudgetEntry]
	credit repository.Repository[CreditEntry]
}

type Params struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
}

func NewStore(p Params) *Store {
	return &Store{
		db:     p.DB,
		node:   p.Node,
		budget: repository.ProvideStore[BudgetEntry](p.DB),
		credit: repository.ProvideStore[CreditEntry](p.DB),
	}
}

// WithTrx returns a Store whose reads and writes run inside tx.
func (s *Store) WithTrx(tx *gorm.DB) *Store {
	if tx == nil {
		return s
	}
	return &Store{
		db:     tx,
		node:   s.node,
		budget: s.budget.WithTrx(tx),
		credit: s.credit.WithTrx(tx),
	}
}

// Transaction runs fn with a Store bound to one transaction; tx is handed
// over so callers can write their own rows next to the ledger entries.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB, store *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx, s.WithTrx(tx))
	})
}

// AppendBudget inserts entries, skipping any whose (reason, ref_id) already
// exists. It returns how many rows were actually written.
func (s *Store) AppendBudget(ctx context.Context, entries ...*BudgetEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	for _, e := range entries {
		if e.AdvertiserID == "" || e.RefID == "" || !e.Reason.validBudget() {
			return 0, errutil.ValidationFailed(fmt.Sprintf("invalid budget entry %s/%s", e.Reason, e.RefID), nil)
		}
		if e.ID == "" {
			e.ID = s.node.Generate().String()
		}
	}
	return s.insertSkipDuplicates(ctx, &entries)
}

// AppendCredit is AppendBudget for member credit.
func (s *Store) AppendCredit(ctx context.Context, entries ...*CreditEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	for _, e := range entries {
		if e.RewarderID == "" || e.RefID == "" || !e.Reason.validCredit() {
			return 0, errutil.ValidationFailed(fmt.Sprintf("invalid credit entry %s/%s", e.Reason, e.RefID), nil)
		}
		if e.ID == "" {
			e.ID = s.node.Generate().String()
		}
	}
	return s.insertSkipDuplicates(ctx, &entries)
}

func (s *Store) insertSkipDuplicates(ctx context.Context, rows any) (int64, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rows)
	if res.Error != nil {
		return 0, errutil.Internal("failed to append ledger entries", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) BudgetBalance(ctx context.Context, advertiserID string) (int64, error) {
	return s.sum(ctx, &BudgetEntry{}, "advertiser_id", advertiserID)
}

func (s *Store) CreditBalance(ctx context.Context, rewarderID string) (int64, error) {
	return s.sum(ctx, &CreditEntry{}, "rewarder_id", rewarderID)
}

// LockCredits takes row locks on every credit entry of rewarderID until the
// surrounding transaction ends and returns how many rows it locked. It is a
// no-op on SQLite, where the single writer already serializes transactions.
func (s *Store) LockCredits(ctx context.Context, rewarderID string) (int, error) {
	var ids []string
	err := option.LockingUpdate(s.db.WithContext(ctx).Model(&CreditEntry{})).
		Where("rewarder_id = ?", rewarderID).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, errutil.Internal("failed to lock credit entries", err)
	}
	return len(ids), nil
}

func (s *Store) sum(ctx context.Context, model any, column, subject string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(model).
		Where(column+" = ?", subject).
		Select("COALESCE(SUM(amount_krw), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, errutil.Internal("failed to compute balance", err)
	}
	return total, nil
}

// Deposit credits an advertiser's budget for a payment event. Replaying the
// same refID is a no-op; created reports whether a row was written.
func (s *Store) Deposit(ctx context.Context, advertiserID string, amountKRW int64, refID string) (*BudgetEntry, bool, error) {
	if advertiserID == "" || refID == "" {
		return nil, false, errutil.ValidationFailed("advertiserId and refId are required", nil)
	}
	if amountKRW <= 0 {
		return nil, false, errutil.ValidationFailed("deposit amount must be positive", nil)
	}

	entry := &BudgetEntry{
		AdvertiserID: advertiserID,
		AmountKRW:    amountKRW,
		Reason:       ReasonDeposit,
		RefID:        refID,
	}
	n, err := s.AppendBudget(ctx, entry)
	if err != nil {
		return nil, false, err
	}

	if n == 0 {
		existing, err := s.budget.FindOne(ctx, &BudgetEntry{Reason: ReasonDeposit, RefID: refID})
		if err != nil || existing == nil {
			return nil, false, errutil.Internal("failed to load deposit", err)
		}
		if existing.AdvertiserID != advertiserID || existing.AmountKRW != amountKRW {
			return nil, false, errutil.Conflict("refId already used by a different deposit", nil)
		}
		return existing, false, nil
	}

	logger.FromContext(ctx).Info("budget deposited",
		zap.String("advertiser_id", advertiserID),
		zap.Int64("amount_krw", amountKRW),
		zap.String("ref_id", refID),
	)
	return entry, true, nil
}

func (s *Store) ListBudget(ctx context.Context, advertiserID string, page pagination.Pagination) ([]*BudgetEntry, *pagination.PageInfo, error) {
	rows, err := s.budget.Find(ctx, &BudgetEntry{AdvertiserID: advertiserID}, option.ApplyPagination(page))
	if err != nil {
		return nil, nil, errutil.Internal("failed to list budget entries", err)
	}
	rows, info := pagination.Page(rows, page.Limit, func(e *BudgetEntry) string {
		return pagination.CursorFor(e.CreatedAt, e.ID)
	})
	return rows, info, nil
}

func (s *Store) ListCredit(ctx context.Context, rewarderID string, page pagination.Pagination) ([]*CreditEntry, *pagination.PageInfo, error) {
	rows, err := s.credit.Find(ctx, &CreditEntry{RewarderID: rewarderID}, option.ApplyPagination(page))
	if err != nil {
		return nil, nil, errutil.Internal("failed to list credit entries", err)
	}
	rows, info := pagination.Page(rows, page.Limit, func(e *CreditEntry) string {
		return pagination.CursorFor(e.CreatedAt, e.ID)
	})
	return rows, info, nil
}
