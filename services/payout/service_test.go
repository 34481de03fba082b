package payout

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mission-marketplace/pkg/errutil"
	"mission-marketplace/services/audit"
	"mission-marketplace/services/authz"
	"mission-marketplace/services/ledger"
	"mission-marketplace/services/policy"
	"mission-marketplace/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	super   = authz.Actor{ID: "admin", Role: authz.RoleSuper}
	manager = authz.Actor{ID: "mgr-1", Role: authz.RoleManager}
	member  = authz.Actor{ID: "m-1", Role: authz.RoleMember}
	other   = authz.Actor{ID: "m-2", Role: authz.RoleMember}
)

type stubSequence struct {
	code string
	err  error
}

func (s stubSequence) NextPayoutCode(context.Context) (string, error) {
	return s.code, s.err
}

var bank = BankInfo{BankName: "KB", AccountNumber: "123-456", AccountHolder: "Kim"}

func newService(t *testing.T, seq stubSequence) (*gorm.DB, *Service, *policy.Provider) {
	t.Helper()
	db := testutil.NewTestDB(t,
		&PayoutRequest{}, &ledger.CreditEntry{}, &ledger.BudgetEntry{},
		&policy.Policy{}, &authz.ManagerAssignment{}, &audit.Log{},
	)
	node := testutil.NewNode(t)

	az, err := authz.NewAuthorizer(authz.Params{DB: db, Node: node})
	require.NoError(t, err)
	pol := policy.NewProvider(policy.Params{DB: db, Node: node})
	store := ledger.NewStore(ledger.Params{DB: db, Node: node})

	_, err = store.AppendCredit(context.Background(),
		&ledger.CreditEntry{RewarderID: member.ID, AmountKRW: 20_000, Reason: ledger.ReasonMissionReward, RefID: "p-1"},
		&ledger.CreditEntry{RewarderID: member.ID, AmountKRW: 5_000, Reason: ledger.ReasonMissionReward, RefID: "p-2"},
	)
	require.NoError(t, err)

	svc := NewService(Params{
		DB: db, Node: node, Seq: seq, Ledger: store, Policy: pol, Authz: az,
		Audit: audit.NewSink(audit.Params{DB: db, Node: node}),
	})
	return db, svc, pol
}

func TestRequestHoldsCredit(t *testing.T) {
	ctx := context.Background()
	_, svc, _ := newService(t, stubSequence{code: "PAY-261019-1AB"})

	p, err := svc.Request(ctx, member, RequestInput{AmountKRW: 15_000, BankInfo: bank})
	require.NoError(t, err)
	require.Equal(t, StatusRequested, p.Status)
	require.Equal(t, "PAY-261019-1AB", p.Code)
	require.Equal(t, "KB", p.BankInfo.Data().BankName)

	held, err := svc.HeldAmount(ctx, member.ID)
	require.NoError(t, err)
	require.EqualValues(t, 15_000, held)

	avail, err := svc.AvailableBalance(ctx, member.ID)
	require.NoError(t, err)
	require.EqualValues(t, 10_000, avail)

	_, err = svc.Request(ctx, member, RequestInput{AmountKRW: 10_001, BankInfo: bank})
	require.True(t, errutil.Is(err, errutil.StatusInvalidState), err)
}

func TestRequestBelowMinimum(t *testing.T) {
	ctx := context.Background()
	_, svc, pol := newService(t, stubSequence{code: "PAY-1"})

	_, err := svc.Request(ctx, member, RequestInput{AmountKRW: 9_999, BankInfo: bank})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed), err)

	_, err = pol.Put(ctx, policy.KeyPayoutMin, 5_000)
	require.NoError(t, err)
	_, err = svc.Request(ctx, member, RequestInput{AmountKRW: 5_000, BankInfo: bank})
	require.NoError(t, err)
}

func TestRequestFallsBackToSnowflakeCode(t *testing.T) {
	_, svc, _ := newService(t, stubSequence{err: errors.New("redis down")})

	p, err := svc.Request(context.Background(), member, RequestInput{AmountKRW: 10_000, BankInfo: bank})
	require.NoError(t, err)
	require.Regexp(t, `^PAY-\d+$`, p.Code)
}

func TestRequestIsMemberOnly(t *testing.T) {
	_, svc, _ := newService(t, stubSequence{code: "PAY-1"})

	_, err := svc.Request(context.Background(), manager, RequestInput{AmountKRW: 10_000, BankInfo: bank})
	require.True(t, errutil.Is(err, errutil.StatusForbidden), err)
}

func TestDecisions(t *testing.T) {
	ctx := context.Background()
	db, svc, _ := newService(t, stubSequence{code: "PAY-1"})

	p, err := svc.Request(ctx, member, RequestInput{AmountKRW: 20_000, BankInfo: bank})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, member, p.ID)
	require.True(t, errutil.Is(err, errutil.StatusForbidden), err)

	approved, err := svc.Approve(ctx, super, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Equal(t, super.ID, approved.DecidedBy)

	_, err = svc.Approve(ctx, super, p.ID)
	require.True(t, errutil.Is(err, errutil.StatusInvalidState), err)

	avail, err := svc.AvailableBalance(ctx, member.ID)
	require.NoError(t, err)
	require.EqualValues(t, 5_000, avail)

	_, err = svc.Reject(ctx, super, p.ID, "")
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed), err)

	rejected, err := svc.Reject(ctx, super, p.ID, "account closed")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.Equal(t, "account closed", rejected.RejectReason)

	avail, err = svc.AvailableBalance(ctx, member.ID)
	require.NoError(t, err)
	require.EqualValues(t, 25_000, avail)

	var logs int64
	require.NoError(t, db.Model(&audit.Log{}).Where("entity_id = ?", p.ID).Count(&logs).Error)
	require.EqualValues(t, 3, logs)
}

func TestViewAndList(t *testing.T) {
	ctx := context.Background()
	_, svc, _ := newService(t, stubSequence{code: "PAY-1"})

	p, err := svc.Request(ctx, member, RequestInput{AmountKRW: 10_000, BankInfo: bank})
	require.NoError(t, err)

	_, err = svc.View(ctx, other, p.ID)
	require.True(t, errutil.Is(err, errutil.StatusForbidden), err)
	got, err := svc.View(ctx, member, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)

	_, err = svc.Get(ctx, "missing")
	require.True(t, errutil.Is(err, errutil.StatusNotFound), err)

	rows, _, err := svc.List(ctx, ListFilter{RewarderID: member.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, _, err = svc.List(ctx, ListFilter{RewarderID: other.ID})
	require.NoError(t, err)
	require.Empty(t, rows)
}
