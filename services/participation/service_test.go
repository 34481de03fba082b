package participation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mission-marketplace/pkg/errutil"
	"mission-marketplace/services/audit"
	"mission-marketplace/services/authz"
	"mission-marketplace/services/campaign"
	"mission-marketplace/services/policy"
	"mission-marketplace/services/quota"
	"mission-marketplace/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	advertiser = authz.Actor{ID: "adv-1", Role: authz.RoleAdvertiser}
	memberA    = authz.Actor{ID: "m-a", Role: authz.RoleMember}
	memberB    = authz.Actor{ID: "m-b", Role: authz.RoleMember}
)

type fixture struct {
	db       *gorm.DB
	svc      *Service
	policy   *policy.Provider
	campaign *campaign.Campaign
	today    *quota.MissionDay
	clock    time.Time
}

func newFixture(t *testing.T, dailyTarget int, missionType campaign.MissionType) *fixture {
	t.Helper()
	ctx := context.Background()

	db := testutil.NewTestDB(t,
		&campaign.Campaign{}, &quota.MissionDay{}, &Participation{}, &VerificationResult{},
		&policy.Policy{}, &authz.ManagerAssignment{}, &audit.Log{},
	)
	for _, stmt := range Statements {
		require.NoError(t, db.Exec(stmt.SQL).Error)
	}
	node := testutil.NewNode(t)

	az, err := authz.NewAuthorizer(authz.Params{DB: db, Node: node})
	require.NoError(t, err)
	pol := policy.NewProvider(policy.Params{DB: db, Node: node})
	alloc := quota.NewAllocator(quota.Params{DB: db, Node: node})
	sink := audit.NewSink(audit.Params{DB: db, Node: node})
	campaigns := campaign.NewService(campaign.ServiceParams{
		DB: db, Node: node, Policy: pol, Quota: alloc, Authz: az, Audit: sink,
	})

	f := &fixture{db: db, policy: pol, clock: time.Now().UTC()}
	f.svc = NewService(Params{
		DB: db, Node: node, Policy: pol, Quota: alloc, Campaigns: campaigns, Authz: az, Audit: sink,
	})
	f.svc.now = func() time.Time { return f.clock }

	c, err := campaigns.Create(ctx, advertiser, campaign.CreateRequest{
		Name:         "Bakery visit",
		MissionType:  missionType,
		StartDate:    f.clock,
		EndDate:      f.clock.AddDate(0, 0, 1),
		DailyTarget:  dailyTarget,
		UnitPriceKRW: 1000,
		RewardKRW:    300,
	})
	require.NoError(t, err)
	f.campaign, err = campaigns.Activate(ctx, advertiser, c.ID)
	require.NoError(t, err)

	f.today, err = alloc.FindByCampaignDate(ctx, c.ID, f.clock)
	require.NoError(t, err)
	return f
}

func (f *fixture) remaining(t *testing.T) int {
	t.Helper()
	var d quota.MissionDay
	require.NoError(t, f.db.First(&d, "id = ?", f.today.ID).Error)
	require.GreaterOrEqual(t, d.QuotaRemaining, 0)
	require.LessOrEqual(t, d.QuotaRemaining, d.QuotaTotal)
	return d.QuotaRemaining
}

func (f *fixture) openCount(t *testing.T, rewarderID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&Participation{}).
		Where("rewarder_id = ? AND mission_day_id = ? AND status IN ?", rewarderID, f.today.ID, Open).
		Count(&n).Error)
	return n
}

func TestClaimCreatesInProgress(t *testing.T) {
	f := newFixture(t, 2, campaign.MissionTraffic)

	p, created, err := f.svc.Claim(context.Background(), memberA, f.today.ID)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, StatusInProgress, p.Status)
	require.Equal(t, "m-a", p.RewarderID)
	require.WithinDuration(t, f.clock.Add(3*time.Minute), p.ExpiresAt, time.Second)
	require.Equal(t, 1, f.remaining(t))
}

func TestClaimIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, campaign.MissionSave)

	first, created, err := f.svc.Claim(ctx, memberA, f.today.ID)
	require.NoError(t, err)
	require.True(t, created)
	require.Zero(t, f.remaining(t))

	again, created, err := f.svc.Claim(ctx, memberA, f.today.ID)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, int64(1), f.openCount(t, "m-a"))
	require.Zero(t, f.remaining(t))
}

func TestClaimUsesPolicyTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, campaign.MissionShare)

	_, err := f.policy.Put(ctx, policy.TimeoutKey("SHARE"), 60)
	require.NoError(t, err)

	p, _, err := f.svc.Claim(ctx, memberA, f.today.ID)
	require.NoError(t, err)
	require.WithinDuration(t, f.clock.Add(time.Minute), p.ExpiresAt, time.Second)
}

func TestClaimRejectsClosedMissionDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, campaign.MissionTraffic)

	require.NoError(t, f.db.Model(&quota.MissionDay{}).Where("id = ?", f.today.ID).Update("status", quota.DayPaused).Error)
	_, _, err := f.svc.Claim(ctx, memberA, f.today.ID)
	require.True(t, errutil.Is(err, errutil.StatusInvalidState))

	require.NoError(t, f.db.Model(&quota.MissionDay{}).Where("id = ?", f.today.ID).Update("status", quota.DayActive).Error)
	f.clock = f.clock.AddDate(0, 0, 5)
	_, _, err = f.svc.Claim(ctx, memberA, f.today.ID)
	require.True(t, errutil.Is(err, errutil.StatusInvalidState))

	_, _, err = f.svc.Claim(ctx, memberA, "missing")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
	require.Equal(t, 3, f.remaining(t))
}

func TestClaimRejectsDayOtherThanToday(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, campaign.MissionTraffic)

	tomorrow, err := quota.NewAllocator(quota.Params{DB: f.db, Node: testutil.NewNode(t)}).
		FindByCampaignDate(ctx, f.campaign.ID, f.clock.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, quota.DayActive, tomorrow.Status)

	_, _, err = f.svc.Claim(ctx, memberA, tomorrow.ID)
	require.True(t, errutil.Is(err, errutil.StatusInvalidState))

	var d quota.MissionDay
	require.NoError(t, f.db.First(&d, "id = ?", tomorrow.ID).Error)
	require.Equal(t, 2, d.QuotaRemaining)

	f.clock = f.clock.AddDate(0, 0, 1)
	_, created, err := f.svc.Claim(ctx, memberA, tomorrow.ID)
	require.NoError(t, err)
	require.True(t, created)
}

func TestClaimRequiresMember(t *testing.T) {
	f := newFixture(t, 1, campaign.MissionTraffic)

	_, _, err := f.svc.Claim(context.Background(), advertiser, f.today.ID)
	require.True(t, errutil.Is(err, errutil.StatusForbidden))
	require.Equal(t, 1, f.remaining(t))
}

func TestConcurrentClaimsOnLastSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, campaign.MissionTraffic)

	const callers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		soldOut int
		other   []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := authz.Actor{ID: fmt.Sprintf("m-%d", i), Role: authz.RoleMember}
			_, ok, err := f.svc.Claim(ctx, actor, f.today.ID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && ok:
				created++
			case errutil.Is(err, errutil.StatusSoldOut):
				soldOut++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, other)
	require.Equal(t, 1, created)
	require.Equal(t, callers-1, soldOut)
	require.Zero(t, f.remaining(t))

	var total int64
	require.NoError(t, f.db.Model(&Participation{}).Count(&total).Error)
	require.Equal(t, int64(1), total)
}

func TestClaimToday(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, campaign.MissionTraffic)

	p, created, err := f.svc.ClaimToday(ctx, memberA, f.campaign.ID)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, f.today.ID, p.MissionDayID)

	_, _, err = f.svc.ClaimToday(ctx, memberA, "unknown")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestOpenParticipationIndex(t *testing.T) {
	f := newFixture(t, 1, campaign.MissionTraffic)
	row := func(id string, status Status) *Participation {
		return &Participation{ID: id, MissionDayID: f.today.ID, RewarderID: "m-a", Status: status, ExpiresAt: f.clock}
	}

	require.NoError(t, f.db.Create(row("p1", StatusExpired)).Error)
	require.NoError(t, f.db.Create(row("p2", StatusInProgress)).Error)
	require.Error(t, f.db.Create(row("p3", StatusManualReview)).Error)
	require.NoError(t, f.db.Create(row("p4", StatusRejected)).Error)
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, campaign.MissionTraffic)

	p, _, err := f.svc.Claim(ctx, memberA, f.today.ID)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, memberB, p.ID, SubmitRequest{ProofText: "receipt"})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	_, err = f.svc.Submit(ctx, memberA, p.ID, SubmitRequest{ProofText: "   "})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	out, err := f.svc.Submit(ctx, memberA, p.ID, SubmitRequest{ProofText: "receipt", Manual: true})
	require.NoError(t, err)
	require.Equal(t, StatusManualReview, out.Status)
	require.NotNil(t, out.SubmittedAt)

	_, err = f.svc.Submit(ctx, memberA, p.ID, SubmitRequest{ProofText: "again"})
	require.True(t, errutil.Is(err, errutil.StatusInvalidState))
}

func TestSubmitAfterDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, campaign.MissionTraffic)

	p, _, err := f.svc.Claim(ctx, memberA, f.today.ID)
	require.NoError(t, err)

	f.clock = f.clock.Add(4 * time.Minute)
	_, err = f.svc.Submit(ctx, memberA, p.ID, SubmitRequest{ProofText: "late"})
	require.True(t, errutil.Is(err, errutil.StatusInvalidState))
}

func TestExpire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, campaign.MissionTraffic)

	p, _, err := f.svc.Claim(ctx, memberA, f.today.ID)
	require.NoError(t, err)
	require.Zero(t, f.remaining(t))

	ok, err := f.svc.Expire(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, ok, "deadline not reached")

	f.clock = f.clock.Add(4 * time.Minute)
	ok, err = f.svc.Expire(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, f.remaining(t))

	ok, err = f.svc.Expire(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, f.remaining(t))

	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
	require.Zero(t, f.openCount(t, "m-a"))
}

func TestExpireSkipsSubmitted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, campaign.MissionTraffic)

	p, _, err := f.svc.Claim(ctx, memberA, f.today.ID)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, memberA, p.ID, SubmitRequest{ProofText: "photo"})
	require.NoError(t, err)

	f.clock = f.clock.Add(time.Hour)
	ok, err := f.svc.Expire(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, f.remaining(t))
}

func TestViewAndList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, campaign.MissionTraffic)

	p, _, err := f.svc.Claim(ctx, memberA, f.today.ID)
	require.NoError(t, err)

	_, err = f.svc.View(ctx, memberA, p.ID)
	require.NoError(t, err)
	_, err = f.svc.View(ctx, memberB, p.ID)
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	rows, info, err := f.svc.ListByRewarder(ctx, "m-a", ListFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.False(t, info.HasMore)
}
