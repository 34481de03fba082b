package review

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/middleware"
	"mission-marketplace/pkg/server"
	"mission-marketplace/services/audit"
	"mission-marketplace/services/authz"
	"mission-marketplace/services/campaign"
	"mission-marketplace/services/ledger"
	"mission-marketplace/services/participation"
	"mission-marketplace/services/policy"
	"mission-marketplace/services/quota"
	"mission-marketplace/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

var (
	super      = authz.Actor{ID: "admin", Role: authz.RoleSuper}
	manager    = authz.Actor{ID: "mgr-1", Role: authz.RoleManager}
	advertiser = authz.Actor{ID: "adv-1", Role: authz.RoleAdvertiser}
	memberA    = authz.Actor{ID: "m-a", Role: authz.RoleMember}
	memberB    = authz.Actor{ID: "m-b", Role: authz.RoleMember}
)

type fixture struct {
	db             *gorm.DB
	engine         *Engine
	participations *participation.Service
	ledger         *ledger.Store
	authz          *authz.Authorizer
	day            *quota.MissionDay
}

func newFixture(t *testing.T, dailyTarget int) *fixture {
	t.Helper()
	ctx := context.Background()

	db := testutil.NewTestDB(t,
		&campaign.Campaign{}, &quota.MissionDay{},
		&participation.Participation{}, &participation.VerificationResult{},
		&ledger.BudgetEntry{}, &ledger.CreditEntry{},
		&policy.Policy{}, &authz.ManagerAssignment{}, &audit.Log{},
	)
	node := testutil.NewNode(t)

	az, err := authz.NewAuthorizer(authz.Params{DB: db, Node: node})
	require.NoError(t, err)
	pol := policy.NewProvider(policy.Params{DB: db, Node: node})
	alloc := quota.NewAllocator(quota.Params{DB: db, Node: node})
	sink := audit.NewSink(audit.Params{DB: db, Node: node})
	store := ledger.NewStore(ledger.Params{DB: db, Node: node})
	campaigns := campaign.NewService(campaign.ServiceParams{
		DB: db, Node: node, Policy: pol, Quota: alloc, Authz: az, Audit: sink,
	})
	parts := participation.NewService(participation.Params{
		DB: db, Node: node, Policy: pol, Quota: alloc, Campaigns: campaigns, Authz: az, Audit: sink,
	})

	now := time.Now().UTC()
	c, err := campaigns.Create(ctx, advertiser, campaign.CreateRequest{
		Name:         "Noodle shop",
		MissionType:  campaign.MissionTraffic,
		StartDate:    now,
		EndDate:      now,
		DailyTarget:  dailyTarget,
		UnitPriceKRW: 1000,
		RewardKRW:    300,
	})
	require.NoError(t, err)
	_, err = campaigns.Activate(ctx, advertiser, c.ID)
	require.NoError(t, err)
	day, err := alloc.FindByCampaignDate(ctx, c.ID, now)
	require.NoError(t, err)

	return &fixture{
		db:             db,
		participations: parts,
		ledger:         store,
		authz:          az,
		day:            day,
		engine: NewEngine(Params{
			DB: db, Node: node, Participations: parts, Quota: alloc, Ledger: store, Authz: az, Audit: sink,
		}),
	}
}

func (f *fixture) submitted(t *testing.T, member authz.Actor) *participation.Participation {
	t.Helper()
	ctx := context.Background()
	p, _, err := f.participations.Claim(ctx, member, f.day.ID)
	require.NoError(t, err)
	p, err = f.participations.Submit(ctx, member, p.ID, participation.SubmitRequest{ProofText: "photo"})
	require.NoError(t, err)
	return p
}

func (f *fixture) remaining(t *testing.T) int {
	t.Helper()
	var d quota.MissionDay
	require.NoError(t, f.db.First(&d, "id = ?", f.day.ID).Error)
	require.GreaterOrEqual(t, d.QuotaRemaining, 0)
	require.LessOrEqual(t, d.QuotaRemaining, d.QuotaTotal)
	return d.QuotaRemaining
}

func TestApproveSettlesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	p := f.submitted(t, memberA)

	out, err := f.engine.Approve(ctx, super, p.ID, "looks good")
	require.NoError(t, err)
	require.Equal(t, participation.StatusApproved, out.Status)
	require.NotNil(t, out.DecidedAt)

	var budget []ledger.BudgetEntry
	require.NoError(t, f.db.Where("ref_id = ?", p.ID).Find(&budget).Error)
	require.Len(t, budget, 1)
	require.Equal(t, "adv-1", budget[0].AdvertiserID)
	require.Equal(t, int64(-1000), budget[0].AmountKRW)
	require.Equal(t, ledger.ReasonMissionApprovedCharge, budget[0].Reason)

	var credit []ledger.CreditEntry
	require.NoError(t, f.db.Where("ref_id = ?", p.ID).Find(&credit).Error)
	require.Len(t, credit, 1)
	require.Equal(t, "m-a", credit[0].RewarderID)
	require.Equal(t, int64(300), credit[0].AmountKRW)
	require.Equal(t, ledger.ReasonMissionReward, credit[0].Reason)

	adv, err := f.ledger.BudgetBalance(ctx, "adv-1")
	require.NoError(t, err)
	require.Equal(t, int64(-1000), adv)
	mem, err := f.ledger.CreditBalance(ctx, "m-a")
	require.NoError(t, err)
	require.Equal(t, int64(300), mem)

	_, err = f.engine.Approve(ctx, super, p.ID, "")
	require.True(t, errutil.Is(err, errutil.StatusInvalidState))

	var n int64
	require.NoError(t, f.db.Model(&ledger.BudgetEntry{}).Where("ref_id = ?", p.ID).Count(&n).Error)
	require.Equal(t, int64(1), n)

	var vr participation.VerificationResult
	require.NoError(t, f.db.First(&vr, "participation_id = ?", p.ID).Error)
	require.Equal(t, participation.DecisionApprove, vr.Decision)
	require.Equal(t, "admin", vr.DecidedBy)
}

func TestConcurrentApprovals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	p := f.submitted(t, memberA)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		conflict int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Approve(ctx, super, p.ID, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errutil.Is(err, errutil.StatusInvalidState) {
				conflict++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, ok)
	require.Equal(t, 4, conflict)

	var n int64
	require.NoError(t, f.db.Model(&ledger.CreditEntry{}).Where("ref_id = ?", p.ID).Count(&n).Error)
	require.Equal(t, int64(1), n)
}

func TestApproveRequiresReviewableState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	p, _, err := f.participations.Claim(ctx, memberA, f.day.ID)
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, super, p.ID, "")
	require.True(t, errutil.Is(err, errutil.StatusInvalidState))

	_, err = f.engine.Approve(ctx, super, "missing", "")
	require.True(t, errutil.Is(err, errutil.StatusNotFound))

	var n int64
	require.NoError(t, f.db.Model(&ledger.BudgetEntry{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestManagerNeedsAssignment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	p := f.submitted(t, memberA)

	_, err := f.engine.Approve(ctx, manager, p.ID, "")
	require.True(t, errutil.Is(err, errutil.StatusForbidden))
	_, err = f.engine.Approve(ctx, advertiser, p.ID, "")
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	_, err = f.authz.Assign(ctx, "mgr-1", "adv-1")
	require.NoError(t, err)
	_, err = f.engine.Reject(ctx, manager, p.ID, "wrong place")
	require.NoError(t, err)
}

func TestRejectValidatesReason(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	p := f.submitted(t, memberA)

	_, err := f.engine.Reject(ctx, super, p.ID, "  ")
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
	_, err = f.engine.Reject(ctx, super, p.ID, strings.Repeat("가", 201))
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = f.engine.Reject(ctx, super, p.ID, strings.Repeat("가", 200))
	require.NoError(t, err)
}

func TestRejectRestoresQuotaScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	a, _, err := f.participations.Claim(ctx, memberA, f.day.ID)
	require.NoError(t, err)
	require.Zero(t, f.remaining(t))

	_, _, err = f.participations.Claim(ctx, memberB, f.day.ID)
	require.True(t, errutil.Is(err, errutil.StatusSoldOut))

	_, err = f.participations.Submit(ctx, memberA, a.ID, participation.SubmitRequest{ProofText: "photo"})
	require.NoError(t, err)
	out, err := f.engine.Reject(ctx, super, a.ID, "blurry photo")
	require.NoError(t, err)
	require.Equal(t, participation.StatusRejected, out.Status)
	require.Equal(t, "blurry photo", out.FailureReason)
	require.Equal(t, 1, f.remaining(t))

	b, created, err := f.participations.Claim(ctx, memberB, f.day.ID)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, participation.StatusInProgress, b.Status)

	var n int64
	require.NoError(t, f.db.Model(&ledger.CreditEntry{}).Count(&n).Error)
	require.Zero(t, n, "rejection never moves money")

	_, err = f.engine.Reject(ctx, super, a.ID, "again")
	require.True(t, errutil.Is(err, errutil.StatusInvalidState))
}

func TestQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	first := f.submitted(t, memberA)
	f.submitted(t, memberB)

	rows, info, err := f.engine.Queue(ctx, super, QueueFilter{AdvertiserID: "adv-1"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, first.ID, rows[0].ID)
	require.False(t, info.HasMore)

	_, _, err = f.engine.Queue(ctx, manager, QueueFilter{AdvertiserID: "adv-1"})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))
}

func newEngine(f *fixture, user *middleware.User) *gin.Engine {
	e := gin.New()
	e.Use(middleware.Error())
	r := &server.Router{Engine: e, API: e.Group("/api", func(c *gin.Context) { middleware.SetUser(c, user) })}
	registerRoutes(r, f.engine)
	return e
}

func TestRejectEndpoint(t *testing.T) {
	f := newFixture(t, 1)
	p := f.submitted(t, memberA)
	e := newEngine(f, &middleware.User{ID: "admin", Role: "SUPER"})

	req := httptest.NewRequest(http.MethodPost, "/api/participations/"+p.ID+"/reject", strings.NewReader(`{"reason":""}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/participations/"+p.ID+"/reject", strings.NewReader(`{"reason":"blurry photo"}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"success":true`)
}

func TestApproveEndpointErrors(t *testing.T) {
	f := newFixture(t, 1)
	p := f.submitted(t, memberA)

	w := httptest.NewRecorder()
	newEngine(f, &middleware.User{ID: "m-a", Role: "MEMBER"}).
		ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/participations/"+p.ID+"/approve", nil))
	require.Equal(t, http.StatusForbidden, w.Code)

	e := newEngine(f, &middleware.User{ID: "admin", Role: "SUPER"})
	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/participations/"+p.ID+"/approve", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/participations/"+p.ID+"/approve", nil))
	require.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/participations/missing/approve", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}
