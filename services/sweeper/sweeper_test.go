package sweeper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mission-marketplace/pkg/config"
	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/middleware"
	"mission-marketplace/pkg/server"
	"mission-marketplace/pkg/task"
	"mission-marketplace/pkg/task/mock"
	"mission-marketplace/services/audit"
	"mission-marketplace/services/authz"
	"mission-marketplace/services/campaign"
	"mission-marketplace/services/participation"
	"mission-marketplace/services/policy"
	"mission-marketplace/services/quota"
	"mission-marketplace/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

var advertiser = authz.Actor{ID: "adv-1", Role: authz.RoleAdvertiser}

type fixture struct {
	db             *gorm.DB
	sweeper        *Sweeper
	participations *participation.Service
	day            *quota.MissionDay
}

func newFixture(t *testing.T, dailyTarget int) *fixture {
	t.Helper()
	ctx := context.Background()

	db := testutil.NewTestDB(t,
		&campaign.Campaign{}, &quota.MissionDay{}, &participation.Participation{},
		&policy.Policy{}, &authz.ManagerAssignment{}, &audit.Log{}, &JobRun{},
	)
	node := testutil.NewNode(t)

	az, err := authz.NewAuthorizer(authz.Params{DB: db, Node: node})
	require.NoError(t, err)
	pol := policy.NewProvider(policy.Params{DB: db, Node: node})
	alloc := quota.NewAllocator(quota.Params{DB: db, Node: node})
	sink := audit.NewSink(audit.Params{DB: db, Node: node})
	campaigns := campaign.NewService(campaign.ServiceParams{
		DB: db, Node: node, Policy: pol, Quota: alloc, Authz: az, Audit: sink,
	})

	now := time.Now().UTC()
	c, err := campaigns.Create(ctx, advertiser, campaign.CreateRequest{
		Name:         "Flower shop",
		MissionType:  campaign.MissionTraffic,
		StartDate:    now,
		EndDate:      now.AddDate(0, 0, 1),
		DailyTarget:  dailyTarget,
		UnitPriceKRW: 500,
		RewardKRW:    200,
	})
	require.NoError(t, err)
	_, err = campaigns.Activate(ctx, advertiser, c.ID)
	require.NoError(t, err)
	day, err := alloc.FindByCampaignDate(ctx, c.ID, now)
	require.NoError(t, err)

	return &fixture{
		db:      db,
		day:     day,
		sweeper: NewSweeper(Params{DB: db, Node: node, Quota: alloc, Campaigns: campaigns, Audit: sink}),
		participations: participation.NewService(participation.Params{
			DB: db, Node: node, Policy: pol, Quota: alloc, Campaigns: campaigns, Authz: az, Audit: sink,
		}),
	}
}

func (f *fixture) claim(t *testing.T, memberID string) *participation.Participation {
	t.Helper()
	p, _, err := f.participations.Claim(context.Background(), authz.Actor{ID: memberID, Role: authz.RoleMember}, f.day.ID)
	require.NoError(t, err)
	return p
}

func (f *fixture) remaining(t *testing.T) int {
	t.Helper()
	var d quota.MissionDay
	require.NoError(t, f.db.First(&d, "id = ?", f.day.ID).Error)
	return d.QuotaRemaining
}

func TestSweepScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	claimedAt := time.Now().UTC()
	p := f.claim(t, "m-a")
	require.Zero(t, f.remaining(t))

	res, err := f.sweeper.Sweep(ctx, claimedAt.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, Result{}, res)

	res, err = f.sweeper.Sweep(ctx, claimedAt.Add(4*time.Minute))
	require.NoError(t, err)
	require.Equal(t, Result{Expired: 1, Restored: 1}, res)
	require.Equal(t, 1, f.remaining(t))

	got, err := f.participations.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, participation.StatusExpired, got.Status)

	res, err = f.sweeper.Sweep(ctx, claimedAt.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
	require.Equal(t, 1, f.remaining(t))

	var summaries int64
	require.NoError(t, f.db.Model(&audit.Log{}).Where("action = ?", audit.ActionExpirySweep).Count(&summaries).Error)
	require.Equal(t, int64(1), summaries)
}

func TestSweepGroupsByMissionDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	for _, id := range []string{"m-a", "m-b", "m-c"} {
		f.claim(t, id)
	}
	require.Zero(t, f.remaining(t))

	// one of them already moved to review and must be left alone
	var p participation.Participation
	require.NoError(t, f.db.Where("rewarder_id = ?", "m-b").First(&p).Error)
	require.NoError(t, f.db.Model(&p).Update("status", participation.StatusPendingReview).Error)

	res, err := f.sweeper.Sweep(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, Result{Expired: 2, Restored: 2}, res)
	require.Equal(t, 2, f.remaining(t))
}

func TestSweepDrainsLargeBacklog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	require.NoError(t, f.db.Model(&quota.MissionDay{}).Where("id = ?", f.day.ID).Update("quota_remaining", 0).Error)

	total := 2*sweepBatch + 7
	deadline := time.Now().UTC().Add(-time.Minute)
	rows := make([]participation.Participation, 0, total)
	for i := 0; i < total; i++ {
		rows = append(rows, participation.Participation{
			ID:           fmt.Sprintf("p-%05d", i),
			MissionDayID: f.day.ID,
			RewarderID:   fmt.Sprintf("m-%05d", i),
			Status:       participation.StatusInProgress,
			ExpiresAt:    deadline.Add(-time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, f.db.CreateInBatches(rows, 100).Error)

	res, err := f.sweeper.Sweep(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, Result{Expired: int64(total), Restored: int64(total)}, res)
	require.Equal(t, 1, f.remaining(t))

	var open int64
	require.NoError(t, f.db.Model(&participation.Participation{}).
		Where("status = ?", participation.StatusInProgress).Count(&open).Error)
	require.Zero(t, open)

	var summaries int64
	require.NoError(t, f.db.Model(&audit.Log{}).Where("action = ?", audit.ActionExpirySweep).Count(&summaries).Error)
	require.Equal(t, int64(1), summaries)
}

func TestSweepSummaryKeepsPartialProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	stop := errutil.Internal("failed to expire participations", nil)

	err := f.sweeper.finishSweep(ctx, Result{Expired: 2, Restored: 2}, time.Now().UTC(), stop)
	require.ErrorIs(t, err, stop)

	var log audit.Log
	require.NoError(t, f.db.First(&log, "action = ?", audit.ActionExpirySweep).Error)
	require.Contains(t, string(log.Metadata), `"expired":2`)
	require.Contains(t, string(log.Metadata), "failed to expire participations")
}

func TestSyncMissionDays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	out, err := f.sweeper.SyncMissionDays(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, SyncResult{}, out)

	out, err = f.sweeper.SyncMissionDays(ctx, time.Now().UTC().AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, SyncResult{DaysEnded: 1}, out)

	out, err = f.sweeper.SyncMissionDays(ctx, time.Now().UTC().AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Equal(t, SyncResult{DaysEnded: 0, CampaignsEnded: 1}, out)

	var d quota.MissionDay
	require.NoError(t, f.db.First(&d, "id = ?", f.day.ID).Error)
	require.Equal(t, quota.DayEnded, d.Status)
}

func TestHandleSweepRecordsRun(t *testing.T) {
	f := newFixture(t, 1)

	require.NoError(t, f.sweeper.HandleSweep(context.Background(), asynq.NewTask(task.ParticipationExpirySweep, nil)))

	var run JobRun
	require.NoError(t, f.db.First(&run, "task = ?", task.ParticipationExpirySweep).Error)
	require.Equal(t, RunSuccess, run.Status)
	require.Equal(t, triggerWorker, run.Trigger)
	require.NotNil(t, run.CompletedAt)
	require.JSONEq(t, `{"expired":0,"restored":0}`, string(run.Metadata))
}

func TestExpireEndpointRequiresSecret(t *testing.T) {
	f := newFixture(t, 1)
	f.claim(t, "m-a")
	f.sweeper.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }

	e := gin.New()
	e.Use(middleware.Error())
	r := &server.Router{Engine: e, Cron: e.Group("/cron", middleware.SharedSecret("s3cret", "X-Cron-Secret", "secret"))}
	registerRoutes(r, f.sweeper)

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cron/expire-participations", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cron/expire-participations?secret=s3cret", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"expired":1,"restored":1}`, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/cron/expire-participations", nil)
	req.Header.Set("X-Cron-Secret", "s3cret")
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"expired":0,"restored":0}`, w.Body.String())
}

func TestSchedulerEnqueuesSweep(t *testing.T) {
	got := make(chan string, 1)
	enq := mock.NewMockEnqueuer(gomock.NewController(t))
	enq.EXPECT().
		Enqueue(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
			select {
			case got <- t.Type():
			default:
			}
			return &asynq.TaskInfo{ID: "1"}, nil
		}).
		AnyTimes()

	cfg := &config.Config{}
	cfg.Cron.SweepInterval = 10 * time.Millisecond
	cfg.Cron.StatusSyncHour = (time.Now().UTC().Hour() + 12) % 24
	s := NewScheduler(cfg, enq)

	ctx, cancel := context.WithCancel(context.Background())
	s.done = make(chan struct{})
	go s.run(ctx)

	select {
	case typ := <-got:
		require.Equal(t, task.ParticipationExpirySweep, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("sweep was not enqueued")
	}
	cancel()
	<-s.done
}

func TestNextRunTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), nextRunTime(now, 0, 0))
	require.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), nextRunTime(now, 11, 0))
	require.Equal(t, time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC), nextRunTime(now, 10, 30))
}
