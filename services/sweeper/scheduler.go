package sweeper

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"mission-marketplace/pkg/config"
	"mission-marketplace/pkg/task"
)

// Scheduler enqueues the expiry sweep every interval and the status sync
// once a day at syncHour UTC. The work itself runs in the asynq handlers.
type Scheduler struct {
	enqueuer task.Enqueuer
	interval time.Duration
	syncHour int
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(cfg *config.Config, enqueuer task.Enqueuer) *Scheduler {
	interval := cfg.Cron.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		enqueuer: enqueuer,
		interval: interval,
		syncHour: cfg.Cron.StatusSyncHour,
	}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			s.cancel = cancel
			s.done = make(chan struct{})
			go s.run(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if s.cancel == nil {
				return nil
			}
			s.cancel()
			select {
			case <-s.done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	zap.L().Info("[Scheduler] started", zap.Duration("sweep_interval", s.interval), zap.Int("sync_hour", s.syncHour))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		now := time.Now().UTC()
		next := nextRunTime(now, s.syncHour, 0)

		select {
		case <-ticker.C:
			s.enqueue(ctx, task.ParticipationExpirySweep, s.interval)
		case <-time.After(next.Sub(now)):
			s.enqueue(ctx, task.MissionDayStatusSync, time.Hour)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) enqueue(ctx context.Context, taskType string, unique time.Duration) {
	info, err := s.enqueuer.Enqueue(ctx, asynq.NewTask(taskType, nil),
		asynq.Queue(task.QueueCritical),
		asynq.Unique(unique),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
	)
	if err != nil {
		zap.L().Warn("[Scheduler] enqueue skipped", zap.String("task", taskType), zap.Error(err))
		return
	}
	zap.L().Debug("[Scheduler] enqueued", zap.String("task", taskType), zap.String("task_id", info.ID))
}

// nextRunTime returns the next occurrence of hour:minute after now.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !now.Before(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
