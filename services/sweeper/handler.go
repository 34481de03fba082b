package sweeper

import (
	"context"

	"github.com/hibiken/asynq"

	"mission-marketplace/pkg/task"
)

const (
	triggerCron   = "cron"
	triggerWorker = "worker"
)

func registerHandlers(mux *asynq.ServeMux, s *Sweeper) {
	mux.HandleFunc(task.ParticipationExpirySweep, s.HandleSweep)
	mux.HandleFunc(task.MissionDayStatusSync, s.HandleStatusSync)
}

func (s *Sweeper) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	return s.record(ctx, task.ParticipationExpirySweep, triggerWorker, func() (any, error) {
		return s.Sweep(ctx, s.now())
	})
}

func (s *Sweeper) HandleStatusSync(ctx context.Context, _ *asynq.Task) error {
	return s.record(ctx, task.MissionDayStatusSync, triggerWorker, func() (any, error) {
		return s.SyncMissionDays(ctx, s.now())
	})
}
