package sweeper

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mission-marketplace/pkg/server"
	"mission-marketplace/pkg/task"
)

func registerRoutes(r *server.Router, s *Sweeper) {
	r.Cron.GET("/expire-participations", s.expireHandler)
	r.Cron.GET("/sync-mission-days", s.syncHandler)
}

func (s *Sweeper) expireHandler(c *gin.Context) {
	ctx := c.Request.Context()
	var res Result
	err := s.record(ctx, task.ParticipationExpirySweep, triggerCron, func() (any, error) {
		var err error
		res, err = s.Sweep(ctx, s.now())
		return res, err
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Sweeper) syncHandler(c *gin.Context) {
	ctx := c.Request.Context()
	var res SyncResult
	err := s.record(ctx, task.MissionDayStatusSync, triggerCron, func() (any, error) {
		var err error
		res, err = s.SyncMissionDays(ctx, s.now())
		return res, err
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}
