package review

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/server"
	"mission-marketplace/services/authz"
)

type approveRequest struct {
	ReviewComments string `json:"reviewComments" form:"reviewComments" binding:"max=2000"`
}

type rejectRequest struct {
	Reason string `json:"reason" form:"reason" binding:"required,min=1,max=200"`
}

type handler struct {
	engine *Engine
}

func registerRoutes(r *server.Router, e *Engine) {
	h := &handler{engine: e}

	r.API.GET("/reviews/queue", h.queue)
	r.API.POST("/participations/:id/approve", h.approve)
	r.API.POST("/participations/:id/reject", h.reject)
}

func (h *handler) approve(c *gin.Context) {
	actor, err := authz.ActorFrom(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var req approveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBind(&req); err != nil {
			_ = c.Error(errutil.ValidationFailed("invalid approval", err))
			return
		}
	}

	p, err := h.engine.Approve(c.Request.Context(), actor, c.Param("id"), req.ReviewComments)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "participation": p})
}

func (h *handler) reject(c *gin.Context) {
	actor, err := authz.ActorFrom(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var req rejectRequest
	if err := c.ShouldBind(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("reason must be 1 to 200 characters", err))
		return
	}

	p, err := h.engine.Reject(c.Request.Context(), actor, c.Param("id"), req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "participation": p})
}

func (h *handler) queue(c *gin.Context) {
	actor, err := authz.ActorFrom(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var f QueueFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid query", err))
		return
	}

	rows, info, err := h.engine.Queue(c.Request.Context(), actor, f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participations": rows, "pageInfo": info})
}
