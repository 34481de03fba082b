package payout

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/server"
	"mission-marketplace/services/authz"
)

type rejectRequest struct {
	Reason string `json:"reason" binding:"required,min=1,max=200"`
}

type handler struct {
	svc *Service
}

func registerRoutes(r *server.Router, svc *Service) {
	h := &handler{svc: svc}

	g := r.API.Group("/payouts")
	g.POST("", h.request)
	g.GET("", h.list)
	g.GET("/available", h.available)
	g.GET("/:id", h.get)
	g.POST("/:id/approve", h.approve)
	g.POST("/:id/reject", h.reject)
}

func (h *handler) request(c *gin.Context) {
	actor, err := authz.ActorFrom(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var in RequestInput
	if err := c.ShouldBindJSON(&in); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid payout request", err))
		return
	}

	p, err := h.svc.Request(c.Request.Context(), actor, in)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payout": p})
}

func (h *handler) available(c *gin.Context) {
	actor, err := authz.ActorFrom(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	amount, err := h.svc.AvailableBalance(c.Request.Context(), actor.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewarderId": actor.ID, "availableKrw": amount})
}

func (h *handler) list(c *gin.Context) {
	actor, err := authz.ActorFrom(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var f ListFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid query", err))
		return
	}
	if actor.Role != authz.RoleSuper {
		f.RewarderID = actor.ID
	}

	rows, info, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": rows, "pageInfo": info})
}

func (h *handler) get(c *gin.Context) {
	actor, err := authz.ActorFrom(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	p, err := h.svc.View(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

func (h *handler) approve(c *gin.Context) {
	actor, err := authz.ActorFrom(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	p, err := h.svc.Approve(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

func (h *handler) reject(c *gin.Context) {
	actor, err := authz.ActorFrom(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("reason is required", err))
		return
	}

	p, err := h.svc.Reject(c.Request.Context(), actor, c.Param("id"), req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}
