package campaign

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/server"
	"mission-marketplace/services/authz"
)

type handler struct {
	svc *Service
}

func registerRoutes(r *server.Router, svc *Service) {
	h := &handler{svc: svc}

	g := r.API.Group("/campaigns")
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/by-slug/:slug", h.getBySlug)
	g.GET("/:id/days", h.days)
	g.POST("/:id/activate", h.status(svc.Activate))
	g.POST("/:id/pause", h.status(svc.Pause))
	g.POST("/:id/end", h.status(svc.End))
}

func (h *handler) create(c *gin.Context) {
	actor, err := authz.ActorFrom(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid campaign", err))
		return
	}

	out, err := h.svc.Create(c.Request.Context(), actor, req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"campaign": out})
}

func (h *handler) list(c *gin.Context) {
	var f ListFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid query", err))
		return
	}
	rows, info, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": rows, "pageInfo": info})
}

func (h *handler) get(c *gin.Context) {
	out, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": out})
}

func (h *handler) getBySlug(c *gin.Context) {
	out, err := h.svc.GetBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": out})
}

func (h *handler) days(c *gin.Context) {
	days, err := h.svc.MissionDays(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"missionDays": days})
}

func (h *handler) status(fn func(context.Context, authz.Actor, string) (*Campaign, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := authz.ActorFrom(c)
		if err != nil {
			_ = c.Error(err)
			return
		}
		out, err := fn(c.Request.Context(), actor, c.Param("id"))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"campaign": out})
	}
}
