package participation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/middleware"
	"mission-marketplace/pkg/server"
	"mission-marketplace/services/authz"
)

// listingPath is where browser claims land when the mission cannot be taken.
const listingPath = "/missions"

type claimRequest struct {
	MissionDayID string `json:"missionDayId" form:"missionDayId"`
	CampaignID   string `json:"campaignId" form:"campaignId"`
}

type handler struct {
	svc *Service
}

func registerRoutes(r *server.Router, svc *Service) {
	h := &handler{svc: svc}

	r.API.POST("/missions/claim",
		middleware.Redirect(listingPath, errutil.StatusSoldOut, errutil.StatusInvalidState, errutil.StatusNotFound),
		h.claim,
	)

	g := r.API.Group("/participations")
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/submit", h.submit)
}

func (h *handler) claim(c *gin.Context) {
	actor, err := authz.ActorFrom(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var req claimRequest
	if err := c.ShouldBind(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid claim", err))
		return
	}

	ctx := c.Request.Context()
	var (
		p       *Participation
		created bool
	)
	switch {
	case req.MissionDayID != "":
		p, created, err = h.svc.Claim(ctx, actor, req.MissionDayID)
	case req.CampaignID != "":
		p, created, err = h.svc.ClaimToday(ctx, actor, req.CampaignID)
	default:
		err = errutil.ValidationFailed("missionDayId or campaignId is required", nil)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"participation": p, "created": created})
}

func (h *handler) submit(c *gin.Context) {
	actor, err := authz.ActorFrom(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid submission", err))
		return
	}

	p, err := h.svc.Submit(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participation": p})
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
	c.JSON(http.StatusOK, gin.H{"participation": p})
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

	rows, info, err := h.svc.ListByRewarder(c.Request.Context(), actor.ID, f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participations": rows, "pageInfo": info})
}
