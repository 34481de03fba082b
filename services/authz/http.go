package authz

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/middleware"
	"mission-marketplace/pkg/server"
)

// ActorFrom converts the session user into an Actor.
func ActorFrom(c *gin.Context) (Actor, error) {
	u, err := middleware.CurrentUser(c)
	if err != nil {
		return Actor{}, err
	}
	role := Role(u.Role)
	if !role.Valid() {
		return Actor{}, errutil.Forbidden("unknown role", nil)
	}
	return Actor{ID: u.ID, Role: role}, nil
}

type assignmentRequest struct {
	ManagerID    string `json:"managerId" binding:"required"`
	AdvertiserID string `json:"advertiserId" binding:"required"`
}

type handler struct {
	authz *Authorizer
}

func registerRoutes(r *server.Router, a *Authorizer) {
	h := &handler{authz: a}

	admin := r.API.Group("/admin/assignments")
	admin.POST("", h.assign)
	admin.DELETE("", h.unassign)
	admin.GET("/:managerId", h.list)
}

func (h *handler) guard(c *gin.Context) bool {
	actor, err := ActorFrom(c)
	if err == nil {
		err = h.authz.Check(c.Request.Context(), nil, actor, Resource{Kind: KindAssignment}, ActionManage)
	}
	if err != nil {
		_ = c.Error(err)
		return false
	}
	return true
}

func (h *handler) assign(c *gin.Context) {
	if !h.guard(c) {
		return
	}
	var req assignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid assignment", err))
		return
	}

	row, err := h.authz.Assign(c.Request.Context(), req.ManagerID, req.AdvertiserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignment": row})
}

func (h *handler) unassign(c *gin.Context) {
	if !h.guard(c) {
		return
	}
	var req assignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid assignment", err))
		return
	}

	if err := h.authz.Unassign(c.Request.Context(), req.ManagerID, req.AdvertiserID); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handler) list(c *gin.Context) {
	if !h.guard(c) {
		return
	}
	rows, err := h.authz.ListAssignments(c.Request.Context(), c.Param("managerId"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": rows})
}
