package policy

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/server"
	"mission-marketplace/services/authz"
)

type putRequest struct {
	Value json.RawMessage `json:"value" binding:"required"`
}

type handler struct {
	provider *Provider
	authz    *authz.Authorizer
}

func registerRoutes(r *server.Router, p *Provider, a *authz.Authorizer) {
	h := &handler{provider: p, authz: a}

	g := r.API.Group("/admin/policies")
	g.GET("/:key", h.get)
	g.PUT("/:key", h.put)
}

func (h *handler) guard(c *gin.Context) error {
	actor, err := authz.ActorFrom(c)
	if err != nil {
		return err
	}
	return h.authz.Check(c.Request.Context(), nil, actor, authz.Resource{Kind: authz.KindPolicy}, authz.ActionWrite)
}

func (h *handler) get(c *gin.Context) {
	if err := h.guard(c); err != nil {
		_ = c.Error(err)
		return
	}
	pol := h.provider.lookup(c.Request.Context(), c.Param("key"))
	if pol == nil {
		_ = c.Error(errutil.NotFound("policy not found", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": pol})
}

func (h *handler) put(c *gin.Context) {
	if err := h.guard(c); err != nil {
		_ = c.Error(err)
		return
	}
	var req putRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid policy value", err))
		return
	}

	pol, err := h.provider.Put(c.Request.Context(), c.Param("key"), req.Value)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": pol})
}
