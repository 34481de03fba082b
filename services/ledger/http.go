package ledger

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"mission-marketplace/pkg/db/pagination"
	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/server"
	"mission-marketplace/services/audit"
	"mission-marketplace/services/authz"
)

const (
	kindBudget = "budget"
	kindCredit = "credit"
)

// Holds reports credit earmarked by open payout requests.
type Holds interface {
	HeldAmount(ctx context.Context, rewarderID string) (int64, error)
}

type handler struct {
	store *Store
	authz *authz.Authorizer
	audit *audit.Sink
	holds Holds
}

type depositRequest struct {
	AdvertiserID string `json:"advertiserId" binding:"required"`
	AmountKRW    int64  `json:"amountKrw" binding:"required,gt=0"`
	RefID        string `json:"refId" binding:"required,max=64"`
}

type subjectQuery struct {
	SubjectID string `form:"subjectId"`
	Kind      string `form:"kind" binding:"omitempty,oneof=budget credit"`
	pagination.Pagination
}

func registerRoutes(r *server.Router, h *handler) {
	r.API.GET("/balance", h.balance)
	r.API.GET("/ledger/entries", h.entries)
	r.Internal.POST("/deposits", h.deposit)
}

// resolveSubject defaults the subject to the caller and checks read access.
func (h *handler) resolveSubject(c *gin.Context, q subjectQuery) (string, string, error) {
	actor, err := authz.ActorFrom(c)
	if err != nil {
		return "", "", err
	}

	subject := q.SubjectID
	if subject == "" {
		subject = actor.ID
	}

	kind := q.Kind
	if kind == "" {
		switch actor.Role {
		case authz.RoleAdvertiser:
			kind = kindBudget
		case authz.RoleMember:
			kind = kindCredit
		default:
			return "", "", errutil.ValidationFailed("kind is required", nil)
		}
	}

	res := authz.Resource{Kind: authz.KindBalance, OwnerID: subject}
	if kind == kindBudget {
		res.AdvertiserID = subject
	}
	if err := h.authz.Check(c.Request.Context(), nil, actor, res, authz.ActionRead); err != nil {
		return "", "", err
	}
	return subject, kind, nil
}

func (h *handler) balance(c *gin.Context) {
	var q subjectQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid query", err))
		return
	}
	subject, kind, err := h.resolveSubject(c, q)
	if err != nil {
		_ = c.Error(err)
		return
	}

	ctx := c.Request.Context()
	if kind == kindBudget {
		bal, err := h.store.BudgetBalance(ctx, subject)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balanceKrw": bal})
		return
	}

	bal, err := h.store.CreditBalance(ctx, subject)
	if err != nil {
		_ = c.Error(err)
		return
	}
	body := gin.H{"balanceKrw": bal}
	if h.holds != nil {
		held, err := h.holds.HeldAmount(ctx, subject)
		if err != nil {
			_ = c.Error(err)
			return
		}
		body["availableKrw"] = bal - held
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) entries(c *gin.Context) {
	var q subjectQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid query", err))
		return
	}
	subject, kind, err := h.resolveSubject(c, q)
	if err != nil {
		_ = c.Error(err)
		return
	}

	ctx := c.Request.Context()
	if kind == kindBudget {
		rows, info, err := h.store.ListBudget(ctx, subject, q.Pagination)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": rows, "pageInfo": info})
		return
	}

	rows, info, err := h.store.ListCredit(ctx, subject, q.Pagination)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": rows, "pageInfo": info})
}

func (h *handler) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid deposit", err))
		return
	}

	ctx := c.Request.Context()
	var (
		entry   *BudgetEntry
		created bool
	)
	err := h.store.Transaction(ctx, func(tx *gorm.DB, store *Store) error {
		var err error
		entry, created, err = store.Deposit(ctx, req.AdvertiserID, req.AmountKRW, req.RefID)
		if err != nil || !created {
			return err
		}
		return h.audit.Write(ctx, tx, audit.Entry{
			ActorID:    "payment-webhook",
			Action:     audit.ActionBudgetDeposit,
			EntityType: "budget_ledger",
			EntityID:   entry.ID,
			Metadata:   map[string]any{"advertiserId": req.AdvertiserID, "amountKrw": req.AmountKRW, "refId": req.RefID},
		})
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"entry": entry, "created": created})
}
