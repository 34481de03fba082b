package payout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"mission-marketplace/pkg/middleware"
	"mission-marketplace/pkg/server"
)

func newEngine(svc *Service, user *middleware.User) *gin.Engine {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.Use(middleware.Error())
	r := &server.Router{Engine: e, API: e.Group("/api", func(c *gin.Context) { middleware.SetUser(c, user) })}
	registerRoutes(r, svc)
	return e
}

func TestRequestEndpoint(t *testing.T) {
	_, svc, _ := newService(t, stubSequence{code: "PAY-1"})
	e := newEngine(svc, &middleware.User{ID: member.ID, Role: "MEMBER"})

	body := `{"amountKrw":12000,"bankInfo":{"bankName":"KB","accountNumber":"123","accountHolder":"Kim"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/payouts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/payouts/available", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var avail struct {
		AvailableKRW int64 `json:"availableKrw"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &avail))
	require.EqualValues(t, 13_000, avail.AvailableKRW)

	req = httptest.NewRequest(http.MethodPost, "/api/payouts", strings.NewReader(`{"amountKrw":12000}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListEndpointScopesToCaller(t *testing.T) {
	_, svc, _ := newService(t, stubSequence{code: "PAY-1"})
	_, err := svc.Request(context.Background(), member, RequestInput{AmountKRW: 10_000, BankInfo: bank})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	newEngine(svc, &middleware.User{ID: other.ID, Role: "MEMBER"}).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/payouts?rewarderId="+member.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), `"rewarderId":"m-1"`)

	w = httptest.NewRecorder()
	newEngine(svc, &middleware.User{ID: super.ID, Role: "SUPER"}).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/payouts?rewarderId="+member.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"rewarderId":"m-1"`)
}
