package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mission-marketplace/pkg/config"
	"mission-marketplace/pkg/errutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func newResolver() *SessionResolver {
	cfg := &config.Config{}
	cfg.Session.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Session.Name = "mm_session"
	return NewSessionResolver(cfg)
}

func sessionEngine(r *SessionResolver) *gin.Engine {
	e := gin.New()
	e.Use(Error())
	e.GET("/me", Session(r), func(c *gin.Context) {
		u, err := CurrentUser(c)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": u.ID, "role": u.Role})
	})
	return e
}

func TestSessionFromBearerAndCookie(t *testing.T) {
	r := newResolver()
	tok, err := r.Issue("member-1", "member", time.Hour)
	require.NoError(t, err)
	e := sessionEngine(r)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"id":"member-1","role":"MEMBER"}`, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: "mm_session", Value: tok})
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSessionRejectsExpiredAndForeignTokens(t *testing.T) {
	r := newResolver()
	e := sessionEngine(r)

	past := newResolver()
	past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := past.Issue("member-1", "MEMBER", time.Hour)
	require.NoError(t, err)

	other := newResolver()
	other.secret = []byte("another-secret-another-secret-00")
	foreign, err := other.Issue("member-1", "SUPER", time.Hour)
	require.NoError(t, err)

	for _, tok := range []string{expired, foreign, "garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		e.ServeHTTP(w, req)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestErrorRendersBaseErrorWithoutCause(t *testing.T) {
	e := gin.New()
	e.Use(Error())
	e.POST("/fail", func(c *gin.Context) {
		_ = c.Error(errutil.SoldOut("mission day is sold out", errors.New("rows affected 0")))
	})
	e.POST("/boom", func(c *gin.Context) {
		_ = c.Error(errors.New("dial tcp: connection refused"))
	})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/fail", nil))
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "sold_out")
	require.NotContains(t, w.Body.String(), "rows affected")

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "connection refused")
}

func TestErrorRedirectsFormPosts(t *testing.T) {
	e := gin.New()
	e.Use(Error())
	e.POST("/claim", Redirect("/missions", errutil.StatusSoldOut), func(c *gin.Context) {
		_ = c.Error(errutil.SoldOut("mission day is sold out", nil))
	})
	e.POST("/submit", func(c *gin.Context) {
		_ = c.Error(errutil.InvalidState("participation expired", nil))
	})

	req := httptest.NewRequest(http.MethodPost, "/claim", nil)
	req.Header.Set("Accept", "text/html")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusSeeOther, w.Code)
	require.Equal(t, "/missions?error_code=sold_out", w.Header().Get("Location"))

	req = httptest.NewRequest(http.MethodPost, "/submit?redirect=/participations/1", nil)
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusSeeOther, w.Code)
	require.Contains(t, w.Header().Get("Location"), "/participations/1?")
	require.Contains(t, w.Header().Get("Location"), "error_code=invalid_state")

	req = httptest.NewRequest(http.MethodPost, "/submit?redirect=//evil.example", nil)
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestSharedSecret(t *testing.T) {
	e := gin.New()
	e.Use(Error())
	e.GET("/cron", SharedSecret("s3cret", "X-Cron-Secret", "secret"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cron?secret=s3cret", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/cron", nil)
	req.Header.Set("X-Cron-Secret", "s3cret")
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cron?secret=nope", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestID(t *testing.T) {
	e := gin.New()
	e.Use(RequestID())
	e.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, RequestIDFrom(c))
	})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Len(t, w.Header().Get(RequestIDHeader), 36)
	require.Equal(t, w.Header().Get(RequestIDHeader), w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, "abc-123", w.Body.String())
}
