package middleware

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mission-marketplace/pkg/errutil"
	"mission-marketplace/pkg/logger"
)

const redirectQuery = "redirect"

// Error renders the last error attached to the context. BaseErrors keep their
// code and message; anything else becomes a generic internal error. Causes
// are logged, never rendered. Browser form posts are redirected back to the
// originating page with the error encoded in the query string.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		var be errutil.BaseError
		if !errors.As(err, &be) {
			be = errutil.BaseError{Code: errutil.StatusInternal, Message: "internal server error", Err: err}
		}

		log := logger.FromContext(c.Request.Context()).With(
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", string(be.Code)),
		)
		if be.Code.HTTPStatus() >= http.StatusInternalServerError {
			log.Error("request failed", zap.Error(err))
		} else {
			log.Debug("request rejected", zap.Error(err))
		}

		if target, ok := redirectTarget(c); ok {
			c.Redirect(http.StatusSeeOther, withQuery(target, be.URL()))
			return
		}

		c.JSON(be.Code.HTTPStatus(), be.JSON())
	}
}

// redirectTarget decides whether the request came from an HTML form. An
// explicit ?redirect= wins; otherwise the same-origin Referer is used.
func redirectTarget(c *gin.Context) (string, bool) {
	if r := c.Query(redirectQuery); r != "" && strings.HasPrefix(r, "/") && !strings.HasPrefix(r, "//") {
		return r, true
	}

	if !strings.Contains(c.GetHeader("Accept"), "text/html") {
		return "", false
	}

	ref, err := url.Parse(c.GetHeader("Referer"))
	if err != nil || ref.Path == "" || (ref.Host != "" && ref.Host != c.Request.Host) {
		return "", false
	}
	return ref.Path, true
}

// Redirect sends form posts to target on the given error status instead of
// the referring page. Used for sold out or closed missions that should land
// on the listing page.
func Redirect(target string, statuses ...errutil.CoreStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		if !strings.Contains(c.GetHeader("Accept"), "text/html") && c.Query(redirectQuery) == "" {
			return
		}

		st := errutil.StatusOf(c.Errors.Last().Err)
		for _, s := range statuses {
			if s == st {
				q := url.Values{}
				q.Set("error_code", string(st))
				c.Redirect(http.StatusSeeOther, withQuery(target, q.Encode()))
				return
			}
		}
	}
}

func withQuery(target, query string) string {
	if strings.Contains(target, "?") {
		return target + "&" + query
	}
	return target + "?" + query
}
