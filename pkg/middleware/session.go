package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"mission-marketplace/pkg/config"
	"mission-marketplace/pkg/errutil"
)

const (
	userKey     = "current_user"
	clockLeeway = 30 * time.Second
)

// User is the authenticated caller resolved from the session token.
type User struct {
	ID   string
	Role string
}

type sessionClaims struct {
	Role string `json:"role"`
}

// SessionResolver reads HS256 session tokens from the Authorization header
// or the session cookie.
type SessionResolver struct {
	secret     []byte
	cookieName string
	now        func() time.Time
}

func NewSessionResolver(cfg *config.Config) *SessionResolver {
	return &SessionResolver{
		secret:     []byte(cfg.Session.Secret),
		cookieName: cfg.Session.Name,
		now:        time.Now,
	}
}

func (r *SessionResolver) Resolve(c *gin.Context) (*User, error) {
	raw := bearerToken(c.GetHeader("Authorization"))
	if raw == "" && r.cookieName != "" {
		raw, _ = c.Cookie(r.cookieName)
	}
	if raw == "" {
		return nil, errutil.Unauthorized("authentication required", nil)
	}
	if len(r.secret) == 0 {
		return nil, errutil.Internal("session secret is not configured", nil)
	}

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, errutil.Unauthorized("invalid session", err)
	}

	var std jwt.Claims
	var custom sessionClaims
	if err := tok.Claims(r.secret, &std, &custom); err != nil {
		return nil, errutil.Unauthorized("invalid session", err)
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Time: r.now()}, clockLeeway); err != nil {
		return nil, errutil.Unauthorized("session expired", err)
	}
	if std.Subject == "" || custom.Role == "" {
		return nil, errutil.Unauthorized("invalid session", errors.New("missing sub or role claim"))
	}

	return &User{ID: std.Subject, Role: strings.ToUpper(custom.Role)}, nil
}

// Issue signs a session token. Used by the seed tool and tests.
func (r *SessionResolver) Issue(userID, role string, ttl time.Duration) (string, error) {
	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: r.secret},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", err
	}

	now := r.now()
	std := jwt.Claims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.Signed(sig).Claims(std).Claims(sessionClaims{Role: role}).Serialize()
}

// Session rejects requests without a valid session and stores the caller
// on the gin context.
func Session(r *SessionResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := r.Resolve(c)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

// CurrentUser returns the caller stored by Session.
func CurrentUser(c *gin.Context) (*User, error) {
	v, ok := c.Get(userKey)
	if !ok {
		return nil, errutil.Unauthorized("authentication required", nil)
	}
	u, ok := v.(*User)
	if !ok || u == nil {
		return nil, errutil.Unauthorized("authentication required", nil)
	}
	return u, nil
}

// SetUser stores u on the context. Handler tests use it in place of Session.
func SetUser(c *gin.Context, u *User) {
	c.Set(userKey, u)
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
