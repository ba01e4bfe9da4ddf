package http

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/devportal-approvals/internal/application/port"
	"github.com/garyjia/devportal-approvals/internal/domain/apperr"
	"github.com/garyjia/devportal-approvals/internal/infrastructure/identity"
)

// Permission actions, matching the policy's action names
const (
	actionCreate = "create"
	actionRead   = "read"
	actionUpdate = "update"
)

const principalKey = "principal"

type authenticator struct {
	identity   port.IdentityResolver
	authorizer Authorizer
	devHeader  string
	logger     Logger
}

func newAuthenticator(resolver port.IdentityResolver, authorizer Authorizer, devHeader string, logger Logger) *authenticator {
	return &authenticator{identity: resolver, authorizer: authorizer, devHeader: devHeader, logger: logger}
}

// authenticate resolves the caller and stores the principal on the context
func (a *authenticator) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := a.resolve(c)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func (a *authenticator) resolve(c *gin.Context) (*port.Principal, error) {
	header := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && a.identity != nil {
		return a.identity.ResolveToken(c.Request.Context(), token)
	}

	if a.devHeader != "" {
		if user := c.GetHeader(a.devHeader); user != "" {
			return identity.PrincipalFor(user, nil)
		}
	}
	return nil, apperr.Unauthorized("missing credentials")
}

// require aborts with 403 unless the principal may perform action
func (a *authenticator) require(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.authorizer == nil {
			c.Next()
			return
		}
		principal := principalFrom(c)
		allowed, err := a.authorizer.Allowed(principal, action)
		if err != nil {
			writeError(c, apperr.Internal(err, "permission check failed"))
			c.Abort()
			return
		}
		if !allowed {
			writeError(c, apperr.Forbidden("%s is not allowed to %s approvals", principal.UserRef, action))
			c.Abort()
			return
		}
		c.Next()
	}
}

func principalFrom(c *gin.Context) *port.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(*port.Principal); ok {
			return p
		}
	}
	return &port.Principal{}
}
