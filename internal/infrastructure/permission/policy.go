// Package permission decides which actions a principal may perform on
// approval resources. Admin principals are allowed everything; everyone else
// is allowed everything except create.
package permission

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"go.uber.org/zap"

	"github.com/garyjia/devportal-approvals/internal/application/port"
)

// Actions checked by the HTTP surface
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

const adminRole = "role:admin"

// DefaultAdminRefs are the user or group refs granted admin
var DefaultAdminRefs = []string{"user:default/admin", "group:default/admins"}

const policyModel = `
[request_definition]
r = sub, act

[policy_definition]
p = sub, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (g(r.sub, p.sub) || p.sub == "*") && regexMatch(r.act, p.act)
`

// Policy evaluates permission requests with a casbin enforcer
type Policy struct {
	enforcer *casbin.SyncedEnforcer
	logger   *zap.Logger
}

// NewPolicy builds the admin-bypass policy. An empty adminRefs uses
// DefaultAdminRefs.
func NewPolicy(adminRefs []string, logger *zap.Logger) (*Policy, error) {
	m, err := model.NewModelFromString(policyModel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse permission model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create enforcer: %w", err)
	}

	if len(adminRefs) == 0 {
		adminRefs = DefaultAdminRefs
	}

	if _, err := enforcer.AddPolicy(adminRole, ".*"); err != nil {
		return nil, fmt.Errorf("failed to add admin policy: %w", err)
	}
	if _, err := enforcer.AddPolicy("*", "^(read|update|delete)$"); err != nil {
		return nil, fmt.Errorf("failed to add default policy: %w", err)
	}
	for _, ref := range adminRefs {
		if _, err := enforcer.AddGroupingPolicy(ref, adminRole); err != nil {
			return nil, fmt.Errorf("failed to add admin ref %q: %w", ref, err)
		}
	}

	return &Policy{enforcer: enforcer, logger: logger}, nil
}

// Allowed reports whether principal may perform action. The principal's
// user ref and every ownership ref are tried as subjects.
func (p *Policy) Allowed(principal *port.Principal, action string) (bool, error) {
	if principal == nil {
		return false, nil
	}

	subjects := append([]string{principal.UserRef}, principal.OwnershipRefs...)
	for _, sub := range subjects {
		if sub == "" {
			continue
		}
		ok, err := p.enforcer.Enforce(sub, action)
		if err != nil {
			return false, fmt.Errorf("failed to evaluate policy: %w", err)
		}
		if ok {
			return true, nil
		}
	}

	p.logger.Debug("Permission denied",
		zap.String("user", principal.UserRef),
		zap.String("action", action))
	return false, nil
}
