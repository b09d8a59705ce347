package chat

import (
	"relaychat/internal/app/user"
	"relaychat/internal/configs"
)

// Policy decides which sender roles may message which recipient roles.
//
// Privileged roles may message every known role. Other roles may only message the roles
// listed for them in the rule table. A recipient whose role is unknown is denied, unless
// AllowUnknownFromPrivileged is set and the sender is privileged.
type Policy struct {
	roles      []user.Role
	known      map[user.Role]struct{}
	privileged map[user.Role]struct{}
	allowed    map[user.Role]map[user.Role]struct{}

	AllowUnknownFromPrivileged bool
}

// NewPolicy builds a Policy from explicit role, privileged role and rule lists.
func NewPolicy(roles, privileged []user.Role, rules []configs.Rule) *Policy {
	p := &Policy{
		roles:      append([]user.Role(nil), roles...),
		known:      make(map[user.Role]struct{}, len(roles)),
		privileged: make(map[user.Role]struct{}, len(privileged)),
		allowed:    make(map[user.Role]map[user.Role]struct{}),
	}

	for _, r := range roles {
		p.known[r] = struct{}{}
	}
	for _, r := range privileged {
		p.privileged[r] = struct{}{}
	}
	for _, rule := range rules {
		from, to := user.Role(rule.From), user.Role(rule.To)
		if p.allowed[from] == nil {
			p.allowed[from] = make(map[user.Role]struct{})
		}
		p.allowed[from][to] = struct{}{}
	}

	return p
}

// PolicyFromConfig builds the Policy described by the ROLES, PRIVILEGED_ROLES and
// ROUTING_RULES settings.
func PolicyFromConfig(cfg *configs.AppConfig) *Policy {
	p := NewPolicy(toRoles(cfg.Roles), toRoles(cfg.PrivilegedRoles), cfg.RoutingRules)
	p.AllowUnknownFromPrivileged = cfg.PrivilegedMayMessageUnknown
	return p
}

func toRoles(raw []string) []user.Role {
	roles := make([]user.Role, 0, len(raw))
	for _, r := range raw {
		roles = append(roles, user.Role(r))
	}
	return roles
}

// IsAllowed reports whether a participant of senderRole may message one of recipientRole.
func (p *Policy) IsAllowed(senderRole, recipientRole user.Role) bool {
	if !p.IsKnownRole(senderRole) {
		return false
	}

	if !p.IsKnownRole(recipientRole) {
		return p.AllowUnknownFromPrivileged && p.IsPrivileged(senderRole)
	}

	if p.IsPrivileged(senderRole) {
		return true
	}

	_, ok := p.allowed[senderRole][recipientRole]
	return ok
}

func (p *Policy) IsKnownRole(r user.Role) bool {
	_, ok := p.known[r]
	return ok
}

func (p *Policy) IsPrivileged(r user.Role) bool {
	_, ok := p.privileged[r]
	return ok
}

// Roles returns the configured roles in configuration order.
func (p *Policy) Roles() []user.Role {
	return append([]user.Role(nil), p.roles...)
}
