// Package auth resolves actors to permissions using the RBAC section of
// readiness.yml.
package auth

import (
	"readiness/internal/config"
	"readiness/internal/domain"
)

// Principal is an authenticated actor and the permissions it holds.
type Principal struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (p Principal) Has(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError when p lacks perm.
func (p Principal) Require(perm string) error {
	if !p.Has(perm) {
		return domain.ForbiddenError{Permission: perm}
	}
	return nil
}

// Service provides RBAC helpers backed by config.
type Service struct {
	Config *config.Config
}

// Resolve builds the principal for actorID. Roles carried by a token take
// precedence over configured assignments; explicit permissions are added.
func (s Service) Resolve(actorID string, tokenRoles, tokenPermissions []string) Principal {
	p := Principal{ActorID: actorID}
	if s.Config == nil {
		p.Permissions = dedupe(tokenPermissions)
		return p
	}
	roles := tokenRoles
	if len(roles) == 0 {
		roles = s.Config.RolesFor(actorID)
	}
	p.Roles = dedupe(roles)
	p.Permissions = dedupe(append(s.Config.Permissions(p.Roles), tokenPermissions...))
	return p
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
