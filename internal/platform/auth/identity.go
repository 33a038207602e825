package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Identity is the authenticated caseworker or approver.
type Identity struct {
	UID         string
	Email       string
	DisplayName string
	// Roles are lower-cased and de-duplicated, e.g. payments-refund-approver-probate.
	Roles []string
}

// HasRole compares case-insensitively.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, held := range i.Roles {
		if normaliseRole(held) == role {
			return true
		}
	}
	return false
}

func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

func (i *Identity) RefundRoles() RefundRoles {
	if i == nil {
		return ParseRefundRoles(nil)
	}
	return ParseRefundRoles(i.Roles)
}

// Actor is the id recorded as createdBy/updatedBy on refunds and ledger rows.
func (i *Identity) Actor() string {
	if i == nil {
		return ""
	}
	return strings.TrimSpace(i.UID)
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func identityFromToken(token *firebaseauth.Token, roleClaim string) *Identity {
	return &Identity{
		UID:         token.UID,
		Email:       stringClaim(token.Claims, "email"),
		DisplayName: stringClaim(token.Claims, "name"),
		Roles:       rolesClaim(token.Claims, roleClaim),
	}
}

// rolesClaim accepts a JSON array or a comma separated string.
func rolesClaim(claims map[string]any, key string) []string {
	var raw []string
	switch v := claims[key].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case []string:
		raw = v
	}
	roles := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		role := normaliseRole(item)
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}
	return roles
}

func stringClaim(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return strings.TrimSpace(v)
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
