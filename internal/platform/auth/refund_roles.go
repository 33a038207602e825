package auth

import (
	"errors"
	"sort"
	"strings"
)

const (
	// RefundRequestorPrefix scopes a caseworker to a service.
	RefundRequestorPrefix = "payments-refund-"
	// RefundApproverPrefix scopes an approver to a service.
	RefundApproverPrefix = "payments-refund-approver-"
	// RoleRefundAdmin may delete refunds.
	RoleRefundAdmin = "payments-refund-admin"
)

// ErrNoRefundServiceRole signals the caller holds no service-scoped refund role.
var ErrNoRefundServiceRole = errors.New("auth: no service scoped refund role")

// RefundRoles is the structured form of a caller's refund roles.
type RefundRoles struct {
	requestor map[string]struct{}
	approver  map[string]struct{}
}

// ParseRefundRoles matches role strings by literal prefix. The unscoped
// payments-refund and payments-refund-approver roles carry no service.
func ParseRefundRoles(roles []string) RefundRoles {
	parsed := RefundRoles{
		requestor: make(map[string]struct{}),
		approver:  make(map[string]struct{}),
	}
	for _, raw := range roles {
		role := normaliseRole(raw)
		switch {
		case role == RoleRefundAdmin:
			continue
		case strings.HasPrefix(role, RefundApproverPrefix):
			if service := strings.TrimPrefix(role, RefundApproverPrefix); service != "" {
				parsed.approver[service] = struct{}{}
			}
		case strings.HasPrefix(role, RefundRequestorPrefix):
			service := strings.TrimPrefix(role, RefundRequestorPrefix)
			if service != "" && service != "approver" {
				parsed.requestor[service] = struct{}{}
			}
		}
	}
	return parsed
}

// Services returns every service the caller is scoped to, sorted.
func (r RefundRoles) Services() ([]string, error) {
	seen := make(map[string]struct{}, len(r.requestor)+len(r.approver))
	for service := range r.requestor {
		seen[service] = struct{}{}
	}
	for service := range r.approver {
		seen[service] = struct{}{}
	}
	if len(seen) == 0 {
		return nil, ErrNoRefundServiceRole
	}
	out := make([]string, 0, len(seen))
	for service := range seen {
		out = append(out, service)
	}
	sort.Strings(out)
	return out, nil
}

// CanAccessService reports whether the caller may see or raise refunds for service.
func (r RefundRoles) CanAccessService(service string) bool {
	service = normaliseRole(service)
	if service == "" {
		return false
	}
	_, requestor := r.requestor[service]
	_, approver := r.approver[service]
	return requestor || approver
}

// CanApproveService reports whether the caller may review refunds for service.
func (r RefundRoles) CanApproveService(service string) bool {
	service = normaliseRole(service)
	if service == "" {
		return false
	}
	_, ok := r.approver[service]
	return ok
}

// IsApprover reports whether the caller can approve for at least one service.
func (r RefundRoles) IsApprover() bool {
	return len(r.approver) > 0
}
