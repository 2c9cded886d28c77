package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/odometer/pkg/auth"
	"github.com/platinummonkey/odometer/pkg/contextkeys"
	"github.com/platinummonkey/odometer/pkg/httputil"
	"github.com/platinummonkey/odometer/pkg/membership"
	"github.com/platinummonkey/odometer/pkg/observability"
	"github.com/platinummonkey/odometer/pkg/orgs"
)

// TenantMiddleware resolves the organization the caller is acting within
// and heals missing tenant linkage on the way.
//
// It must run after IdentityMiddleware.
type TenantMiddleware struct {
	resolver   *membership.Resolver
	healer     *membership.Healer
	cookieName string
	log        *logrus.Logger
}

// NewTenantMiddleware creates a tenant middleware reading the active
// organization hint from cookieName
func NewTenantMiddleware(resolver *membership.Resolver, healer *membership.Healer, cookieName string, log *logrus.Logger) *TenantMiddleware {
	if log == nil {
		log = logrus.New()
	}
	return &TenantMiddleware{
		resolver:   resolver,
		healer:     healer,
		cookieName: cookieName,
		log:        log,
	}
}

// Handler stores the caller's membership in the request context. A request
// never reaches next without one.
func (m *TenantMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := auth.IdentityFromContext(r.Context())
		if id == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		ctx := r.Context()
		hint := ActiveOrgHint(r, m.cookieName)
		if hint != nil {
			ctx = context.WithValue(ctx, contextkeys.ActiveOrgKey, hint)
		}

		mem, err := m.resolver.Resolve(ctx, id, hint)
		if errors.Is(err, orgs.ErrNotFound) {
			mem, err = m.healer.EnsureUserHasOrg(ctx, id)
		}
		if err != nil {
			m.fail(w, r, id, err)
			return
		}

		ctx = context.WithValue(ctx, contextkeys.MembershipKey, mem)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *TenantMiddleware) fail(w http.ResponseWriter, r *http.Request, id *auth.Identity, err error) {
	entry := observability.FromContext(r.Context(), m.log).
		WithField("user_id", id.UserID).
		WithError(err)

	switch {
	case errors.Is(err, orgs.ErrIntegrityRisk):
		entry.Error("Organization setup left an integrity risk")
		httputil.WriteDetailedError(w, http.StatusInternalServerError, "integrity_risk",
			"organization setup failed", nil)
	case errors.Is(err, orgs.ErrForbidden):
		httputil.WriteForbidden(w, "access denied")
	default:
		entry.Warn("Tenant resolution failed")
		httputil.WriteServiceUnavailable(w, "organization service unavailable")
	}
}

// ActiveOrgHint reads the active organization cookie. Missing or malformed
// values yield nil.
func ActiveOrgHint(r *http.Request, cookieName string) *uuid.UUID {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return nil
	}
	id, err := uuid.Parse(c.Value)
	if err != nil || id == uuid.Nil {
		return nil
	}
	return &id
}

// GetMembership returns the membership set by TenantMiddleware, or nil
func GetMembership(r *http.Request) *orgs.Membership {
	if m, ok := r.Context().Value(contextkeys.MembershipKey).(*orgs.Membership); ok {
		return m
	}
	return nil
}

// GetActiveOrgHint returns the hint TenantMiddleware resolved with, or nil
func GetActiveOrgHint(r *http.Request) *uuid.UUID {
	if h, ok := r.Context().Value(contextkeys.ActiveOrgKey).(*uuid.UUID); ok {
		return h
	}
	return nil
}
