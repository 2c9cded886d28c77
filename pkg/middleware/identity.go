package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/odometer/pkg/auth"
	"github.com/platinummonkey/odometer/pkg/httputil"
	"github.com/platinummonkey/odometer/pkg/observability"
)

// Headers forwarded by the authenticating proxy
const (
	UserIDHeader    = "X-User-ID"
	UserEmailHeader = "X-User-Email"
	UserNameHeader  = "X-User-Name"
)

// IdentityMiddleware turns the forwarded identity headers into an
// *auth.Identity on the request context
type IdentityMiddleware struct {
	admins map[uuid.UUID]struct{}
	log    *logrus.Logger
}

// NewIdentityMiddleware creates an identity middleware. Users listed in
// adminIDs are marked as platform admins.
func NewIdentityMiddleware(adminIDs []uuid.UUID, log *logrus.Logger) *IdentityMiddleware {
	if log == nil {
		log = logrus.New()
	}
	admins := make(map[uuid.UUID]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &IdentityMiddleware{admins: admins, log: log}
}

// Handler rejects requests without a valid user id with 401
func (m *IdentityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if raw == "" {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		userID, err := uuid.Parse(raw)
		if err != nil || userID == uuid.Nil {
			observability.FromContext(r.Context(), m.log).
				WithField("user_id", raw).
				Debug("Rejected malformed forwarded user id")
			httputil.WriteUnauthorized(w, "invalid user id")
			return
		}

		id := &auth.Identity{
			UserID:      userID,
			Email:       strings.TrimSpace(r.Header.Get(UserEmailHeader)),
			DisplayName: strings.TrimSpace(r.Header.Get(UserNameHeader)),
		}
		_, id.PlatformAdmin = m.admins[userID]

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// GetIdentity returns the identity set by IdentityMiddleware, or nil
func GetIdentity(r *http.Request) *auth.Identity {
	return auth.IdentityFromContext(r.Context())
}
