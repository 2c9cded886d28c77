package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/odometer/pkg/auth"
	"github.com/platinummonkey/odometer/pkg/billing"
	"github.com/platinummonkey/odometer/pkg/httputil"
	"github.com/platinummonkey/odometer/pkg/membership"
	"github.com/platinummonkey/odometer/pkg/middleware"
	"github.com/platinummonkey/odometer/pkg/orgs"
)

const activeOrgCookieMaxAge = 365 * 24 * time.Hour

// CookieConfig describes the active organization cookie
type CookieConfig struct {
	Name   string
	Secure bool
}

// OrgHandlers handles membership and entitlement requests
type OrgHandlers struct {
	directory *membership.Directory
	checker   *membership.Checker
	manager   *billing.Manager
	cookie    CookieConfig
	log       *logrus.Logger
}

// NewOrgHandlers creates a new OrgHandlers
func NewOrgHandlers(directory *membership.Directory, checker *membership.Checker, manager *billing.Manager,
	cookie CookieConfig, log *logrus.Logger) *OrgHandlers {
	if log == nil {
		log = logrus.New()
	}
	return &OrgHandlers{
		directory: directory,
		checker:   checker,
		manager:   manager,
		cookie:    cookie,
		log:       log,
	}
}

// RegisterRoutes registers organization routes. The router must run the
// identity and tenant middleware.
func (h *OrgHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs", h.ListOrganizations).Methods("GET")
	router.HandleFunc("/orgs/switch", h.SwitchOrganization).Methods("POST")
	router.HandleFunc("/orgs/current", h.GetCurrent).Methods("GET")
	router.HandleFunc("/orgs/current/entitlements", h.GetEntitlements).Methods("GET")
	router.HandleFunc("/vehicles/{id}/access", h.GetVehicleAccess).Methods("GET")
}

// OrgListResponse is the organization switcher payload
type OrgListResponse struct {
	ActiveOrgID   uuid.UUID                `json:"active_org_id"`
	Organizations []orgs.MembershipSummary `json:"organizations"`
}

// ListOrganizations lists the caller's memberships
func (h *OrgHandlers) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r)
	current := middleware.GetMembership(r)

	summaries, err := h.directory.ListMemberships(r.Context(), id.UserID)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	if summaries == nil {
		summaries = []orgs.MembershipSummary{}
	}

	_ = httputil.WriteJSON(w, http.StatusOK, OrgListResponse{
		ActiveOrgID:   current.OrgID,
		Organizations: summaries,
	})
}

// SwitchRequest selects the active organization
type SwitchRequest struct {
	OrgID uuid.UUID `json:"org_id"`
}

// SwitchOrganization validates membership and sets the active organization
// cookie. Platform admins may switch to any existing organization.
func (h *OrgHandlers) SwitchOrganization(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r)

	var req SwitchRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.OrgID == uuid.Nil {
		httputil.WriteBadRequest(w, "org_id is required")
		return
	}

	var summary *orgs.MembershipSummary
	if id.PlatformAdmin {
		sub, err := h.manager.Current(r.Context(), id, &req.OrgID)
		if err != nil {
			writeServiceError(w, r, h.log, err)
			return
		}
		summary = &orgs.MembershipSummary{OrgID: sub.OrgID, Role: auth.RoleOwner, OrgName: sub.OrgName, Plan: sub.Plan}
	} else {
		var err error
		summary, err = h.directory.ValidateSwitch(r.Context(), id.UserID, req.OrgID)
		if errors.Is(err, orgs.ErrNotFound) {
			httputil.WriteForbidden(w, "not a member of this organization")
			return
		}
		if err != nil {
			writeServiceError(w, r, h.log, err)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    summary.OrgID.String(),
		Path:     "/",
		MaxAge:   int(activeOrgCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	_ = httputil.WriteJSON(w, http.StatusOK, summary)
}

// CurrentResponse describes the organization the caller is acting within
type CurrentResponse struct {
	Role         auth.Role             `json:"role"`
	Synthetic    bool                  `json:"synthetic,omitempty"`
	Subscription *billing.Subscription `json:"subscription"`
}

// GetCurrent returns the active organization's subscription
func (h *OrgHandlers) GetCurrent(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r)
	current := middleware.GetMembership(r)

	sub, err := h.manager.Current(r.Context(), id, middleware.GetActiveOrgHint(r))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, CurrentResponse{
		Role:         current.Role,
		Synthetic:    current.Synthetic,
		Subscription: sub,
	})
}

// EntitlementsResponse summarizes what the caller may do in the active
// organization
type EntitlementsResponse struct {
	OrgID       uuid.UUID `json:"org_id"`
	CanEdit     bool      `json:"can_edit"`
	IsOwner     bool      `json:"is_owner"`
	MaxVehicles int       `json:"max_vehicles"`
}

// GetEntitlements evaluates the caller's entitlements
func (h *OrgHandlers) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := middleware.GetIdentity(r)
	hint := middleware.GetActiveOrgHint(r)

	_ = httputil.WriteJSON(w, http.StatusOK, EntitlementsResponse{
		OrgID:       middleware.GetMembership(r).OrgID,
		CanEdit:     h.checker.CanEdit(ctx, id, hint),
		IsOwner:     h.checker.IsOwner(ctx, id, hint),
		MaxVehicles: h.checker.MaxVehicles(ctx, id, hint),
	})
}

// GetVehicleAccess reports the caller's access to a vehicle
func (h *OrgHandlers) GetVehicleAccess(w http.ResponseWriter, r *http.Request) {
	vehicleID, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}

	access := h.checker.ResourceAccess(r.Context(), middleware.GetIdentity(r), vehicleID, middleware.GetActiveOrgHint(r))
	_ = httputil.WriteJSON(w, http.StatusOK, access)
}
