package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/odometer/pkg/billing"
	"github.com/platinummonkey/odometer/pkg/httputil"
	"github.com/platinummonkey/odometer/pkg/middleware"
	"github.com/platinummonkey/odometer/pkg/orgs"
)

// BillingHandlers handles subscription lifecycle requests for the active
// organization
type BillingHandlers struct {
	manager *billing.Manager
	log     *logrus.Logger
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(manager *billing.Manager, log *logrus.Logger) *BillingHandlers {
	if log == nil {
		log = logrus.New()
	}
	return &BillingHandlers{
		manager: manager,
		log:     log,
	}
}

// RegisterRoutes registers lifecycle routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs/current/cancel", h.Cancel).Methods("POST")
	router.HandleFunc("/orgs/current/reactivate", h.Reactivate).Methods("POST")
	router.HandleFunc("/orgs/current/downgrade", h.Downgrade).Methods("POST")
	router.HandleFunc("/orgs/current/downgrade/schedule", h.ScheduleDowngrade).Methods("POST")
	router.HandleFunc("/orgs/current/upgrade", h.Upgrade).Methods("POST")
}

// PlanRequest names a target plan
type PlanRequest struct {
	Target orgs.PlanTier `json:"target"`
}

func (h *BillingHandlers) respond(w http.ResponseWriter, r *http.Request, sub *billing.Subscription, err error) {
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusOK, sub)
}

func parseTarget(w http.ResponseWriter, r *http.Request) (orgs.PlanTier, bool) {
	var req PlanRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return "", false
	}
	tier, err := orgs.ParsePlanTier(string(req.Target))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return "", false
	}
	return tier, true
}

// Cancel requests cancellation at the end of the billing period
func (h *BillingHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	var req billing.CancelRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	sub, err := h.manager.Cancel(r.Context(), middleware.GetIdentity(r), middleware.GetActiveOrgHint(r), req)
	h.respond(w, r, sub, err)
}

// Reactivate withdraws a pending cancellation
func (h *BillingHandlers) Reactivate(w http.ResponseWriter, r *http.Request) {
	sub, err := h.manager.Reactivate(r.Context(), middleware.GetIdentity(r), middleware.GetActiveOrgHint(r))
	h.respond(w, r, sub, err)
}

// Downgrade moves to a lower plan immediately. When the target plan cannot
// hold the current vehicles the response is 409 with the excess count, and
// the request must be repeated with exactly that many vehicle ids.
func (h *BillingHandlers) Downgrade(w http.ResponseWriter, r *http.Request) {
	var req billing.DowngradeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	tier, err := orgs.ParsePlanTier(string(req.Target))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	req.Target = tier

	sub, err := h.manager.Downgrade(r.Context(), middleware.GetIdentity(r), middleware.GetActiveOrgHint(r), req)
	h.respond(w, r, sub, err)
}

// ScheduleDowngrade records a downgrade for the end of the billing period
func (h *BillingHandlers) ScheduleDowngrade(w http.ResponseWriter, r *http.Request) {
	tier, ok := parseTarget(w, r)
	if !ok {
		return
	}
	sub, err := h.manager.ScheduleDowngrade(r.Context(), middleware.GetIdentity(r), middleware.GetActiveOrgHint(r), tier)
	h.respond(w, r, sub, err)
}

// Upgrade moves to a higher plan immediately
func (h *BillingHandlers) Upgrade(w http.ResponseWriter, r *http.Request) {
	tier, ok := parseTarget(w, r)
	if !ok {
		return
	}
	sub, err := h.manager.Upgrade(r.Context(), middleware.GetIdentity(r), middleware.GetActiveOrgHint(r), tier)
	h.respond(w, r, sub, err)
}
