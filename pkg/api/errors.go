package api

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/odometer/pkg/httputil"
	"github.com/platinummonkey/odometer/pkg/observability"
	"github.com/platinummonkey/odometer/pkg/orgs"
)

// Machine-readable error codes
const (
	CodeRequiresVehicleSelection = "requires_vehicle_selection"
	CodeInvalidTransition        = "invalid_transition"
	CodeInvalidSelection         = "invalid_selection"
	CodeStoreUnavailable         = "store_unavailable"
	CodeIntegrityRisk            = "integrity_risk"
)

// writeServiceError maps a service error onto an HTTP response
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logrus.Logger, err error) {
	var selection *orgs.RequiresVehicleSelectionError

	switch {
	case errors.As(err, &selection):
		httputil.WriteDetailedError(w, http.StatusConflict, CodeRequiresVehicleSelection, err.Error(),
			map[string]interface{}{
				"target":          selection.Target,
				"current_count":   selection.CurrentCount,
				"limit":           selection.Limit,
				"excess_vehicles": selection.ExcessVehicles,
			})
	case errors.Is(err, orgs.ErrForbidden):
		httputil.WriteForbidden(w, err.Error())
	case errors.Is(err, orgs.ErrNotFound):
		httputil.WriteNotFound(w, "not found")
	case errors.Is(err, orgs.ErrInvalidTransition):
		httputil.WriteDetailedError(w, http.StatusUnprocessableEntity, CodeInvalidTransition, err.Error(), nil)
	case errors.Is(err, orgs.ErrInvalidSelection):
		httputil.WriteDetailedError(w, http.StatusBadRequest, CodeInvalidSelection, err.Error(), nil)
	case errors.Is(err, orgs.ErrIntegrityRisk):
		observability.FromContext(r.Context(), log).WithError(err).Error("Request failed with integrity risk")
		httputil.WriteDetailedError(w, http.StatusInternalServerError, CodeIntegrityRisk, "organization setup failed", nil)
	case errors.Is(err, orgs.ErrStoreUnavailable):
		observability.FromContext(r.Context(), log).WithError(err).Warn("Store unavailable")
		httputil.WriteDetailedError(w, http.StatusServiceUnavailable, CodeStoreUnavailable,
			"organization service unavailable", nil)
	default:
		observability.FromContext(r.Context(), log).WithError(err).Error("Unhandled request error")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}
