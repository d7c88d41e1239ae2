package drivers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/dispatchcore/api/middleware"
	"github.com/angelmondragon/dispatchcore/api/responses"
	"github.com/angelmondragon/dispatchcore/internal/dispatch"
	"github.com/angelmondragon/dispatchcore/internal/settlement"
	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/dispatchcore/pkg/errors"
	"github.com/angelmondragon/dispatchcore/pkg/logger"
)

type earningsReader interface {
	ListDriverEarnings(ctx context.Context, driverID uuid.UUID, since *time.Time) ([]models.DriverEarning, error)
	DriverSummary(ctx context.Context, driverID uuid.UUID, now time.Time, loc *time.Location) (settlement.Summary, error)
}

type walletPrechecker interface {
	PrecheckWallet(ctx context.Context, driverID uuid.UUID) (dispatch.Precheck, error)
}

// EarningsSummary returns today, this week, this month and all-time totals
// for the driver, with calendar buckets evaluated in loc.
func EarningsSummary(svc earningsReader, loc *time.Location, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "earnings service unavailable"))
			return
		}
		driverID, err := authorizedDriver(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		summary, err := svc.DriverSummary(r.Context(), driverID, time.Now(), loc)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}

// Earnings lists the driver's earnings, newest first. The optional since
// query parameter is an RFC 3339 timestamp.
func Earnings(svc earningsReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "earnings service unavailable"))
			return
		}
		driverID, err := authorizedDriver(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var since *time.Time
		if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "since must be RFC3339").
					WithDetails(map[string]any{"field": "since"}))
				return
			}
			since = &parsed
		}
		earnings, err := svc.ListDriverEarnings(r.Context(), driverID, since)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteList(w, earnings)
	}
}

// ClaimPrecheck reports whether the driver could claim right now. It is
// advisory; the gate re-checks under lock.
func ClaimPrecheck(svc walletPrechecker, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "acceptance gate unavailable"))
			return
		}
		driverID, err := authorizedDriver(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		precheck, err := svc.PrecheckWallet(r.Context(), driverID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, precheck)
	}
}

// authorizedDriver parses the path driver and allows the driver itself or
// the system.
func authorizedDriver(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "driverId"))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "driver id is required")
	}
	driverID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid driver id")
	}

	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "actor context missing")
	}
	switch actor.Type {
	case enums.ActorSystem:
		return driverID, nil
	case enums.ActorDriver:
		if actor.ID == driverID {
			return driverID, nil
		}
	}
	return uuid.Nil, pkgerrors.New(pkgerrors.CodeForbidden, "earnings are visible to the driver only")
}
