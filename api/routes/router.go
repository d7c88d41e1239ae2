package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/dispatchcore/api/controllers"
	drivercontrollers "github.com/angelmondragon/dispatchcore/api/controllers/drivers"
	ordercontrollers "github.com/angelmondragon/dispatchcore/api/controllers/orders"
	"github.com/angelmondragon/dispatchcore/api/middleware"
	"github.com/angelmondragon/dispatchcore/internal/dispatch"
	"github.com/angelmondragon/dispatchcore/internal/orders"
	"github.com/angelmondragon/dispatchcore/internal/settlement"
	"github.com/angelmondragon/dispatchcore/pkg/config"
	"github.com/angelmondragon/dispatchcore/pkg/db"
	"github.com/angelmondragon/dispatchcore/pkg/db/models"
	"github.com/angelmondragon/dispatchcore/pkg/enums"
	"github.com/angelmondragon/dispatchcore/pkg/logger"
	pkgredis "github.com/angelmondragon/dispatchcore/pkg/redis"
)

// RequestStore backs idempotency replay and claim throttling.
type RequestStore interface {
	pkgredis.IdempotencyStore
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Ping(ctx context.Context) error
}

// Earnings is the settlement surface the API needs.
type Earnings interface {
	SettleOrder(ctx context.Context, orderID uuid.UUID, policy settlement.Policy) (*models.DriverEarning, bool, error)
	ListDriverEarnings(ctx context.Context, driverID uuid.UUID, since *time.Time) ([]models.DriverEarning, error)
	DriverSummary(ctx context.Context, driverID uuid.UUID, now time.Time, loc *time.Location) (settlement.Summary, error)
}

// Gate is the acceptance gate plus its advisory precheck.
type Gate interface {
	dispatch.Gate
	PrecheckWallet(ctx context.Context, driverID uuid.UUID) (dispatch.Precheck, error)
}

type Deps struct {
	DB       db.Pinger
	Store    RequestStore
	Orders   orders.Service
	Gate     Gate
	Earnings Earnings
	Policies settlement.PolicySource
	Metrics  http.Handler
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.Recoverer(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	claimPolicy := middleware.NewRateLimitPolicy("claim", cfg.Dispatch.ClaimRateWindow, cfg.Dispatch.ClaimRateLimit)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"db":    deps.DB,
			"redis": deps.Store,
		}))
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Actor(logg))
		r.Use(middleware.Idempotency(deps.Store, logg))

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", ordercontrollers.PlaceOrder(deps.Orders, logg))
			r.Get("/{orderId}", ordercontrollers.Get(deps.Orders, logg))
			r.Post("/{orderId}/transitions", ordercontrollers.Transition(deps.Orders, logg))
			r.With(middleware.ActorRateLimit(claimPolicy, deps.Store, logg)).
				Post("/{orderId}/claim", ordercontrollers.Claim(deps.Gate, logg))
			r.With(middleware.RequireActorType(logg, enums.ActorSystem)).
				Post("/{orderId}/settle", ordercontrollers.Settle(deps.Earnings, deps.Policies, logg))
		})

		r.Route("/drivers/{driverId}", func(r chi.Router) {
			r.Get("/earnings", drivercontrollers.Earnings(deps.Earnings, logg))
			r.Get("/earnings/summary", drivercontrollers.EarningsSummary(deps.Earnings, cfg.App.Location(), logg))
			r.Get("/claim-precheck", drivercontrollers.ClaimPrecheck(deps.Gate, logg))
		})
	})

	return r
}
