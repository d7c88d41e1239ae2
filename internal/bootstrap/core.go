package bootstrap

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/dispatchcore/internal/dispatch"
	"github.com/angelmondragon/dispatchcore/internal/locks"
	"github.com/angelmondragon/dispatchcore/internal/orders"
	"github.com/angelmondragon/dispatchcore/internal/settlement"
	"github.com/angelmondragon/dispatchcore/internal/stock"
	"github.com/angelmondragon/dispatchcore/internal/wallets"
	"github.com/angelmondragon/dispatchcore/pkg/config"
	"github.com/angelmondragon/dispatchcore/pkg/db"
	"github.com/angelmondragon/dispatchcore/pkg/logger"
	"github.com/angelmondragon/dispatchcore/pkg/metrics"
	"github.com/angelmondragon/dispatchcore/pkg/outbox"
	"github.com/angelmondragon/dispatchcore/pkg/redis"
)

const policyConfigKey = "settlement_policy"

// Core is the order, dispatch and settlement graph shared by the API and
// the cron worker. Both share one keyed lock table per process.
type Core struct {
	Locks      *locks.Keyed
	Policies   settlement.PolicySource
	Outbox     *outbox.Service
	Stock      *stock.Service
	Wallets    *wallets.Service
	Settlement *settlement.Service
	Dispatch   *dispatch.Service
	Orders     orders.Service
	Metrics    *metrics.CoreMetrics
}

// Build wires the domain services. A nil redis client falls back to the
// static settlement policy from config.
func Build(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, reg prometheus.Registerer) (*Core, error) {
	if cfg == nil || dbClient == nil {
		return nil, fmt.Errorf("config and db client required")
	}
	gdb := dbClient.DB()

	var coreMetrics *metrics.CoreMetrics
	if reg != nil {
		coreMetrics = metrics.NewCoreMetrics(reg)
	}

	fallback := settlement.PolicyFromConfig(cfg.Settlement)
	var policies settlement.PolicySource = settlement.NewStaticPolicySource(fallback)
	if redisClient != nil {
		policies = settlement.NewRedisPolicySource(redisClient, redisClient.ConfigKey(policyConfigKey), fallback, cfg.Settlement.PolicyCacheTTL, logg)
	}

	keyed := locks.NewKeyed()
	emitter := outbox.NewService(outbox.NewRepository(gdb), logg)

	ledger, err := stock.NewService(stock.NewRepository(gdb), logg, coreMetrics)
	if err != nil {
		return nil, fmt.Errorf("stock ledger: %w", err)
	}
	walletSvc, err := wallets.NewService(gdb)
	if err != nil {
		return nil, fmt.Errorf("wallets: %w", err)
	}
	settler, err := settlement.NewService(settlement.ServiceParams{
		DB:        gdb,
		Repo:      settlement.NewRepository(gdb),
		Locations: settlement.NewDBLocationProvider(gdb),
		Outbox:    emitter,
		Logger:    logg,
		Metrics:   coreMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("settlement: %w", err)
	}
	gate, err := dispatch.NewService(dispatch.ServiceParams{
		DB:          gdb,
		Repo:        dispatch.NewRepository(gdb),
		Locks:       keyed,
		Wallets:     walletSvc,
		Stock:       ledger,
		Outbox:      emitter,
		Policies:    policies,
		Logger:      logg,
		Metrics:     coreMetrics,
		LockTimeout: cfg.Dispatch.ClaimLockTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	orderSvc, err := orders.NewService(orders.ServiceParams{
		Repo:        orders.NewRepository(gdb),
		Tx:          dbClient,
		Locks:       keyed,
		Gate:        gate,
		Stock:       ledger,
		Settler:     settler,
		Policies:    policies,
		Outbox:      emitter,
		Logger:      logg,
		Metrics:     coreMetrics,
		LockTimeout: cfg.Dispatch.TransitionLockTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("orders: %w", err)
	}

	return &Core{
		Locks:      keyed,
		Policies:   policies,
		Outbox:     emitter,
		Stock:      ledger,
		Wallets:    walletSvc,
		Settlement: settler,
		Dispatch:   gate,
		Orders:     orderSvc,
		Metrics:    coreMetrics,
	}, nil
}
