package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/angelmondragon/dispatchcore/pkg/config"
	"github.com/angelmondragon/dispatchcore/pkg/logger"
)

// Policy is the rate snapshot a single operation runs against. Callers read
// it once and pass it down so concurrent requests never mix versions.
type Policy struct {
	PerKmRate        decimal.Decimal
	CommissionRate   decimal.Decimal
	MinWalletBalance decimal.Decimal
	Version          string
}

// PolicySource yields the current policy snapshot.
type PolicySource interface {
	Current(ctx context.Context) (Policy, error)
}

// PolicyFromConfig builds the default snapshot from configuration.
func PolicyFromConfig(cfg config.SettlementConfig) Policy {
	return Policy{
		PerKmRate:        cfg.PerKmRate,
		CommissionRate:   cfg.CommissionRate,
		MinWalletBalance: cfg.MinWalletBalance,
		Version:          "config",
	}
}

// StaticPolicySource always returns the same snapshot.
type StaticPolicySource struct {
	policy Policy
}

func NewStaticPolicySource(policy Policy) StaticPolicySource {
	return StaticPolicySource{policy: policy}
}

func (s StaticPolicySource) Current(context.Context) (Policy, error) {
	return s.policy, nil
}

const (
	policyFieldPerKmRate        = "per_km_rate"
	policyFieldCommissionRate   = "commission_rate"
	policyFieldMinWalletBalance = "min_wallet_balance"
	policyFieldVersion          = "version"
)

type hashReader interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

const (
	// policyRetryBackoff bounds how often a failing store is retried.
	policyRetryBackoff = 2 * time.Second
	policyFetchTimeout = 2 * time.Second
)

// RedisPolicySource overlays the fields of a Redis hash on top of a fallback
// policy. Values are cached for ttl. A read failure keeps serving the last
// good snapshot (or the fallback) and is not retried for policyRetryBackoff.
// Concurrent refreshes share one store round trip, and no lock is held while
// it is in flight.
type RedisPolicySource struct {
	store    hashReader
	key      string
	fallback Policy
	ttl      time.Duration
	logg     *logger.Logger
	now      func() time.Time
	group    singleflight.Group

	mu      sync.Mutex
	cached  *Policy
	expires time.Time
}

func NewRedisPolicySource(store hashReader, key string, fallback Policy, ttl time.Duration, logg *logger.Logger) *RedisPolicySource {
	return &RedisPolicySource{
		store:    store,
		key:      key,
		fallback: fallback,
		ttl:      ttl,
		logg:     logg,
		now:      time.Now,
	}
}

// Current never fails. A caller whose context ends while a refresh is in
// flight gets the snapshot held at that moment.
func (s *RedisPolicySource) Current(ctx context.Context) (Policy, error) {
	policy, fresh := s.snapshot()
	if fresh {
		return policy, nil
	}

	ch := s.group.DoChan(s.key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), policyFetchTimeout)
		defer cancel()
		return s.refresh(fetchCtx), nil
	})
	select {
	case res := <-ch:
		return res.Val.(Policy), nil
	case <-ctx.Done():
		return policy, nil
	}
}

func (s *RedisPolicySource) snapshot() (Policy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := s.now().Before(s.expires)
	if s.cached != nil {
		return *s.cached, fresh
	}
	return s.fallback, fresh
}

func (s *RedisPolicySource) refresh(ctx context.Context) Policy {
	fields, err := s.store.HGetAll(ctx, s.key)
	if err != nil {
		if s.logg != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "settlement policy read failed, using last known snapshot")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.expires = s.now().Add(s.retryBackoff())
		if s.cached != nil {
			return *s.cached
		}
		return s.fallback
	}

	policy := s.overlay(ctx, fields)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = &policy
	s.expires = s.now().Add(s.ttl)
	return policy
}

func (s *RedisPolicySource) retryBackoff() time.Duration {
	if s.ttl > 0 && s.ttl < policyRetryBackoff {
		return s.ttl
	}
	return policyRetryBackoff
}

func (s *RedisPolicySource) overlay(ctx context.Context, fields map[string]string) Policy {
	policy := s.fallback
	if len(fields) == 0 {
		return policy
	}
	assign := func(name string, dst *decimal.Decimal, maxValue *decimal.Decimal) {
		raw, ok := fields[name]
		if !ok || raw == "" {
			return
		}
		value, err := decimal.NewFromString(raw)
		if err != nil || value.IsNegative() || (maxValue != nil && value.GreaterThan(*maxValue)) {
			if s.logg != nil {
				logCtx := s.logg.WithFields(ctx, map[string]any{"field": name, "value": raw})
				s.logg.Warn(logCtx, "ignoring invalid settlement policy override")
			}
			return
		}
		*dst = value
	}
	one := decimal.NewFromInt(1)
	assign(policyFieldPerKmRate, &policy.PerKmRate, nil)
	assign(policyFieldCommissionRate, &policy.CommissionRate, &one)
	assign(policyFieldMinWalletBalance, &policy.MinWalletBalance, nil)
	if version := fields[policyFieldVersion]; version != "" {
		policy.Version = version
	} else {
		policy.Version = "redis"
	}
	return policy
}
