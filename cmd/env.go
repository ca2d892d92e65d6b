package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"

	"github.com/sells-group/composite-cli/internal/engine"
	"github.com/sells-group/composite-cli/internal/monitoring"
	"github.com/sells-group/composite-cli/internal/resilience"
	"github.com/sells-group/composite-cli/internal/store"
)

// compositeEnv holds the store, engine, and monitoring wiring shared by every
// command that touches data.
type compositeEnv struct {
	Store    store.Store
	Engine   *engine.Engine
	Metrics  *monitoring.Metrics
	Alerter  *monitoring.Alerter
	Registry *prometheus.Registry
	// Breakers holds one circuit breaker per remote lab host.
	Breakers *resilience.ServiceBreakers
}

// Close releases resources held by the environment.
func (ce *compositeEnv) Close() {
	if ce.Store != nil {
		_ = ce.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "composite.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// remoteRetry is the backoff for webhook and FTP calls.
func remoteRetry() resilience.RetryConfig {
	r := cfg.Retry
	return resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction)
}

// newRemoteBreakers builds the per-host breaker registry for FTP lab drops.
func newRemoteBreakers() *resilience.ServiceBreakers {
	return resilience.NewServiceBreakers(resilience.FromCircuitConfig(cfg.Monitoring.FailureThreshold, cfg.Monitoring.ResetTimeoutSecs))
}

// initEnv validates the configuration for mode, opens and migrates the store,
// and builds the engine with metrics and alerting attached. Callers should
// defer env.Close().
func initEnv(ctx context.Context, mode string) (*compositeEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)
	alerter := monitoring.NewAlerter(cfg.Monitoring, remoteRetry(), st).WithMetrics(metrics)

	eng, err := engine.New(cfg, st, &monitoring.Notifier{Metrics: metrics, Alerter: alerter})
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init engine")
	}

	return &compositeEnv{
		Store:    st,
		Engine:   eng,
		Metrics:  metrics,
		Alerter:  alerter,
		Registry: reg,
		Breakers: newRemoteBreakers(),
	}, nil
}

// withEnv runs fn against a freshly initialized environment.
func withEnv(ctx context.Context, mode string, fn func(ctx context.Context, env *compositeEnv) error) error {
	env, err := initEnv(ctx, mode)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

// ftpTimeout is the per-connection timeout for lab FTP drops.
func ftpTimeout() time.Duration {
	return time.Duration(cfg.FTP.TimeoutSecs) * time.Second
}
