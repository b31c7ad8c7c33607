package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"signalrelay/internal/metrics"
	"signalrelay/internal/model"
	"signalrelay/internal/resilience"
)

// BreakerConfig configures the per-broker circuit breakers.
type BreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
}

// Retrier places orders through the registry with retries and a circuit
// breaker per broker. Rejections pass straight through: they are neither
// retried nor counted against the breaker.
type Retrier struct {
	registry *Registry
	policy   resilience.RetryPolicy
	bcfg     BreakerConfig
	metrics  *metrics.Metrics

	mu       sync.Mutex
	breakers map[model.Broker]*resilience.CircuitBreaker
}

// NewRetrier creates a retrier. m may be nil.
func NewRetrier(reg *Registry, policy resilience.RetryPolicy, bcfg BreakerConfig, m *metrics.Metrics) *Retrier {
	if bcfg.MaxFailures <= 0 {
		bcfg.MaxFailures = 5
	}
	if bcfg.ResetTimeout <= 0 {
		bcfg.ResetTimeout = 30 * time.Second
	}
	return &Retrier{
		registry: reg,
		policy:   policy,
		bcfg:     bcfg,
		metrics:  m,
		breakers: make(map[model.Broker]*resilience.CircuitBreaker),
	}
}

// PlaceOrder places req with the broker of creds. The error is a
// *RejectedError, an *UnavailableError, or a configuration error when no
// adapter serves the broker.
func (r *Retrier) PlaceOrder(ctx context.Context, creds model.Credentials, req OrderRequest) (Result, error) {
	a, err := r.registry.For(creds.Broker)
	if err != nil {
		return Result{}, err
	}
	name := a.Name()
	cb := r.breaker(name)

	var res Result
	attempts, err := r.policy.Do(ctx, retryable, func(actx context.Context) error {
		start := time.Now()
		err := cb.Execute(func() error {
			var err error
			res, err = a.PlaceOrder(actx, creds, req)
			return err
		})
		r.metrics.BrokerCall(string(name), callResult(err), time.Since(start))
		if err != nil {
			log.Warn().Str("component", "broker").Str("broker", string(name)).
				Str("account", creds.Account()).Str("tag", req.Tag).Err(err).Msg("order attempt failed")
		}
		return err
	})
	for i := 1; i < attempts; i++ {
		r.metrics.BrokerRetry(string(name))
	}
	if err == nil {
		return res, nil
	}
	if IsRejected(err) {
		return Result{}, err
	}
	return Result{}, &UnavailableError{Broker: name, Attempts: attempts, Err: err}
}

// BreakerState returns the breaker state of broker b.
func (r *Retrier) BreakerState(b model.Broker) resilience.State {
	return r.breaker(b).CurrentState()
}

func (r *Retrier) breaker(b model.Broker) *resilience.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[b]
	if ok {
		return cb
	}
	cb = resilience.NewCircuitBreaker("broker:"+string(b), r.bcfg.MaxFailures, r.bcfg.ResetTimeout)
	cb.Trip = func(err error) bool { return !IsRejected(err) }
	m := r.metrics
	cb.OnStateChange = func(name string, from, to resilience.State) {
		log.Warn().Str("component", "broker").Str("breaker", name).
			Stringer("from", from).Stringer("to", to).Msg("circuit breaker state change")
		m.Breaker(name, int(to), to == resilience.StateOpen)
	}
	r.breakers[b] = cb
	return cb
}

func retryable(err error) bool {
	if IsRejected(err) {
		return false
	}
	// the caller gave up; only per-attempt deadlines are worth retrying
	return !errors.Is(err, context.Canceled)
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsRejected(err):
		return "rejected"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	}
	return "error"
}
