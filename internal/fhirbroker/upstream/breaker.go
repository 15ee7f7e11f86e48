package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/config"
	brokererrors "github.com/grafana/fhir-federated-broker/internal/fhirbroker/errors"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/metrics"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
)

// BreakerClient wraps a Client with a per-shard gobreaker.CircuitBreaker
// (§4.6). gobreaker already implements the CLOSED/OPEN/HALF_OPEN
// transition table in the spec verbatim, so no hand-rolled state
// machine is needed — this type only adapts gobreaker's generic
// Execute callback to the UpstreamClient.Search signature and maps the
// breaker's own ErrOpenState into the UpstreamCircuitOpen error kind.
type BreakerClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// NewBreakerClient builds a BreakerClient for inner, configured from
// cfg's circuit breaker thresholds.
func NewBreakerClient(inner Client, cfg config.Config, m *metrics.Metrics) *BreakerClient {
	threshold := uint32(cfg.CircuitBreakerFailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	timeout := time.Duration(cfg.CircuitBreakerTimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	bc := &BreakerClient{inner: inner, metrics: m}
	bc.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.ShardID(),
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if bc.metrics != nil {
				bc.metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			}
		},
	})
	return bc
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (b *BreakerClient) ShardID() string { return b.inner.ShardID() }
func (b *BreakerClient) BaseURL() string { return b.inner.BaseURL() }

// Search executes inner.Search through the breaker. When the breaker is
// open it short-circuits with UpstreamCircuitOpen and performs no I/O,
// exactly as §4.6 requires.
func (b *BreakerClient) Search(ctx context.Context, req SubRequest) (model.ShardSearchResult, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Search(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			if b.metrics != nil {
				b.metrics.ShardRequests.WithLabelValues(b.ShardID(), "circuit_open").Inc()
			}
			return model.ShardSearchResult{}, brokererrors.New(brokererrors.UpstreamCircuitOpen, "shard circuit breaker is open")
		}
		if b.metrics != nil {
			b.metrics.ShardRequests.WithLabelValues(b.ShardID(), string(brokererrors.KindOf(err))).Inc()
		}
		return model.ShardSearchResult{}, err
	}
	if b.metrics != nil {
		b.metrics.ShardRequests.WithLabelValues(b.ShardID(), "success").Inc()
	}
	return result.(model.ShardSearchResult), nil
}

// Registry lazily constructs and caches one BreakerClient per shard,
// keyed by shard ID. Construction happens under a mutex; once built, a
// client is immutable and safe for concurrent Search calls, per §5's
// shared-state rules.
type Registry struct {
	mu      sync.Mutex
	clients map[string]Client
	cfg     config.Config
	metrics *metrics.Metrics
	factory func(shard config.ShardEndpoint) Client
}

// NewRegistry builds a Registry that lazily constructs clients via
// factory (overridable in tests to install a fake Client), wrapping
// each in a BreakerClient when cfg.EnableCircuitBreaker is set.
func NewRegistry(cfg config.Config, m *metrics.Metrics, factory func(shard config.ShardEndpoint) Client) *Registry {
	return &Registry{
		clients: make(map[string]Client),
		cfg:     cfg,
		metrics: m,
		factory: factory,
	}
}

// Get returns the client for shard, constructing and caching it on
// first use.
func (r *Registry) Get(shard config.ShardEndpoint) Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[shard.ID]; ok {
		return c
	}
	base := r.factory(shard)
	var c Client = base
	if r.cfg.EnableCircuitBreaker {
		c = NewBreakerClient(base, r.cfg, r.metrics)
	}
	r.clients[shard.ID] = c
	return c
}
