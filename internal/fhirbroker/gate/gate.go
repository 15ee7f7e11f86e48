// Package gate implements the Protection Gate (§4.1): admission control
// that rejects or admits a request before any fan-out, and caps
// concurrent in-flight searches.
//
// The in-flight counter follows the same atomic-counter-under-a-struct
// shape as torua's HealthMonitor bookkeeping
// (internal/coordinator/health_monitor.go), simplified to a single
// sync/atomic.Int64 since the gate has no per-key map to protect.
package gate

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/errors"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/metrics"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
)

// OperationToken scopes one admitted search. It must be released on
// every exit path, success or failure.
type OperationToken struct {
	ID        string
	admitted  time.Time
	gate      *Gate
	released  atomic.Bool
}

// Release decrements the in-flight counter and records elapsed time. It
// is safe to call more than once; only the first call has effect.
func (t *OperationToken) Release() {
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	t.gate.inFlight.Add(-1)
	if t.gate.metrics != nil {
		t.gate.metrics.InFlightSearches.Set(float64(t.gate.inFlight.Load()))
		t.gate.metrics.SearchDuration.Observe(time.Since(t.admitted).Seconds())
	}
}

// Limits bundles the admission thresholds the gate enforces.
type Limits struct {
	MaxConcurrentSearches int
	MaxPageSize           int
	MaxChainDepth         int
}

// Gate is the process-wide admission controller. One Gate is shared
// across every request handled by the process; its in-flight counter
// and metrics are the only state it carries, both safe for concurrent
// use per §5.
type Gate struct {
	limits   Limits
	inFlight atomic.Int64
	metrics  *metrics.Metrics
}

// New constructs a Gate with the given limits.
func New(limits Limits, m *metrics.Metrics) *Gate {
	return &Gate{limits: limits, metrics: m}
}

// walkDepth returns the maximum nesting depth of ChainedExpr nodes in
// expr, used to reject over-deep chains before any I/O.
func walkDepth(expr model.Expression) int {
	switch v := expr.(type) {
	case *model.ChainedExpr:
		return 1 + walkDepth(v.Child)
	case *model.SearchParamExpr:
		return walkDepth(v.Child)
	case *model.MultiaryExpr:
		max := 0
		for _, c := range v.Children {
			if d := walkDepth(c); d > max {
				max = d
			}
		}
		return max
	default:
		return 0
	}
}

// Admit validates request against the gate's limits and, if admitted,
// atomically increments the in-flight counter and returns a token the
// caller must Release. Admission is rejected with REQUEST_TOO_COSTLY
// before BACKPRESSURE is checked, since a malformed/over-budget request
// should never count against the concurrency budget.
func (g *Gate) Admit(request *model.SearchRequest) (*OperationToken, error) {
	if request.VersionRequirement != model.VersionLatest {
		g.recordAdmission("rejected_too_costly")
		return nil, errors.New(errors.RequestTooCostly, "only LATEST version requirement is supported")
	}
	if g.limits.MaxPageSize > 0 && request.MaxItemCount > g.limits.MaxPageSize {
		g.recordAdmission("rejected_too_costly")
		return nil, errors.New(errors.RequestTooCostly, fmt.Sprintf(
			"requested page size of %s entries exceeds the configured cap of %s",
			humanize.Comma(int64(request.MaxItemCount)), humanize.Comma(int64(g.limits.MaxPageSize))))
	}
	if depth := walkDepth(request.Expression); g.limits.MaxChainDepth > 0 && depth > g.limits.MaxChainDepth {
		g.recordAdmission("rejected_too_costly")
		return nil, errors.New(errors.RequestTooCostly, "declared chain depth exceeds the configured cap")
	}

	for {
		current := g.inFlight.Load()
		if g.limits.MaxConcurrentSearches > 0 && current >= int64(g.limits.MaxConcurrentSearches) {
			g.recordAdmission("rejected_backpressure")
			return nil, errors.New(errors.Backpressure, "concurrent search limit reached")
		}
		if g.inFlight.CompareAndSwap(current, current+1) {
			break
		}
	}

	g.recordAdmission("admitted")
	if g.metrics != nil {
		g.metrics.InFlightSearches.Set(float64(g.inFlight.Load()))
	}
	return &OperationToken{ID: uuid.NewString(), admitted: time.Now(), gate: g}, nil
}

func (g *Gate) recordAdmission(outcome string) {
	if g.metrics != nil {
		g.metrics.AdmittedTotal.WithLabelValues(outcome).Inc()
	}
}

// InFlight returns the current in-flight search count, exposed for
// status endpoints and tests.
func (g *Gate) InFlight() int64 {
	return g.inFlight.Load()
}
