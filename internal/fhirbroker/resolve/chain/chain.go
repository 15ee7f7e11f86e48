// Package chain implements the distributed Chain Resolver (§4.3):
// recursive, innermost-first resolution of `ref:Target.param = V`
// predicates into a flat `SearchParam(refParam, OR-of equalities)` the
// standard extractor (§4.7) can then emit as ordinary sub-query
// parameters.
//
// Per-level fan-out uses golang.org/x/sync/errgroup rather than the
// fan-out executor's raw sync.WaitGroup shape: a chain level shares one
// derived-timeout context across its per-shard calls, which
// errgroup.WithContext expresses directly. Per-shard errors are
// recorded as warnings and never returned to the group, so one shard's
// failure does not cancel the others.
package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/config"
	brokererrors "github.com/grafana/fhir-federated-broker/internal/fhirbroker/errors"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/extract"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/upstream"
)

// ClientGetter resolves a live upstream.Client for a shard, backed by
// the registry's lazy-construction-under-a-lock cache.
type ClientGetter func(shard config.ShardEndpoint) upstream.Client

// Resolver resolves chained predicates against every enabled shard.
type Resolver struct {
	shards    []config.ShardEndpoint
	getClient ClientGetter
	mode      config.ResolutionMode
	timeout   time.Duration
	maxIDs    int
}

// New builds a Resolver from cfg.
func New(cfg config.Config, getClient ClientGetter) *Resolver {
	return &Resolver{
		shards:    cfg.EnabledShards(),
		getClient: getClient,
		mode:      cfg.ChainedSearchResolution,
		timeout:   time.Duration(cfg.DistributedChainTimeoutSec) * time.Second,
		maxIDs:    cfg.MaxDistributedReferenceIDs,
	}
}

// errUnsatisfiable signals that a chain's sub-search returned no ids: by
// §4.3 step 4 the containing predicate can never match, so resolution
// stops and the caller returns an empty result without querying any
// shard for the outer query.
var errUnsatisfiable = errors.New("chain predicate is unsatisfiable")

// Resolve rewrites every chain in expr. In PASSTHROUGH mode it returns
// expr unchanged — each shard resolves its own chains locally. warnings
// accumulates non-fatal truncation notices. The returned bool reports
// whether resolution determined the whole expression is unsatisfiable.
func (r *Resolver) Resolve(ctx context.Context, expr model.Expression) (model.Expression, []string, bool, error) {
	if r.mode == config.Passthrough {
		return expr, nil, false, nil
	}
	resolved, warnings, err := r.resolveNode(ctx, expr)
	if errors.Is(err, errUnsatisfiable) {
		return nil, warnings, true, nil
	}
	if err != nil {
		return nil, warnings, false, err
	}
	return resolved, warnings, false, nil
}

func (r *Resolver) resolveNode(ctx context.Context, expr model.Expression) (model.Expression, []string, error) {
	switch e := expr.(type) {
	case *model.ChainedExpr:
		return r.resolveChain(ctx, e)
	case *model.MultiaryExpr:
		var warnings []string
		children := make([]model.Expression, len(e.Children))
		for i, c := range e.Children {
			resolved, w, err := r.resolveNode(ctx, c)
			if err != nil {
				return nil, warnings, err
			}
			children[i] = resolved
			warnings = append(warnings, w...)
		}
		return &model.MultiaryExpr{Op: e.Op, Children: children}, warnings, nil
	case *model.SearchParamExpr:
		if e.Child == nil {
			return e, nil, nil
		}
		resolvedChild, w, err := r.resolveNode(ctx, e.Child)
		if err != nil {
			return nil, w, err
		}
		return &model.SearchParamExpr{Name: e.Name, Value: e.Value, Child: resolvedChild}, w, nil
	default:
		return expr, nil, nil
	}
}

// resolveChain resolves one chain node, innermost-first: if the child
// is itself a chain it is resolved first, then the outer chain's
// sub-search is built against the (now-rewritten) child predicate.
func (r *Resolver) resolveChain(ctx context.Context, c *model.ChainedExpr) (model.Expression, []string, error) {
	child, warnings, err := r.resolveNode(ctx, c.Child)
	if err != nil {
		return nil, warnings, err
	}

	levelCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ids, w, err := r.unionIDs(levelCtx, child)
	warnings = append(warnings, w...)
	if levelCtx.Err() != nil {
		return nil, warnings, brokererrors.New(brokererrors.RequestTooCostly, "chain resolution exceeded its timeout budget")
	}
	if err != nil {
		return nil, warnings, err
	}

	if len(ids) == 0 {
		return nil, warnings, errUnsatisfiable
	}

	if r.maxIDs > 0 && len(ids) > r.maxIDs {
		ids = ids[:r.maxIDs]
		warnings = append(warnings, "chain resolution truncated the reference-id set at the configured cap")
	}

	// A single SearchParamExpr with a comma-joined value, not an OR-tree
	// of per-id StringExprs: the extractor emits one (name, value) pair
	// per tree node, so an OR-of-equalities would surface as repeated
	// `refParam=id` query keys, which FHIR search ANDs together instead
	// of ORing — exactly backwards from what a reference-id union needs.
	return &model.SearchParamExpr{Name: c.RefParam, Value: strings.Join(ids, ",")}, warnings, nil
}

type refID struct {
	resourceType string
	resourceID   string
}

// unionIDs fans out the chain's sub-search to every enabled shard in
// parallel and unions the resulting (resourceType, resourceId) pairs,
// deduplicated. A per-shard failure does not fail the union; surviving
// shards still contribute, per §4.3's failure policy.
func (r *Resolver) unionIDs(ctx context.Context, childExpr model.Expression) ([]string, []string, error) {
	params := extract.Params(childExpr, "", false)

	var mu sync.Mutex
	seen := make(map[refID]bool)
	var ordered []string
	var warnings []string

	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range r.shards {
		shard := shard
		g.Go(func() error {
			client := r.getClient(shard)
			result, err := client.Search(gctx, upstream.SubRequest{Params: params, PageSize: r.maxIDsOrDefault()})
			if err != nil {
				mu.Lock()
				warnings = append(warnings, "shard "+shard.ID+" failed during chain resolution: "+err.Error())
				mu.Unlock()
				return nil
			}
			mu.Lock()
			for _, entry := range result.Entries {
				key := refID{resourceType: entry.ResourceTypeName, resourceID: entry.ResourceID}
				if seen[key] {
					continue
				}
				seen[key] = true
				ordered = append(ordered, entry.ResourceTypeName+"/"+entry.ResourceID)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, warnings, err
	}
	return ordered, warnings, nil
}

func (r *Resolver) maxIDsOrDefault() int {
	if r.maxIDs > 0 {
		return r.maxIDs
	}
	return 1000
}
