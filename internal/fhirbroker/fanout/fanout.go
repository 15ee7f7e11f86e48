// Package fanout implements the Fan-out Executor (§4.5): the PARALLEL
// and SEQUENTIAL strategies for dispatching sub-requests to shards.
//
// The PARALLEL path keeps the teacher's QueryAllInstances shape nearly
// verbatim (cmd/tempo-federated-querier/querier.go): a sync.WaitGroup
// fanning out over a pre-sized results slice indexed by goroutine,
// rather than errgroup — every shard must be waited on regardless of
// individual failure, so there is no first-error short-circuit to gain
// from errgroup here, only the all-must-complete barrier WaitGroup
// already gives for free.
package fanout

import (
	"context"
	"sort"
	"sync"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/config"
	brokererrors "github.com/grafana/fhir-federated-broker/internal/fhirbroker/errors"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/upstream"
)

// ClientGetter resolves a live upstream.Client for a shard.
type ClientGetter func(shard config.ShardEndpoint) upstream.Client

// Executor dispatches sub-requests to shards under a chosen strategy.
type Executor struct {
	getClient  ClientGetter
	fillFactor float64
}

// New builds an Executor. fillFactor is the SEQUENTIAL early-stop
// fraction (0 < f <= 1).
func New(getClient ClientGetter, fillFactor float64) *Executor {
	if fillFactor <= 0 || fillFactor > 1 {
		fillFactor = 1
	}
	return &Executor{getClient: getClient, fillFactor: fillFactor}
}

// Run dispatches per strategy and returns one ShardSearchResult per
// shard. PARALLEL results are in the order shards was given; SEQUENTIAL
// results list the queried shards in descending-priority order,
// followed by the shards not queried this round.
func (ex *Executor) Run(ctx context.Context, strategy model.Strategy, shards []config.ShardEndpoint, cursors map[string]model.ShardCursor, buildRequest func(cursor model.ShardCursor) upstream.SubRequest) ([]model.ShardSearchResult, error) {
	if strategy == model.StrategySequential {
		return ex.runSequential(ctx, shards, cursors, buildRequest)
	}
	return ex.runParallel(ctx, shards, cursors, buildRequest)
}

// runParallel dispatches to every shard concurrently and waits for all
// to complete, mirroring the teacher's QueryAllInstances.
func (ex *Executor) runParallel(ctx context.Context, shards []config.ShardEndpoint, cursors map[string]model.ShardCursor, buildRequest func(model.ShardCursor) upstream.SubRequest) ([]model.ShardSearchResult, error) {
	var wg sync.WaitGroup
	results := make([]model.ShardSearchResult, len(shards))

	for i, shard := range shards {
		wg.Add(1)
		go func(idx int, s config.ShardEndpoint) {
			defer wg.Done()
			client := ex.getClient(s)
			cursor := cursors[s.ID]
			req := buildRequest(cursor)
			req.ContinuationToken = cursor.Token

			result, err := client.Search(ctx, req)
			if err != nil {
				results[idx] = model.ShardSearchResult{
					ShardID:      s.ID,
					ShardBaseURL: s.BaseURL,
					Success:      false,
					ErrorMessage: err.Error(),
				}
				return
			}
			results[idx] = result
		}(i, shard)
	}
	wg.Wait()

	if allFailed(results) {
		return results, brokererrors.New(brokererrors.UpstreamUnavailable, "every shard failed")
	}
	return results, nil
}

// runSequential queries shards in descending priority order, stopping
// early once the accumulated count reaches fillFactor*pageSize. Shards
// not queried this round retain their prior cursor untouched.
func (ex *Executor) runSequential(ctx context.Context, shards []config.ShardEndpoint, cursors map[string]model.ShardCursor, buildRequest func(model.ShardCursor) upstream.SubRequest) ([]model.ShardSearchResult, error) {
	ordered := make([]config.ShardEndpoint, len(shards))
	copy(ordered, shards)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	results := make([]model.ShardSearchResult, 0, len(ordered))
	queried := make(map[string]bool, len(ordered))

	accumulated := 0
	var targetCount int
	for _, s := range ordered {
		if cursor, ok := cursors[s.ID]; ok && cursor.Exhausted {
			continue // already exhausted in a prior page, skip querying again this round
		}
		client := ex.getClient(s)
		cursor := cursors[s.ID]
		req := buildRequest(cursor)
		req.ContinuationToken = cursor.Token
		if targetCount == 0 {
			targetCount = req.PageSize
		}

		result, err := client.Search(ctx, req)
		queried[s.ID] = true
		if err != nil {
			results = append(results, model.ShardSearchResult{
				ShardID:      s.ID,
				ShardBaseURL: s.BaseURL,
				Success:      false,
				ErrorMessage: err.Error(),
			})
			continue
		}
		results = append(results, result)
		accumulated += len(result.Entries)

		threshold := float64(targetCount) * ex.fillFactor
		if float64(accumulated) >= threshold {
			break
		}
	}

	for _, s := range ordered {
		if queried[s.ID] {
			continue
		}
		// Unconditional: a shard with no prior cursor entry (a fresh,
		// page-1 request) still needs a placeholder result here, or it
		// would be absent from shardResults entirely. Per §3, an absent
		// shard reads as exhausted, which would permanently drop this
		// shard's records starting from the very first page. The
		// zero-value cursor's empty Token is exactly right for a shard
		// that has never been queried.
		cursor := cursors[s.ID]
		results = append(results, model.ShardSearchResult{
			ShardID:           s.ID,
			ShardBaseURL:      s.BaseURL,
			Success:           true,
			ContinuationToken: cursor.Token,
		})
	}

	if allFailed(results) {
		return results, brokererrors.New(brokererrors.UpstreamUnavailable, "every queried shard failed")
	}
	return results, nil
}

func allFailed(results []model.ShardSearchResult) bool {
	for _, r := range results {
		if r.Success {
			return false
		}
	}
	return len(results) > 0
}
