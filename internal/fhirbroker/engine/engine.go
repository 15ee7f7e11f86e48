// Package engine orchestrates one Search call end to end (§4.9): the
// linear ADMITTED → RESOLVING_CHAINS → EXECUTING → RESOLVING_INCLUDES →
// AGGREGATING → RELEASED state machine, with any state able to exit to
// FAILED(kind) while still running the RELEASED cleanup (the gate token
// release).
package engine

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/aggregate"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/config"
	brokererrors "github.com/grafana/fhir-federated-broker/internal/fhirbroker/errors"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/extract"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/fanout"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/gate"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/metrics"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/resolve/chain"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/resolve/include"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/strategy"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/upstream"
)

// Clock is injected so tests control "now" rather than the engine
// calling time.Now() directly in library code.
type Clock func() time.Time

// Engine wires every component named in §4 behind one Search method.
type Engine struct {
	cfg       config.Config
	gate      *gate.Gate
	chains    *chain.Resolver
	includes  *include.Resolver
	fanout    *fanout.Executor
	registry  *upstream.Registry
	logger    log.Logger
	metrics   *metrics.Metrics
	now       Clock
}

// New builds an Engine from cfg. clientFactory builds the
// production HTTPClient per shard; tests substitute a fake.
func New(cfg config.Config, m *metrics.Metrics, logger log.Logger, clientFactory func(config.ShardEndpoint) upstream.Client) *Engine {
	registry := upstream.NewRegistry(cfg, m, clientFactory)
	getClient := func(s config.ShardEndpoint) upstream.Client { return registry.Get(s) }

	return &Engine{
		cfg: cfg,
		gate: gate.New(gate.Limits{
			MaxConcurrentSearches: cfg.MaxConcurrentSearches,
			MaxPageSize:           cfg.MaxResultsPerServer,
			MaxChainDepth:         cfg.MaxChainDepth,
		}, m),
		chains:   chain.New(cfg, getClient),
		includes: include.New(cfg, getClient),
		fanout:   fanout.New(getClient, cfg.FillFactor),
		registry: registry,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Search executes the full lifecycle for one request. Include
// directives are read directly off request.Expression (an IncludeExpr
// is a node kind like any other) rather than taken as a separate
// parameter.
func (e *Engine) Search(ctx context.Context, request *model.SearchRequest, opts model.SearchOptions) (model.Result, error) {
	token, err := e.gate.Admit(request)
	if err != nil {
		level.Warn(e.logger).Log("msg", "search rejected at admission", "err", err)
		return model.Result{}, err
	}
	defer token.Release()

	requestLogger := log.With(e.logger, "operation_id", token.ID)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.SearchTimeoutSec)*time.Second)
	defer cancel()

	var cursors map[string]model.ShardCursor
	chosenStrategy := model.StrategyParallel
	if request.ContinuationToken != "" {
		decoded, err := aggregate.DecodeToken(request.ContinuationToken, time.Duration(e.cfg.TokenTTLSec)*time.Second, e.now())
		if err != nil {
			return model.Result{}, err
		}
		cursors = cursorsByShardID(decoded.Shards)
		chosenStrategy = decoded.StrategyTag
		if request.MaxItemCount == 0 {
			request.MaxItemCount = decoded.PageSize
		}
	} else {
		cursors = make(map[string]model.ShardCursor)
		chosenStrategy = strategy.Choose(request.Expression, len(request.Sort) > 0, request.MaxItemCount, strategy.Thresholds{
			ParallelThreshold:   e.cfg.ParallelThreshold,
			SequentialThreshold: e.cfg.SequentialThreshold,
		})
	}

	level.Debug(requestLogger).Log("msg", "resolving chains", "strategy", chosenStrategy)
	rewritten, chainWarnings, unsatisfiable, err := e.chains.Resolve(ctx, request.Expression)
	if err != nil {
		if ctx.Err() != nil {
			return model.Result{}, brokererrors.New(brokererrors.RequestTooCostly, "search exceeded its overall timeout during chain resolution")
		}
		return model.Result{}, err
	}
	if unsatisfiable {
		return model.Result{Entries: nil, UnsupportedParams: request.UnsupportedParams}, nil
	}

	includeDirectives := extract.Includes(rewritten)
	params := extract.Params(rewritten, request.ResourceType, e.cfg.IncludeResolution == config.Passthrough)
	params = append(params, request.UnsupportedParams...)

	level.Debug(requestLogger).Log("msg", "executing fan-out", "shards", len(e.cfg.EnabledShards()))
	shardResults, err := e.fanout.Run(ctx, chosenStrategy, e.cfg.EnabledShards(), cursors, func(cursor model.ShardCursor) upstream.SubRequest {
		return upstream.SubRequest{
			ResourceType: request.ResourceType,
			Params:       params,
			PageSize:     request.MaxItemCount,
			Sort:         request.Sort,
		}
	})
	if err != nil {
		return model.Result{}, err
	}
	for _, w := range chainWarnings {
		level.Warn(requestLogger).Log("msg", "chain resolution warning", "warning", w)
	}

	mainEntries := successfulEntries(shardResults)
	if len(includeDirectives) > 0 {
		includeResult, err := e.includes.Expand(ctx, mainEntries, includeDirectives)
		if err != nil {
			level.Warn(requestLogger).Log("msg", "include resolution failed", "err", err)
		} else {
			for _, w := range includeResult.Warnings {
				level.Warn(requestLogger).Log("msg", "include resolution warning", "warning", w)
			}
			if includeResult.Truncated {
				level.Info(requestLogger).Log("msg", "include expansion truncated at bundle cap")
			}
			for i := range shardResults {
				// Included entries are appended once, to the first
				// successful shard's entry list, so stampAndUnion's
				// per-shard SourceShardURL stamping in the aggregator
				// still runs over every entry exactly once.
				if shardResults[i].Success {
					shardResults[i].Entries = append(shardResults[i].Entries, includeResult.Included...)
					break
				}
			}
		}
	}

	result, err := aggregate.Aggregate(shardResults, request, chosenStrategy, e.now())
	if err != nil {
		return model.Result{}, err
	}
	level.Info(requestLogger).Log("msg", "search completed", "entries", len(result.Entries))
	return result, nil
}

func cursorsByShardID(shards []model.ShardCursor) map[string]model.ShardCursor {
	out := make(map[string]model.ShardCursor, len(shards))
	for _, s := range shards {
		out[s.ShardID] = s
	}
	return out
}

func successfulEntries(shardResults []model.ShardSearchResult) []model.ResultEntry {
	var out []model.ResultEntry
	for _, sr := range shardResults {
		if sr.Success {
			out = append(out, sr.Entries...)
		}
	}
	return out
}
