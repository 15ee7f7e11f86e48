// Package include implements the distributed Include Resolver (§4.4):
// expansion of `_include`/`_revinclude` directives. `_include` extracts
// reference values out of the frontier's raw payloads and batches
// `_id=` sub-queries for the referenced records; `_revinclude` instead
// searches the target type for records whose own reference field points
// back at the frontier's ids. Both fold their results back in as
// included entries and, for `:iterate` directives, feed the newly
// fetched records back through another round.
//
// Per-batch fan-out uses errgroup for the same reason as the chain
// resolver: a round's batches share one derived timeout. Per-shard
// errors are recorded as warnings and never returned to the group, so
// one shard's failure does not cancel the others.
package include

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/config"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/upstream"
)

// ClientGetter resolves a live upstream.Client for a shard.
type ClientGetter func(shard config.ShardEndpoint) upstream.Client

// Resolver expands include directives against every enabled shard.
type Resolver struct {
	shards       []config.ShardEndpoint
	getClient    ClientGetter
	mode         config.ResolutionMode
	timeout      time.Duration
	batchSize    int
	bundleCap    int
	iterationCap int
}

// New builds a Resolver from cfg.
func New(cfg config.Config, getClient ClientGetter) *Resolver {
	iterationCap := cfg.IncludeIterationCap
	if iterationCap <= 0 {
		iterationCap = 5
	}
	return &Resolver{
		shards:       cfg.EnabledShards(),
		getClient:    getClient,
		mode:         cfg.IncludeResolution,
		timeout:      time.Duration(cfg.DistributedIncludeTimeoutSec) * time.Second,
		batchSize:    cfg.DistributedBatchSize,
		bundleCap:    cfg.MaxIncludedResourcesInBundle,
		iterationCap: iterationCap,
	}
}

// Result is the outcome of one Expand call.
type Result struct {
	Included  []model.ResultEntry
	Truncated bool
	Warnings  []string
}

// fetchRequest is one planned sub-query: search targetType for records
// whose paramName field equals one of values (an `_id=` batch for a
// forward directive, a reference-equality batch for a reverse one).
type fetchRequest struct {
	targetType string
	paramName  string
	values     []string
}

// Expand walks the frontier for reference values matching each
// directive, resolves them against the shards, and iterates when a
// directive requests it. In PASSTHROUGH mode it returns no included
// entries: the caller is expected to have forwarded the include
// parameters upstream already and rely on each shard's local expansion
// being present in its own bundle.
func (r *Resolver) Expand(ctx context.Context, main []model.ResultEntry, directives []*model.IncludeExpr) (Result, error) {
	if r.mode == config.Passthrough || len(directives) == 0 {
		return Result{}, nil
	}

	var out Result
	processedTargetRef := make(map[string]bool)  // forward: "Type/id" already fetched as a target
	processedSourceRef := make(map[string]bool)  // reverse: "Type/id" already searched as a source

	frontier := main
	for iteration := 0; iteration < r.iterationCap; iteration++ {
		requests := planRequests(frontier, directives, processedTargetRef, processedSourceRef)
		if len(requests) == 0 {
			break
		}

		batchCtx, cancel := context.WithTimeout(ctx, r.timeout)
		fetched, warnings, err := r.fetchBatches(batchCtx, requests)
		cancel()
		out.Warnings = append(out.Warnings, warnings...)
		if err != nil {
			return out, err
		}

		fetched = applyScopeFilter(fetched, directives)
		out.Included = append(out.Included, fetched...)

		if !anyIterate(directives) || len(fetched) == 0 {
			break
		}
		frontier = fetched
	}

	if r.bundleCap > 0 && len(out.Included) > r.bundleCap {
		out.Included = out.Included[:r.bundleCap]
		out.Truncated = true
	}

	for i := range out.Included {
		out.Included[i].MatchMode = model.MatchModeInclude
	}
	return out, nil
}

func anyIterate(directives []*model.IncludeExpr) bool {
	for _, d := range directives {
		if d.Iterate {
			return true
		}
	}
	return false
}

// planRequests builds the set of sub-queries needed this round: forward
// directives extract reference values out of frontier's payloads;
// reverse directives instead collect frontier's own ids as the search
// value. Both paths memoize processed keys to detect and refuse cycles.
func planRequests(frontier []model.ResultEntry, directives []*model.IncludeExpr, processedTargetRef, processedSourceRef map[string]bool) []fetchRequest {
	// group (targetType, paramName) -> values, to batch under one
	// fetchRequest per distinct sub-query shape.
	grouped := make(map[string][]string)
	order := make([]string, 0)
	groupKey := func(targetType, paramName string) string { return targetType + "\x00" + paramName }
	add := func(targetType, paramName, value string) {
		key := groupKey(targetType, paramName)
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], value)
	}

	for _, d := range directives {
		if d.Reverse {
			for _, e := range frontier {
				if e.ResourceTypeName != d.SourceType && d.SourceType != "" {
					continue
				}
				sourceRef := d.SourceType + "/" + e.ResourceID
				if processedSourceRef[sourceRef] {
					continue
				}
				processedSourceRef[sourceRef] = true
				add(d.TargetType, d.RefParam, sourceRef)
			}
			continue
		}

		for _, e := range frontier {
			if d.SourceType != "" && e.ResourceTypeName != d.SourceType {
				continue
			}
			for _, field := range extractReferenceFields(e.RawPayload.Bytes, d.RefParam) {
				typ, id, ok := splitReference(field)
				if !ok {
					continue
				}
				if !d.Wildcard && d.TargetType != "" && typ != d.TargetType {
					continue
				}
				key := typ + "/" + id
				if processedTargetRef[key] {
					continue
				}
				processedTargetRef[key] = true
				add(typ, "_id", id)
			}
		}
	}

	requests := make([]fetchRequest, 0, len(order))
	for _, key := range order {
		parts := strings.SplitN(key, "\x00", 2)
		requests = append(requests, fetchRequest{targetType: parts[0], paramName: parts[1], values: grouped[key]})
	}
	return requests
}

// extractReferenceFields scans a JSON document for values at a key
// matching fieldName that carry a FHIR Reference shape
// (`{"reference": "..."}`), directly or inside an array, and returns
// every reference string found. References may be a relative `Type/id`,
// an absolute URL ending in `Type/id`, or a fragment `#id` (fragments
// are filtered out downstream: they resolve within the same document).
func extractReferenceFields(raw []byte, fieldName string) []string {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	var refs []string
	walkJSONForField(doc, fieldName, &refs)
	return refs
}

func walkJSONForField(node interface{}, fieldName string, refs *[]string) {
	obj, ok := node.(map[string]interface{})
	if !ok {
		if arr, ok := node.([]interface{}); ok {
			for _, child := range arr {
				walkJSONForField(child, fieldName, refs)
			}
		}
		return
	}
	if v, ok := obj[fieldName]; ok {
		collectReferences(v, refs)
	}
	for _, child := range obj {
		walkJSONForField(child, fieldName, refs)
	}
}

func collectReferences(node interface{}, refs *[]string) {
	switch v := node.(type) {
	case map[string]interface{}:
		if ref, ok := v["reference"].(string); ok && ref != "" {
			*refs = append(*refs, ref)
		}
	case []interface{}:
		for _, child := range v {
			collectReferences(child, refs)
		}
	}
}

// splitReference parses a relative, absolute, or fragment reference.
// Fragments (leading `#`) are rejected since they need no sub-query.
func splitReference(ref string) (resourceType, id string, ok bool) {
	if strings.HasPrefix(ref, "#") {
		return "", "", false
	}
	trimmed := ref
	if idx := strings.Index(trimmed, "://"); idx >= 0 {
		trimmed = trimmed[idx+3:]
		if slash := strings.Index(trimmed, "/"); slash >= 0 {
			trimmed = trimmed[slash+1:]
		}
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[len(parts)-2], parts[len(parts)-1], true
}

// fetchBatches issues the planned sub-queries, each split into batches
// of r.batchSize, fanned out in parallel to every enabled shard.
func (r *Resolver) fetchBatches(ctx context.Context, requests []fetchRequest) ([]model.ResultEntry, []string, error) {
	var mu sync.Mutex
	var fetched []model.ResultEntry
	var warnings []string

	g, gctx := errgroup.WithContext(ctx)
	for _, req := range requests {
		req := req
		for _, batch := range chunk(req.values, r.batchSizeOrDefault()) {
			batch := batch
			for _, shard := range r.shards {
				shard := shard
				g.Go(func() error {
					client := r.getClient(shard)
					result, err := client.Search(gctx, upstream.SubRequest{
						ResourceType: req.targetType,
						Params:       []model.Param{{Name: req.paramName, Value: strings.Join(batch, ",")}},
					})
					if err != nil {
						mu.Lock()
						warnings = append(warnings, "shard "+shard.ID+" failed during include batch for "+req.targetType+": "+err.Error())
						mu.Unlock()
						return nil
					}
					mu.Lock()
					fetched = append(fetched, result.Entries...)
					mu.Unlock()
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, warnings, err
	}
	return fetched, warnings, nil
}

func (r *Resolver) batchSizeOrDefault() int {
	if r.batchSize > 0 {
		return r.batchSize
	}
	return 100
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}

// applyScopeFilter drops fetched entries of a type not named in any
// directive's AllowedScopes, when a directive declares one.
func applyScopeFilter(fetched []model.ResultEntry, directives []*model.IncludeExpr) []model.ResultEntry {
	var scopes []string
	for _, d := range directives {
		if len(d.AllowedScopes) > 0 {
			scopes = append(scopes, d.AllowedScopes...)
		}
	}
	if len(scopes) == 0 {
		return fetched
	}
	allowed := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		allowed[s] = true
	}
	out := fetched[:0:0]
	for _, e := range fetched {
		if allowed[e.ResourceTypeName] {
			out = append(out, e)
		}
	}
	return out
}
