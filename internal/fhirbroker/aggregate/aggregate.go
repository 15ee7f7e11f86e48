// Package aggregate implements the Aggregator (§4.8): merging per-shard
// results into one response, plus the continuation token codec (§6).
package aggregate

import (
	"sort"
	"time"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
)

// Aggregate merges shardResults per §4.8 and returns the final Result.
// strategy and pageSize feed the continuation token; now is the clock
// used to stamp createdAt (passed in rather than read, since the
// engine owns all time sources per the no-Date.Now()-in-library-code
// convention the teacher follows for testability).
func Aggregate(shardResults []model.ShardSearchResult, request *model.SearchRequest, strategy model.Strategy, now time.Time) (model.Result, error) {
	entries, unsupported := stampAndUnion(shardResults)

	if len(request.Sort) > 0 {
		sortEntries(entries, request.Sort)
	}

	pageSize := request.MaxItemCount
	truncated := false
	if pageSize > 0 && len(entries) > pageSize {
		entries = entries[:pageSize]
		truncated = true
	}

	result := model.Result{
		Entries:           entries,
		UnsupportedParams: unsupported,
	}
	if total := totalCount(shardResults); total != nil {
		result.TotalCount = total
	}

	if needsContinuation(shardResults, truncated) {
		token := model.DistributedContinuationToken{
			Version:        1,
			PageSize:       pageSize,
			SortCriteria:   serializeSortCriteria(request.Sort),
			StrategyTag:    strategy,
			CreatedAt:      now,
			LastSortValues: lastSortValues(entries, request.Sort),
			Shards:         shardCursors(shardResults),
		}
		encoded, err := EncodeToken(token)
		if err != nil {
			return model.Result{}, err
		}
		result.ContinuationToken = encoded
	}

	return result, nil
}

// stampAndUnion sets SourceShardURL on every entry and concatenates
// across shards without deduplication, per §4.8 steps 1-2.
func stampAndUnion(shardResults []model.ShardSearchResult) ([]model.ResultEntry, []model.Param) {
	var entries []model.ResultEntry
	seenParam := make(map[string]bool)
	var unsupported []model.Param

	for _, sr := range shardResults {
		if !sr.Success {
			continue
		}
		for _, e := range sr.Entries {
			e.SourceShardURL = sr.ShardBaseURL
			entries = append(entries, e)
		}
		for _, p := range sr.UnsupportedParams {
			key := p.Name + "\x00" + p.Value
			if seenParam[key] {
				continue
			}
			seenParam[key] = true
			unsupported = append(unsupported, p)
		}
	}
	return entries, unsupported
}

// sortEntries applies request.Sort keys in declared order with a
// stable sort, since later ties must preserve the union's insertion
// order (shard dispatch order).
func sortEntries(entries []model.ResultEntry, sortKeys []model.SortKey) {
	sort.SliceStable(entries, func(i, j int) bool {
		for _, key := range sortKeys {
			vi, vj := sortFieldValue(entries[i], key.Param), sortFieldValue(entries[j], key.Param)
			if vi == vj {
				continue
			}
			less := vi < vj
			if key.Direction == model.SortDescending {
				less = !less
			}
			return less
		}
		return false
	})
}

// sortFieldValue extracts the value a sort key compares on. Only the
// fields the broker itself understands structurally are supported
// here; anything else compares equal and falls through to the next
// key, since arbitrary resource-body field sorting is a shard-local
// concern (the shard already pre-sorts its own page).
func sortFieldValue(e model.ResultEntry, param string) string {
	switch param {
	case "_lastUpdated":
		return e.LastModified.UTC().Format(time.RFC3339Nano)
	case "_id":
		return e.ResourceID
	default:
		return ""
	}
}

func serializeSortCriteria(sortKeys []model.SortKey) string {
	if len(sortKeys) == 0 {
		return ""
	}
	out := ""
	for i, k := range sortKeys {
		if i > 0 {
			out += ","
		}
		if k.Direction == model.SortDescending {
			out += "-"
		}
		out += k.Param
	}
	return out
}

func lastSortValues(entries []model.ResultEntry, sortKeys []model.SortKey) map[string]string {
	if len(sortKeys) == 0 || len(entries) == 0 {
		return nil
	}
	last := entries[len(entries)-1]
	out := make(map[string]string, len(sortKeys))
	for _, k := range sortKeys {
		out[k.Param] = sortFieldValue(last, k.Param)
	}
	return out
}

// needsContinuation reports whether any shard still has more results,
// or truncation cut a shard's returned page short of what it could
// still supply, per §4.8 step 5.
func needsContinuation(shardResults []model.ShardSearchResult, truncated bool) bool {
	if truncated {
		return true
	}
	for _, sr := range shardResults {
		if sr.Success && sr.ContinuationToken != "" {
			return true
		}
	}
	return false
}

func shardCursors(shardResults []model.ShardSearchResult) []model.ShardCursor {
	cursors := make([]model.ShardCursor, 0, len(shardResults))
	for _, sr := range shardResults {
		cursors = append(cursors, model.ShardCursor{
			ShardID:         sr.ShardID,
			Token:           sr.ContinuationToken,
			Exhausted:       sr.Success && sr.ContinuationToken == "",
			ResultsReturned: len(sr.Entries),
		})
	}
	return cursors
}

func totalCount(shardResults []model.ShardSearchResult) *int {
	total := 0
	any := false
	for _, sr := range shardResults {
		if sr.TotalCount != nil {
			total += *sr.TotalCount
			any = true
		}
	}
	if !any {
		return nil
	}
	return &total
}
