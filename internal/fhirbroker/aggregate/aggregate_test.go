package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
)

func entry(id string, lastUpdated time.Time) model.ResultEntry {
	return model.ResultEntry{ResourceTypeName: "Patient", ResourceID: id, LastModified: lastUpdated}
}

func TestAggregate_UnionWithNoCrossShardDedup(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	shardResults := []model.ShardSearchResult{
		{ShardID: "a", Success: true, Entries: []model.ResultEntry{entry("1", now)}},
		{ShardID: "b", Success: true, Entries: []model.ResultEntry{entry("1", now)}},
	}
	result, err := Aggregate(shardResults, &model.SearchRequest{MaxItemCount: 10}, model.StrategyParallel, now)
	require.NoError(t, err)
	assert.Len(t, result.Entries, 2)
}

func TestAggregate_StampsSourceShardURL(t *testing.T) {
	now := time.Now()
	shardResults := []model.ShardSearchResult{
		{ShardID: "a", ShardBaseURL: "https://shard-a", Success: true, Entries: []model.ResultEntry{entry("1", now)}},
	}
	result, err := Aggregate(shardResults, &model.SearchRequest{MaxItemCount: 10}, model.StrategyParallel, now)
	require.NoError(t, err)
	assert.Equal(t, "https://shard-a", result.Entries[0].SourceShardURL)
}

func TestAggregate_GlobalSortOrdersDescending(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	older := now.Add(-time.Hour)
	shardResults := []model.ShardSearchResult{
		{ShardID: "a", Success: true, Entries: []model.ResultEntry{entry("1", older), entry("2", now)}},
	}
	req := &model.SearchRequest{
		MaxItemCount: 10,
		Sort:         []model.SortKey{{Param: "_lastUpdated", Direction: model.SortDescending}},
	}
	result, err := Aggregate(shardResults, req, model.StrategyParallel, now)
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, "2", result.Entries[0].ResourceID)
	assert.Equal(t, "1", result.Entries[1].ResourceID)
}

func TestAggregate_TruncatesToPageSizeAndEmitsContinuationToken(t *testing.T) {
	now := time.Now()
	shardResults := []model.ShardSearchResult{
		{ShardID: "a", Success: true, Entries: []model.ResultEntry{entry("1", now), entry("2", now), entry("3", now)}},
	}
	result, err := Aggregate(shardResults, &model.SearchRequest{MaxItemCount: 2}, model.StrategyParallel, now)
	require.NoError(t, err)
	assert.Len(t, result.Entries, 2)
	assert.NotEmpty(t, result.ContinuationToken)
}

func TestAggregate_NoContinuationTokenWhenAllShardsExhaustedAndFitsPage(t *testing.T) {
	now := time.Now()
	shardResults := []model.ShardSearchResult{
		{ShardID: "a", Success: true, Entries: []model.ResultEntry{entry("1", now)}},
	}
	result, err := Aggregate(shardResults, &model.SearchRequest{MaxItemCount: 10}, model.StrategyParallel, now)
	require.NoError(t, err)
	assert.Empty(t, result.ContinuationToken)
}

func TestTokenCodec_RoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	token := model.DistributedContinuationToken{
		Version:      1,
		PageSize:     20,
		SortCriteria: "-_lastUpdated",
		StrategyTag:  model.StrategySequential,
		CreatedAt:    now,
		Shards: []model.ShardCursor{
			{ShardID: "a", Token: "opaque-a", Exhausted: false, ResultsReturned: 10},
			{ShardID: "b", Exhausted: true},
		},
	}
	encoded, err := EncodeToken(token)
	require.NoError(t, err)

	decoded, err := DecodeToken(encoded, time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, token.PageSize, decoded.PageSize)
	assert.Equal(t, token.StrategyTag, decoded.StrategyTag)
	assert.Equal(t, token.Shards[0].Token, decoded.Shards[0].Token)
	assert.True(t, decoded.Shards[1].Exhausted)
}

func TestTokenCodec_RejectsExpiredToken(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour)
	token := model.DistributedContinuationToken{Version: 1, PageSize: 10, CreatedAt: old}
	encoded, err := EncodeToken(token)
	require.NoError(t, err)

	_, err = DecodeToken(encoded, time.Hour, time.Now())
	require.Error(t, err)
}

func TestTokenCodec_RejectsMalformedToken(t *testing.T) {
	_, err := DecodeToken("not-valid-base64!!!", time.Hour, time.Now())
	require.Error(t, err)
}
