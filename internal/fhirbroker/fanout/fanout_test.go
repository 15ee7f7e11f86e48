package fanout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/config"
	brokererrors "github.com/grafana/fhir-federated-broker/internal/fhirbroker/errors"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/upstream"
)

type fakeClient struct {
	id      string
	entries []model.ResultEntry
	err     error
}

func (f *fakeClient) ShardID() string { return f.id }
func (f *fakeClient) BaseURL() string { return "https://" + f.id }
func (f *fakeClient) Search(ctx context.Context, req upstream.SubRequest) (model.ShardSearchResult, error) {
	if f.err != nil {
		return model.ShardSearchResult{}, f.err
	}
	return model.ShardSearchResult{ShardID: f.id, ShardBaseURL: "https://" + f.id, Success: true, Entries: f.entries}, nil
}

func shardEndpoints(ids ...string) []config.ShardEndpoint {
	out := make([]config.ShardEndpoint, len(ids))
	for i, id := range ids {
		out[i] = config.ShardEndpoint{ID: id, BaseURL: "https://" + id, Priority: len(ids) - i}
	}
	return out
}

func TestRunParallel_DispatchesToAllShards(t *testing.T) {
	clients := map[string]upstream.Client{
		"a": &fakeClient{id: "a", entries: []model.ResultEntry{{ResourceID: "1"}}},
		"b": &fakeClient{id: "b", entries: []model.ResultEntry{{ResourceID: "2"}}},
	}
	ex := New(func(s config.ShardEndpoint) upstream.Client { return clients[s.ID] }, 0.8)

	results, err := ex.Run(context.Background(), model.StrategyParallel, shardEndpoints("a", "b"), nil, func(model.ShardCursor) upstream.SubRequest {
		return upstream.SubRequest{PageSize: 10}
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRunParallel_AllShardsFailingIsUpstreamUnavailable(t *testing.T) {
	clients := map[string]upstream.Client{
		"a": &fakeClient{id: "a", err: assertErr("boom")},
	}
	ex := New(func(s config.ShardEndpoint) upstream.Client { return clients[s.ID] }, 0.8)

	_, err := ex.Run(context.Background(), model.StrategyParallel, shardEndpoints("a"), nil, func(model.ShardCursor) upstream.SubRequest {
		return upstream.SubRequest{}
	})
	require.Error(t, err)
	assert.Equal(t, brokererrors.UpstreamUnavailable, brokererrors.KindOf(err))
}

func TestRunSequential_StopsEarlyAtFillFactor(t *testing.T) {
	clients := map[string]upstream.Client{
		"high": &fakeClient{id: "high", entries: make([]model.ResultEntry, 9)},
		"low":  &fakeClient{id: "low", entries: make([]model.ResultEntry, 9)},
	}
	shards := []config.ShardEndpoint{
		{ID: "high", BaseURL: "https://high", Priority: 10},
		{ID: "low", BaseURL: "https://low", Priority: 1},
	}
	ex := New(func(s config.ShardEndpoint) upstream.Client { return clients[s.ID] }, 0.8)

	// A fresh page-1 request: no prior cursor entry exists for either
	// shard yet.
	results, err := ex.Run(context.Background(), model.StrategySequential, shards, map[string]model.ShardCursor{}, func(model.ShardCursor) upstream.SubRequest {
		return upstream.SubRequest{PageSize: 10}
	})
	require.NoError(t, err)

	// 9 results from the first (highest-priority) shard already reaches
	// 0.8*10 = 8, so the second shard must not have been queried; it
	// still appears in the results carrying its untouched (empty) cursor
	// rather than being silently dropped from the results set.
	require.Len(t, results, 2)
	assert.Equal(t, "high", results[0].ShardID)
	assert.Equal(t, "low", results[1].ShardID)
	assert.Empty(t, results[1].Entries)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
