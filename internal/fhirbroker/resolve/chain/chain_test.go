package chain

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/config"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/extract"
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
	return model.ShardSearchResult{ShardID: f.id, Success: true, Entries: f.entries}, nil
}

func testConfig(mode config.ResolutionMode) config.Config {
	return config.Config{
		Shards: []config.ShardEndpoint{
			{ID: "a", BaseURL: "https://a", Enabled: true},
			{ID: "b", BaseURL: "https://b", Enabled: true},
		},
		ChainedSearchResolution:    mode,
		DistributedChainTimeoutSec: 5,
		MaxDistributedReferenceIDs: 1000,
	}
}

func TestResolve_PassthroughReturnsExpressionUnchanged(t *testing.T) {
	cfg := testConfig(config.Passthrough)
	r := New(cfg, func(config.ShardEndpoint) upstream.Client { return nil })

	expr := &model.ChainedExpr{RefParam: "subject", TargetTypes: []string{"Patient"}}
	resolved, warnings, unsatisfiable, err := r.Resolve(context.Background(), expr)
	require.NoError(t, err)
	assert.False(t, unsatisfiable)
	assert.Empty(t, warnings)
	assert.Same(t, expr, resolved)
}

func TestResolve_UnionsAndDedupesAcrossShards(t *testing.T) {
	cfg := testConfig(config.Distributed)
	clients := map[string]upstream.Client{
		"a": &fakeClient{id: "a", entries: []model.ResultEntry{
			{ResourceTypeName: "Patient", ResourceID: "1"},
			{ResourceTypeName: "Patient", ResourceID: "2"},
		}},
		"b": &fakeClient{id: "b", entries: []model.ResultEntry{
			{ResourceTypeName: "Patient", ResourceID: "1"},
		}},
	}
	r := New(cfg, func(s config.ShardEndpoint) upstream.Client { return clients[s.ID] })

	expr := &model.ChainedExpr{RefParam: "subject", TargetTypes: []string{"Patient"},
		Child: &model.SearchParamExpr{Name: "name", Value: "Smith"}}
	resolved, _, unsatisfiable, err := r.Resolve(context.Background(), expr)
	require.NoError(t, err)
	assert.False(t, unsatisfiable)

	sp, ok := resolved.(*model.SearchParamExpr)
	require.True(t, ok)
	assert.Equal(t, "subject", sp.Name)
	assert.ElementsMatch(t, []string{"Patient/1", "Patient/2"}, strings.Split(sp.Value, ","))
}

// TestResolve_MultiIDUnionEmitsSingleCommaJoinedParam exercises the
// actual sub-query params a multi-id union produces: one param with a
// comma-joined value, never a repeated key, since FHIR search ANDs
// repeated-name params together rather than ORing them.
func TestResolve_MultiIDUnionEmitsSingleCommaJoinedParam(t *testing.T) {
	cfg := testConfig(config.Distributed)
	clients := map[string]upstream.Client{
		"a": &fakeClient{id: "a", entries: []model.ResultEntry{
			{ResourceTypeName: "Patient", ResourceID: "p1"},
			{ResourceTypeName: "Patient", ResourceID: "p2"},
			{ResourceTypeName: "Patient", ResourceID: "p3"},
		}},
		"b": &fakeClient{id: "b"},
	}
	r := New(cfg, func(s config.ShardEndpoint) upstream.Client { return clients[s.ID] })

	expr := &model.ChainedExpr{RefParam: "subject", TargetTypes: []string{"Patient"},
		Child: &model.SearchParamExpr{Name: "name", Value: "Smith"}}
	resolved, _, unsatisfiable, err := r.Resolve(context.Background(), expr)
	require.NoError(t, err)
	assert.False(t, unsatisfiable)

	params := extract.Params(resolved, "", false)
	require.Len(t, params, 1)
	assert.Equal(t, "subject", params[0].Name)
	assert.ElementsMatch(t, []string{"Patient/p1", "Patient/p2", "Patient/p3"}, strings.Split(params[0].Value, ","))
}

func TestResolve_EmptyUnionIsUnsatisfiable(t *testing.T) {
	cfg := testConfig(config.Distributed)
	clients := map[string]upstream.Client{
		"a": &fakeClient{id: "a"},
		"b": &fakeClient{id: "b"},
	}
	r := New(cfg, func(s config.ShardEndpoint) upstream.Client { return clients[s.ID] })

	expr := &model.ChainedExpr{RefParam: "subject", TargetTypes: []string{"Patient"},
		Child: &model.SearchParamExpr{Name: "name", Value: "Nobody"}}
	resolved, _, unsatisfiable, err := r.Resolve(context.Background(), expr)
	require.NoError(t, err)
	assert.True(t, unsatisfiable)
	assert.Nil(t, resolved)
}

func TestResolve_SurvivingShardsContributeDespitePartialFailure(t *testing.T) {
	cfg := testConfig(config.Distributed)
	clients := map[string]upstream.Client{
		"a": &fakeClient{id: "a", err: assertErr("timeout")},
		"b": &fakeClient{id: "b", entries: []model.ResultEntry{
			{ResourceTypeName: "Patient", ResourceID: "1"},
		}},
	}
	r := New(cfg, func(s config.ShardEndpoint) upstream.Client { return clients[s.ID] })

	expr := &model.ChainedExpr{RefParam: "subject", TargetTypes: []string{"Patient"},
		Child: &model.SearchParamExpr{Name: "name", Value: "Smith"}}
	resolved, warnings, unsatisfiable, err := r.Resolve(context.Background(), expr)
	require.NoError(t, err)
	assert.False(t, unsatisfiable)
	assert.NotEmpty(t, warnings)

	sp, ok := resolved.(*model.SearchParamExpr)
	require.True(t, ok)
	assert.Equal(t, "Patient/1", sp.Value)
}

func TestResolve_TruncatesReferenceIDSetAtCap(t *testing.T) {
	cfg := testConfig(config.Distributed)
	cfg.MaxDistributedReferenceIDs = 1
	clients := map[string]upstream.Client{
		"a": &fakeClient{id: "a", entries: []model.ResultEntry{
			{ResourceTypeName: "Patient", ResourceID: "1"},
			{ResourceTypeName: "Patient", ResourceID: "2"},
		}},
		"b": &fakeClient{id: "b"},
	}
	r := New(cfg, func(s config.ShardEndpoint) upstream.Client { return clients[s.ID] })

	expr := &model.ChainedExpr{RefParam: "subject", TargetTypes: []string{"Patient"},
		Child: &model.SearchParamExpr{Name: "name", Value: "Smith"}}
	resolved, warnings, unsatisfiable, err := r.Resolve(context.Background(), expr)
	require.NoError(t, err)
	assert.False(t, unsatisfiable)
	assert.NotEmpty(t, warnings)

	sp, ok := resolved.(*model.SearchParamExpr)
	require.True(t, ok)
	assert.NotContains(t, sp.Value, ",")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
