package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/errors"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
)

func TestAdmit_RejectsNonLatestVersion(t *testing.T) {
	g := New(Limits{MaxConcurrentSearches: 10}, nil)
	_, err := g.Admit(&model.SearchRequest{VersionRequirement: "1.0"})
	require.Error(t, err)
	assert.Equal(t, errors.RequestTooCostly, errors.KindOf(err))
}

func TestAdmit_RejectsOversizedPage(t *testing.T) {
	g := New(Limits{MaxConcurrentSearches: 10, MaxPageSize: 100}, nil)
	_, err := g.Admit(&model.SearchRequest{VersionRequirement: model.VersionLatest, MaxItemCount: 500})
	require.Error(t, err)
	assert.Equal(t, errors.RequestTooCostly, errors.KindOf(err))
}

func TestAdmit_RejectsDeepChains(t *testing.T) {
	g := New(Limits{MaxConcurrentSearches: 10, MaxChainDepth: 1}, nil)
	deep := &model.ChainedExpr{RefParam: "subject", Child: &model.ChainedExpr{RefParam: "organization"}}
	_, err := g.Admit(&model.SearchRequest{VersionRequirement: model.VersionLatest, Expression: deep})
	require.Error(t, err)
	assert.Equal(t, errors.RequestTooCostly, errors.KindOf(err))
}

func TestAdmit_RejectsWhenConcurrencyLimitReached(t *testing.T) {
	g := New(Limits{MaxConcurrentSearches: 1}, nil)
	token, err := g.Admit(&model.SearchRequest{VersionRequirement: model.VersionLatest})
	require.NoError(t, err)

	_, err = g.Admit(&model.SearchRequest{VersionRequirement: model.VersionLatest})
	require.Error(t, err)
	assert.Equal(t, errors.Backpressure, errors.KindOf(err))

	token.Release()
	_, err = g.Admit(&model.SearchRequest{VersionRequirement: model.VersionLatest})
	assert.NoError(t, err)
}

func TestRelease_IsIdempotent(t *testing.T) {
	g := New(Limits{MaxConcurrentSearches: 1}, nil)
	token, err := g.Admit(&model.SearchRequest{VersionRequirement: model.VersionLatest})
	require.NoError(t, err)

	token.Release()
	token.Release()
	assert.Equal(t, int64(0), g.InFlight())
}
