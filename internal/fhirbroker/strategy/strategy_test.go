package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
)

var defaultThresholds = Thresholds{ParallelThreshold: 10, SequentialThreshold: 20}

func TestChoose_SortForcesParallel(t *testing.T) {
	expr := &model.StringExpr{Field: "status", Op: model.OpContains, Value: "active"}
	got := Choose(expr, true, 50, defaultThresholds)
	assert.Equal(t, model.StrategyParallel, got)
}

func TestChoose_ChainedPredicateForcesParallel(t *testing.T) {
	expr := &model.ChainedExpr{RefParam: "subject", TargetTypes: []string{"Patient"}}
	got := Choose(expr, false, 50, defaultThresholds)
	assert.Equal(t, model.StrategyParallel, got)
}

func TestChoose_ExactIDForcesParallel(t *testing.T) {
	expr := &model.SearchParamExpr{Name: "_id", Value: "123"}
	got := Choose(expr, false, 50, defaultThresholds)
	assert.Equal(t, model.StrategyParallel, got)
}

func TestChoose_SmallPageSizeIsParallel(t *testing.T) {
	expr := &model.StringExpr{Field: "name", Op: model.OpEquals, Value: "Smith"}
	got := Choose(expr, false, 5, defaultThresholds)
	assert.Equal(t, model.StrategyParallel, got)
}

func TestChoose_LargePageSizeIsSequential(t *testing.T) {
	expr := &model.StringExpr{Field: "name", Op: model.OpEquals, Value: "Smith"}
	got := Choose(expr, false, 50, defaultThresholds)
	assert.Equal(t, model.StrategySequential, got)
}

func TestChoose_BroadTextContainsIsSequential(t *testing.T) {
	expr := &model.StringExpr{Field: "name", Op: model.OpContains, Value: "Smi"}
	got := Choose(expr, false, 15, defaultThresholds)
	assert.Equal(t, model.StrategySequential, got)
}

func TestChoose_OtherwiseIsParallel(t *testing.T) {
	expr := &model.StringExpr{Field: "name", Op: model.OpEquals, Value: "Smith"}
	got := Choose(expr, false, 15, defaultThresholds)
	assert.Equal(t, model.StrategyParallel, got)
}
