// Package strategy implements the Strategy Analyzer (§4.2): a single
// pass over the expression tree that chooses PARALLEL or SEQUENTIAL
// fan-out. The walk uses the same visitor idiom as the extractor — one
// featureSignals model.Visitor records each detected feature in its own
// bool, leaving node dispatch to model.Walk.
package strategy

import (
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
)

// Thresholds bundles the page-size cutoffs that participate in the
// decision table, sourced from config.Config.
type Thresholds struct {
	ParallelThreshold   int
	SequentialThreshold int
}

// featureSignals is populated by a single Walk and consulted by Choose
// in decision-table order.
type featureSignals struct {
	model.BaseVisitor
	hasChained          bool
	hasExactIDEquality  bool
	hasBroadTextOrStatus bool
}

func (s *featureSignals) VisitChained(*model.ChainedExpr) {
	s.hasChained = true
}

func (s *featureSignals) VisitSearchParam(e *model.SearchParamExpr) {
	switch e.Name {
	case "_id", "identifier":
		if e.Value != "" {
			s.hasExactIDEquality = true
		}
	case "status":
		s.hasBroadTextOrStatus = true
	}
}

func (s *featureSignals) VisitString(e *model.StringExpr) {
	if e.Op == model.OpContains {
		s.hasBroadTextOrStatus = true
	}
}

// Choose applies the §4.2 decision table, first match wins. sortPresent
// is passed separately since sort keys live on SearchRequest, not on the
// expression tree.
func Choose(expr model.Expression, sortPresent bool, maxItemCount int, t Thresholds) model.Strategy {
	if sortPresent {
		return model.StrategyParallel
	}

	signals := &featureSignals{}
	model.Walk(expr, signals)

	if signals.hasChained {
		return model.StrategyParallel
	}
	if signals.hasExactIDEquality {
		return model.StrategyParallel
	}
	if t.ParallelThreshold > 0 && maxItemCount <= t.ParallelThreshold {
		return model.StrategyParallel
	}
	if t.SequentialThreshold > 0 && maxItemCount > t.SequentialThreshold {
		return model.StrategySequential
	}
	if signals.hasBroadTextOrStatus {
		return model.StrategySequential
	}
	return model.StrategyParallel
}
