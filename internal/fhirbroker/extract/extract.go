// Package extract implements the Expression-to-Parameter Extractor
// (§4.7): a Walk over the predicate tree that emits an ordered,
// deduplicated list of (name, value) sub-query parameters for one
// shard's sub-request.
package extract

import (
	"strings"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
)

// Params walks expr and returns its ordered, deduplicated parameter
// list. contextResourceType, if non-empty, suppresses the synthesized
// `_type=` parameter a system-scope chain would otherwise emit.
// includePassthrough controls whether _include/_revinclude directives
// are forwarded as shard query parameters: true when include resolution
// runs in PASSTHROUGH mode (each shard expands locally), false when the
// distributed include resolver handles expansion out of band.
func Params(expr model.Expression, contextResourceType string, includePassthrough bool) []model.Param {
	e := &extractor{contextType: contextResourceType, includePassthrough: includePassthrough, seen: make(map[string]bool)}
	model.Walk(expr, e)
	return e.params
}

// Includes collects every IncludeExpr directive present in expr,
// regardless of resolution mode, for the engine to hand to the
// distributed include resolver.
func Includes(expr model.Expression) []*model.IncludeExpr {
	c := &includeCollector{}
	model.Walk(expr, c)
	return c.directives
}

type includeCollector struct {
	model.BaseVisitor
	directives []*model.IncludeExpr
}

func (c *includeCollector) VisitInclude(i *model.IncludeExpr) {
	c.directives = append(c.directives, i)
}

type extractor struct {
	model.BaseVisitor
	contextType        string
	includePassthrough bool
	params             []model.Param
	seen               map[string]bool
}

// VisitInclude emits the directive as a shard-facing parameter only in
// PASSTHROUGH mode; in DISTRIBUTED mode the include resolver expands it
// separately and it must not reach the shard as a literal parameter.
func (e *extractor) VisitInclude(i *model.IncludeExpr) {
	if !e.includePassthrough {
		return
	}
	name := "_include"
	if i.Reverse {
		name = "_revinclude"
	}
	target := i.TargetType
	if i.Wildcard {
		target = "*"
	}
	value := i.SourceType + ":" + i.RefParam
	if target != "" {
		value += ":" + target
	}
	if i.Iterate {
		name += ":iterate"
	}
	e.emit(name, value)
}

func (e *extractor) emit(name, value string) {
	key := name + "\x00" + value
	if e.seen[key] {
		return
	}
	e.seen[key] = true
	e.params = append(e.params, model.Param{Name: name, Value: value})
}

// VisitSearchParam emits the parameter's (name, value) pair verbatim.
// In DISTRIBUTED mode this is also the form a resolved chain takes: the
// chain resolver has already rewritten it into SearchParam(refParam,
// comma-joined ids). An unresolved chain (PASSTHROUGH mode) is a
// ChainedExpr and is handled by VisitChained, not here.
func (e *extractor) VisitSearchParam(p *model.SearchParamExpr) {
	e.emit(p.Name, p.Value)
}

// VisitChained emits the chained-leaf parameter form `ref:Target.param`
// for a chain the extractor encounters directly (PASSTHROUGH mode, or a
// chain the resolver left unresolved because its union was empty).
func (e *extractor) VisitChained(c *model.ChainedExpr) {
	if len(c.TargetTypes) > 0 {
		target := strings.Join(c.TargetTypes, ",")
		paramName := c.RefParam + ":" + target
		switch child := c.Child.(type) {
		case *model.SearchParamExpr:
			e.emit(paramName+"."+child.Name, child.Value)
		case *model.StringExpr:
			e.emit(paramName+"."+child.Field, child.Value)
		default:
			e.emit(paramName, "")
		}
	}
	if len(c.TargetTypes) > 1 && e.contextType == "" {
		e.emit("_type", strings.Join(c.TargetTypes, ","))
	}
}

// VisitString applies the STARTS_WITH/CONTAINS/equality emission rules.
func (e *extractor) VisitString(s *model.StringExpr) {
	switch s.Op {
	case model.OpStartsWith:
		e.emit(s.Field, s.Value+"*")
	case model.OpContains:
		e.emit(s.Field+":contains", s.Value)
	default:
		e.emit(s.Field, s.Value)
	}
}
