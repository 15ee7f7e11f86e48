package main

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
)

// parseSearchRequest translates a raw query string into a
// model.SearchRequest. This is the HTTP-boundary controller the rest of
// the broker treats as out of scope: it only needs to recognize enough
// FHIR search syntax to build the predicate tree the engine consumes,
// not a full grammar (compartment/history/reindex calls are rejected
// upstream of this translation, at the route level).
func parseSearchRequest(resourceType string, values url.Values, maxPageSize int) *model.SearchRequest {
	req := &model.SearchRequest{
		ResourceType:       resourceType,
		VersionRequirement: model.VersionLatest,
		MaxItemCount:       20,
	}

	var predicates []model.Expression
	var includes []*model.IncludeExpr

	for name, vals := range values {
		for _, v := range vals {
			switch {
			case name == "_count":
				if n, err := strconv.Atoi(v); err == nil {
					req.MaxItemCount = n
				}
			case name == "ct":
				req.ContinuationToken = v
			case name == "_sort":
				req.Sort = parseSort(v)
			case strings.HasPrefix(name, "_include") || strings.HasPrefix(name, "_revinclude"):
				if inc := parseInclude(resourceType, name, v); inc != nil {
					includes = append(includes, inc)
				}
			case strings.Contains(name, ":") && strings.Contains(strings.SplitN(name, ":", 2)[1], "."):
				predicates = append(predicates, parseChain(name, v))
			default:
				predicates = append(predicates, parseStringExpr(name, v))
			}
		}
	}

	if req.MaxItemCount > maxPageSize && maxPageSize > 0 {
		req.MaxItemCount = maxPageSize
	}

	for _, inc := range includes {
		predicates = append(predicates, inc)
	}

	switch len(predicates) {
	case 0:
		req.Expression = &model.MultiaryExpr{Op: model.OpAnd}
	case 1:
		req.Expression = predicates[0]
	default:
		req.Expression = &model.MultiaryExpr{Op: model.OpAnd, Children: predicates}
	}

	return req
}

func parseSort(v string) []model.SortKey {
	var keys []model.SortKey
	for _, part := range strings.Split(v, ",") {
		if part == "" {
			continue
		}
		direction := model.SortAscending
		param := part
		if strings.HasPrefix(part, "-") {
			direction = model.SortDescending
			param = part[1:]
		}
		keys = append(keys, model.SortKey{Param: param, Direction: direction})
	}
	return keys
}

// parseChain parses `refParam:TargetType.nestedParam=value` (and nested
// chains like `refParam:TargetType.refParam2:TargetType2.nestedParam`).
func parseChain(name, value string) model.Expression {
	refParam, rest, _ := strings.Cut(name, ":")
	targetSpec, nestedName, found := strings.Cut(rest, ".")
	if !found {
		return parseStringExpr(name, value)
	}

	var child model.Expression
	if strings.Contains(nestedName, ":") && strings.Contains(strings.SplitN(nestedName, ":", 2)[1], ".") {
		child = parseChain(nestedName, value)
	} else {
		child = parseStringExpr(nestedName, value)
	}

	return &model.ChainedExpr{
		RefParam:    refParam,
		TargetTypes: strings.Split(targetSpec, ","),
		Child:       child,
	}
}

// parseInclude parses `_include=Source:param[:Target]` and
// `_revinclude=Target:param[:Source]`, with an optional `:iterate`
// modifier on the directive name.
func parseInclude(contextType, name, value string) *model.IncludeExpr {
	reverse := strings.HasPrefix(name, "_revinclude")
	iterate := strings.Contains(name, ":iterate")

	parts := strings.Split(value, ":")
	inc := &model.IncludeExpr{Iterate: iterate, Reverse: reverse}
	switch len(parts) {
	case 1:
		inc.Wildcard = parts[0] == "*"
		if !inc.Wildcard {
			inc.SourceType = parts[0]
		}
	case 2:
		inc.SourceType = parts[0]
		inc.RefParam = parts[1]
	case 3:
		inc.SourceType = parts[0]
		inc.RefParam = parts[1]
		inc.TargetType = parts[2]
	}
	if reverse {
		// For _revinclude the directive's own SourceType slot names the
		// type being searched (the teacher's own resource would be the
		// implicit target); normalize so the resolver's SourceType
		// always means "the main query's resource type".
		inc.TargetType = inc.SourceType
		inc.SourceType = contextType
	} else if inc.SourceType == "" {
		inc.SourceType = contextType
	}
	return inc
}

func parseStringExpr(name, value string) model.Expression {
	field := name
	op := model.OpEquals
	if strings.HasSuffix(field, ":contains") {
		field = strings.TrimSuffix(field, ":contains")
		op = model.OpContains
	} else if strings.HasSuffix(value, "*") {
		value = strings.TrimSuffix(value, "*")
		op = model.OpStartsWith
	}
	return &model.StringExpr{Op: op, Field: field, Value: value}
}
