package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
)

func TestParams_PreservesReferenceValueTypeSuffix(t *testing.T) {
	expr := &model.SearchParamExpr{Name: "subject", Value: "Patient/123"}
	params := Params(expr, "", false)
	assert.Equal(t, []model.Param{{Name: "subject", Value: "Patient/123"}}, params)
}

func TestParams_StartsWithAppendsWildcard(t *testing.T) {
	expr := &model.StringExpr{Op: model.OpStartsWith, Field: "name", Value: "Smi"}
	params := Params(expr, "", false)
	assert.Equal(t, []model.Param{{Name: "name", Value: "Smi*"}}, params)
}

func TestParams_ContainsUsesModifierKey(t *testing.T) {
	expr := &model.StringExpr{Op: model.OpContains, Field: "name", Value: "mit"}
	params := Params(expr, "", false)
	assert.Equal(t, []model.Param{{Name: "name:contains", Value: "mit"}}, params)
}

func TestParams_DedupPreservesInsertionOrder(t *testing.T) {
	expr := &model.MultiaryExpr{
		Op: model.OpAnd,
		Children: []model.Expression{
			&model.SearchParamExpr{Name: "status", Value: "active"},
			&model.SearchParamExpr{Name: "name", Value: "Smith"},
			&model.SearchParamExpr{Name: "status", Value: "active"},
		},
	}
	params := Params(expr, "", false)
	assert.Equal(t, []model.Param{
		{Name: "status", Value: "active"},
		{Name: "name", Value: "Smith"},
	}, params)
}

func TestParams_IncludeSuppressedInDistributedMode(t *testing.T) {
	expr := &model.IncludeExpr{SourceType: "Patient", RefParam: "general-practitioner", TargetType: "Practitioner"}
	params := Params(expr, "", false)
	assert.Empty(t, params)
}

func TestParams_IncludeEmittedInPassthroughMode(t *testing.T) {
	expr := &model.IncludeExpr{SourceType: "Patient", RefParam: "general-practitioner", TargetType: "Practitioner"}
	params := Params(expr, "", true)
	assert.Equal(t, []model.Param{{Name: "_include", Value: "Patient:general-practitioner:Practitioner"}}, params)
}

func TestIncludes_CollectsDirectivesRegardlessOfMode(t *testing.T) {
	expr := &model.MultiaryExpr{
		Op: model.OpAnd,
		Children: []model.Expression{
			&model.SearchParamExpr{Name: "status", Value: "active"},
			&model.IncludeExpr{SourceType: "Patient", RefParam: "general-practitioner"},
		},
	}
	directives := Includes(expr)
	assert.Len(t, directives, 1)
	assert.Equal(t, "general-practitioner", directives[0].RefParam)
}
