package ast_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/ast"
)

func sampleProgram() *ast.Program {
	return &ast.Program{
		Namespaces: []*ast.Namespace{
			{
				Name: "orders",
				Facets: []*ast.FacetDef{
					{
						Name:    "charge_card",
						Params:  []ast.Param{{Name: "amount", Type: afltypes.TypeDouble}},
						Returns: []ast.Param{{Name: "receipt_id", Type: afltypes.TypeString}},
					},
				},
				EventFacets: []*ast.EventFacetDef{
					{FacetDef: ast.FacetDef{Name: "await_approval", Params: []ast.Param{{Name: "order_id", Type: afltypes.TypeString}}}},
				},
				Schemas: []*ast.SchemaDef{
					{Name: "OrderRef", Fields: []ast.Param{{Name: "id", Type: afltypes.TypeString}}},
				},
				Workflows: []*ast.WorkflowDef{
					{
						Name:   "process_order",
						Params: []ast.Param{{Name: "order_id", Type: afltypes.TypeString}},
						Root: &ast.BlockDef{
							ID:         afltypes.StatementId("root"),
							ObjectType: afltypes.AndThen,
							Statements: []ast.StatementDef{
								&ast.VariableAssignmentDef{
									ID:        afltypes.StatementId("s1"),
									Name:      "charge",
									FacetName: "charge_card",
									Args: map[string]ast.Expr{
										"amount": ast.Literal{Value: float64(42)},
									},
								},
								&ast.YieldAssignmentDef{
									ID:        afltypes.StatementId("s2"),
									FacetName: "charge_card",
									Args: map[string]ast.Expr{
										"receipt_id": ast.Reference{Sibling: "charge", Attr: "receipt_id"},
									},
								},
								&ast.SchemaInstantiationDef{
									ID:         afltypes.StatementId("s3"),
									Name:       "ref",
									SchemaName: "OrderRef",
									Args: map[string]ast.Expr{
										"id": ast.Reference{Sibling: "", Attr: "order_id"},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

func TestMarshalUnmarshalProgramRoundTrip(t *testing.T) {
	original := sampleProgram()

	data, err := ast.MarshalProgram(original)
	require.NoError(t, err)

	decoded, err := ast.UnmarshalProgram(data)
	require.NoError(t, err)

	require.Len(t, decoded.Namespaces, 1)
	ns := decoded.Namespaces[0]
	assert.Equal(t, "orders", ns.Name)
	require.Len(t, ns.Facets, 1)
	assert.Equal(t, "charge_card", ns.Facets[0].Name)
	require.Len(t, ns.EventFacets, 1)
	assert.Equal(t, "await_approval", ns.EventFacets[0].Name)
	require.Len(t, ns.Schemas, 1)
	assert.Equal(t, "OrderRef", ns.Schemas[0].Name)
	require.Len(t, ns.Workflows, 1)

	wf := ns.Workflows[0]
	assert.Equal(t, "process_order", wf.Name)
	require.NotNil(t, wf.Root)
	require.Len(t, wf.Root.Statements, 3)

	va, ok := wf.Root.Statements[0].(*ast.VariableAssignmentDef)
	require.True(t, ok)
	assert.Equal(t, "charge_card", va.FacetName)
	lit, ok := va.Args["amount"].(ast.Literal)
	require.True(t, ok)
	assert.Equal(t, float64(42), lit.Value)

	ya, ok := wf.Root.Statements[1].(*ast.YieldAssignmentDef)
	require.True(t, ok)
	ref, ok := ya.Args["receipt_id"].(ast.Reference)
	require.True(t, ok)
	assert.Equal(t, "charge", ref.Sibling)
	assert.Equal(t, "receipt_id", ref.Attr)

	si, ok := wf.Root.Statements[2].(*ast.SchemaInstantiationDef)
	require.True(t, ok)
	assert.Equal(t, "OrderRef", si.SchemaName)
}

func TestUnmarshalProgramRejectsUnknownStatementKind(t *testing.T) {
	_, err := ast.UnmarshalProgram([]byte(`{
		"namespaces": [{
			"name": "x",
			"workflows": [{
				"name": "w",
				"root": {"id": "root", "object_type": "AndThen", "statements": [{"kind": "bogus"}]}
			}]
		}]
	}`))
	assert.Error(t, err)
}

func TestUnmarshalProgramEmpty(t *testing.T) {
	decoded, err := ast.UnmarshalProgram([]byte(`{"namespaces": []}`))
	require.NoError(t, err)
	assert.Empty(t, decoded.Namespaces)
}
