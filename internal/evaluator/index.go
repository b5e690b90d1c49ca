package evaluator

import "github.com/rlemke/agentflow/internal/ast"

// index precomputes lookups over a compiled Program so per-step dispatch
// never walks the tree from the root.
type index struct {
	workflows    map[string]*ast.WorkflowDef
	facets       map[string]*ast.FacetDef
	eventFacets  map[string]bool
	schemas      map[string]*ast.SchemaDef
	statements   map[string]ast.StatementDef // keyed by StatementId
	blocks       map[string]*ast.BlockDef    // keyed by BlockDef.ID
}

func buildIndex(program *ast.Program) *index {
	ix := &index{
		workflows:   make(map[string]*ast.WorkflowDef),
		facets:      make(map[string]*ast.FacetDef),
		eventFacets: make(map[string]bool),
		schemas:     make(map[string]*ast.SchemaDef),
		statements:  make(map[string]ast.StatementDef),
		blocks:      make(map[string]*ast.BlockDef),
	}
	if program == nil {
		return ix
	}
	for _, ns := range program.Namespaces {
		for _, f := range ns.Facets {
			ix.facets[f.Name] = f
		}
		for _, ef := range ns.EventFacets {
			ix.eventFacets[ef.Name] = true
		}
		for _, sc := range ns.Schemas {
			ix.schemas[sc.Name] = sc
		}
		for _, wf := range ns.Workflows {
			ix.workflows[wf.Name] = wf
			ix.indexBlock(wf.Root)
		}
	}
	return ix
}

func (ix *index) indexBlock(b *ast.BlockDef) {
	if b == nil {
		return
	}
	ix.blocks[string(b.ID)] = b
	for _, stmt := range b.Statements {
		switch s := stmt.(type) {
		case *ast.VariableAssignmentDef:
			ix.statements[string(s.ID)] = s
			ix.indexBlock(s.Body)
		case *ast.YieldAssignmentDef:
			ix.statements[string(s.ID)] = s
		case *ast.SchemaInstantiationDef:
			ix.statements[string(s.ID)] = s
		}
	}
}

// isEventFacet reports whether facetName names a facet declared with event
// dispatch semantics (blocks at EventTransmit for external completion).
func (ix *index) isEventFacet(facetName string) bool {
	return ix.eventFacets[facetName]
}
