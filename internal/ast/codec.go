package ast

import (
	"encoding/json"
	"fmt"

	"github.com/rlemke/agentflow/internal/afltypes"
)

// MarshalProgram serializes a compiled Program to the JSON form a Flow
// persists as its CompiledAST, tagging the StatementDef/Expr interface
// variants so UnmarshalProgram can reconstruct them. Grounded on
// original_source/afl/emitter.JSONEmitter, which performs the equivalent
// tagged-variant serialization for the Python runtime.
func MarshalProgram(p *Program) ([]byte, error) {
	return json.Marshal(toWireProgram(p))
}

// UnmarshalProgram reconstructs a Program from bytes produced by
// MarshalProgram.
func UnmarshalProgram(data []byte) (*Program, error) {
	var w wireProgram
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("ast: decode program: %w", err)
	}
	return w.toProgram()
}

type wireProgram struct {
	Namespaces []wireNamespace `json:"namespaces"`
}

type wireNamespace struct {
	Name        string           `json:"name"`
	Facets      []wireFacet      `json:"facets,omitempty"`
	EventFacets []wireFacet      `json:"event_facets,omitempty"`
	Workflows   []wireWorkflow   `json:"workflows,omitempty"`
	Schemas     []wireSchema     `json:"schemas,omitempty"`
}

type wireParam struct {
	Name        string             `json:"name"`
	Type        afltypes.TypeHint  `json:"type"`
	DefaultExpr *wireExpr          `json:"default_expr,omitempty"`
	HasDefault  bool               `json:"has_default,omitempty"`
}

type wireFacet struct {
	Name    string      `json:"name"`
	Params  []wireParam `json:"params,omitempty"`
	Returns []wireParam `json:"returns,omitempty"`
}

type wireSchema struct {
	Name   string      `json:"name"`
	Fields []wireParam `json:"fields,omitempty"`
}

type wireWorkflow struct {
	Name    string      `json:"name"`
	Params  []wireParam `json:"params,omitempty"`
	Returns []wireParam `json:"returns,omitempty"`
	Root    wireBlock   `json:"root"`
}

type wireBlock struct {
	ID                afltypes.StatementId `json:"id"`
	ObjectType        afltypes.ObjectType  `json:"object_type"`
	Statements        []wireStatement      `json:"statements,omitempty"`
	ForeachVar        string               `json:"foreach_var,omitempty"`
	ForeachCollection *wireExpr            `json:"foreach_collection,omitempty"`
	Guards            []*wireExpr          `json:"guards,omitempty"`
}

// wireStatement tags which concrete StatementDef variant this is; exactly
// one of the payload fields is populated per Kind.
type wireStatement struct {
	Kind                   string                  `json:"kind"`
	VariableAssignment     *wireVariableAssignment `json:"variable_assignment,omitempty"`
	YieldAssignment        *wireYieldAssignment    `json:"yield_assignment,omitempty"`
	SchemaInstantiation    *wireSchemaInstantiation `json:"schema_instantiation,omitempty"`
}

type wireVariableAssignment struct {
	ID        afltypes.StatementId `json:"id"`
	Name      string               `json:"name"`
	FacetName string               `json:"facet_name"`
	Args      map[string]wireExpr  `json:"args,omitempty"`
	Body      *wireBlock           `json:"body,omitempty"`
}

type wireYieldAssignment struct {
	ID        afltypes.StatementId `json:"id"`
	FacetName string               `json:"facet_name"`
	Args      map[string]wireExpr  `json:"args,omitempty"`
}

type wireSchemaInstantiation struct {
	ID         afltypes.StatementId `json:"id"`
	Name       string               `json:"name"`
	SchemaName string               `json:"schema_name"`
	Args       map[string]wireExpr  `json:"args,omitempty"`
}

// wireExpr tags which concrete Expr variant this is.
type wireExpr struct {
	Kind    string `json:"kind"`
	Value   any    `json:"value,omitempty"`
	Sibling string `json:"sibling,omitempty"`
	Attr    string `json:"attr,omitempty"`
	Source  string `json:"source,omitempty"`
}

func toWireProgram(p *Program) wireProgram {
	w := wireProgram{}
	for _, ns := range p.Namespaces {
		w.Namespaces = append(w.Namespaces, toWireNamespace(ns))
	}
	return w
}

func toWireNamespace(ns *Namespace) wireNamespace {
	w := wireNamespace{Name: ns.Name}
	for _, f := range ns.Facets {
		w.Facets = append(w.Facets, toWireFacet(f))
	}
	for _, f := range ns.EventFacets {
		w.EventFacets = append(w.EventFacets, toWireFacet(&f.FacetDef))
	}
	for _, wf := range ns.Workflows {
		w.Workflows = append(w.Workflows, toWireWorkflow(wf))
	}
	for _, s := range ns.Schemas {
		w.Schemas = append(w.Schemas, toWireSchema(s))
	}
	return w
}

func toWireParam(p Param) wireParam {
	w := wireParam{Name: p.Name, Type: p.Type, HasDefault: p.HasDefault}
	if p.DefaultExpr != nil {
		e := toWireExpr(p.DefaultExpr)
		w.DefaultExpr = &e
	}
	return w
}

func toWireParams(params []Param) []wireParam {
	var out []wireParam
	for _, p := range params {
		out = append(out, toWireParam(p))
	}
	return out
}

func toWireFacet(f *FacetDef) wireFacet {
	return wireFacet{Name: f.Name, Params: toWireParams(f.Params), Returns: toWireParams(f.Returns)}
}

func toWireSchema(s *SchemaDef) wireSchema {
	return wireSchema{Name: s.Name, Fields: toWireParams(s.Fields)}
}

func toWireWorkflow(wf *WorkflowDef) wireWorkflow {
	return wireWorkflow{
		Name:    wf.Name,
		Params:  toWireParams(wf.Params),
		Returns: toWireParams(wf.Returns),
		Root:    toWireBlock(wf.Root),
	}
}

func toWireBlock(b *BlockDef) wireBlock {
	w := wireBlock{ID: b.ID, ObjectType: b.ObjectType, ForeachVar: b.ForeachVar}
	if b.ForeachCollection != nil {
		e := toWireExpr(b.ForeachCollection)
		w.ForeachCollection = &e
	}
	for _, g := range b.Guards {
		if g == nil {
			w.Guards = append(w.Guards, nil)
			continue
		}
		e := toWireExpr(g)
		w.Guards = append(w.Guards, &e)
	}
	for _, stmt := range b.Statements {
		w.Statements = append(w.Statements, toWireStatement(stmt))
	}
	return w
}

func toWireExprArgs(args map[string]Expr) map[string]wireExpr {
	if args == nil {
		return nil
	}
	out := make(map[string]wireExpr, len(args))
	for k, v := range args {
		out[k] = toWireExpr(v)
	}
	return out
}

func toWireStatement(stmt StatementDef) wireStatement {
	switch d := stmt.(type) {
	case *VariableAssignmentDef:
		va := &wireVariableAssignment{ID: d.ID, Name: d.Name, FacetName: d.FacetName, Args: toWireExprArgs(d.Args)}
		if d.Body != nil {
			b := toWireBlock(d.Body)
			va.Body = &b
		}
		return wireStatement{Kind: "variable_assignment", VariableAssignment: va}
	case *YieldAssignmentDef:
		return wireStatement{Kind: "yield_assignment", YieldAssignment: &wireYieldAssignment{
			ID: d.ID, FacetName: d.FacetName, Args: toWireExprArgs(d.Args),
		}}
	case *SchemaInstantiationDef:
		return wireStatement{Kind: "schema_instantiation", SchemaInstantiation: &wireSchemaInstantiation{
			ID: d.ID, Name: d.Name, SchemaName: d.SchemaName, Args: toWireExprArgs(d.Args),
		}}
	default:
		return wireStatement{}
	}
}

func toWireExpr(e Expr) wireExpr {
	switch v := e.(type) {
	case Literal:
		return wireExpr{Kind: "literal", Value: v.Value}
	case Reference:
		return wireExpr{Kind: "reference", Sibling: v.Sibling, Attr: v.Attr}
	case Script:
		return wireExpr{Kind: "script", Source: v.Source}
	default:
		return wireExpr{Kind: "literal"}
	}
}

func (w wireProgram) toProgram() (*Program, error) {
	p := &Program{}
	for _, wn := range w.Namespaces {
		ns, err := wn.toNamespace()
		if err != nil {
			return nil, err
		}
		p.Namespaces = append(p.Namespaces, ns)
	}
	return p, nil
}

func (w wireNamespace) toNamespace() (*Namespace, error) {
	ns := &Namespace{Name: w.Name}
	for _, f := range w.Facets {
		ns.Facets = append(ns.Facets, f.toFacet())
	}
	for _, f := range w.EventFacets {
		ns.EventFacets = append(ns.EventFacets, &EventFacetDef{FacetDef: *f.toFacet()})
	}
	for _, wf := range w.Workflows {
		def, err := wf.toWorkflow()
		if err != nil {
			return nil, err
		}
		ns.Workflows = append(ns.Workflows, def)
	}
	for _, s := range w.Schemas {
		ns.Schemas = append(ns.Schemas, s.toSchema())
	}
	return ns, nil
}

func (w wireParam) toParam() Param {
	p := Param{Name: w.Name, Type: w.Type, HasDefault: w.HasDefault}
	if w.DefaultExpr != nil {
		p.DefaultExpr = w.DefaultExpr.toExpr()
	}
	return p
}

func toParams(params []wireParam) []Param {
	var out []Param
	for _, p := range params {
		out = append(out, p.toParam())
	}
	return out
}

func (w wireFacet) toFacet() *FacetDef {
	return &FacetDef{Name: w.Name, Params: toParams(w.Params), Returns: toParams(w.Returns)}
}

func (w wireSchema) toSchema() *SchemaDef {
	return &SchemaDef{Name: w.Name, Fields: toParams(w.Fields)}
}

func (w wireWorkflow) toWorkflow() (*WorkflowDef, error) {
	root, err := w.Root.toBlock()
	if err != nil {
		return nil, err
	}
	return &WorkflowDef{Name: w.Name, Params: toParams(w.Params), Returns: toParams(w.Returns), Root: root}, nil
}

func (w wireBlock) toBlock() (*BlockDef, error) {
	b := &BlockDef{ID: w.ID, ObjectType: w.ObjectType, ForeachVar: w.ForeachVar}
	if w.ForeachCollection != nil {
		b.ForeachCollection = w.ForeachCollection.toExpr()
	}
	for _, g := range w.Guards {
		if g == nil {
			b.Guards = append(b.Guards, nil)
			continue
		}
		b.Guards = append(b.Guards, g.toExpr())
	}
	for _, ws := range w.Statements {
		stmt, err := ws.toStatement()
		if err != nil {
			return nil, err
		}
		b.Statements = append(b.Statements, stmt)
	}
	return b, nil
}

func toExprArgs(args map[string]wireExpr) map[string]Expr {
	if args == nil {
		return nil
	}
	out := make(map[string]Expr, len(args))
	for k, v := range args {
		out[k] = v.toExpr()
	}
	return out
}

func (w wireStatement) toStatement() (StatementDef, error) {
	switch w.Kind {
	case "variable_assignment":
		if w.VariableAssignment == nil {
			return nil, fmt.Errorf("ast: variable_assignment statement missing payload")
		}
		va := w.VariableAssignment
		d := &VariableAssignmentDef{ID: va.ID, Name: va.Name, FacetName: va.FacetName, Args: toExprArgs(va.Args)}
		if va.Body != nil {
			body, err := va.Body.toBlock()
			if err != nil {
				return nil, err
			}
			d.Body = body
		}
		return d, nil
	case "yield_assignment":
		if w.YieldAssignment == nil {
			return nil, fmt.Errorf("ast: yield_assignment statement missing payload")
		}
		ya := w.YieldAssignment
		return &YieldAssignmentDef{ID: ya.ID, FacetName: ya.FacetName, Args: toExprArgs(ya.Args)}, nil
	case "schema_instantiation":
		if w.SchemaInstantiation == nil {
			return nil, fmt.Errorf("ast: schema_instantiation statement missing payload")
		}
		si := w.SchemaInstantiation
		return &SchemaInstantiationDef{ID: si.ID, Name: si.Name, SchemaName: si.SchemaName, Args: toExprArgs(si.Args)}, nil
	default:
		return nil, fmt.Errorf("ast: unknown statement kind %q", w.Kind)
	}
}

func (w wireExpr) toExpr() Expr {
	switch w.Kind {
	case "reference":
		return Reference{Sibling: w.Sibling, Attr: w.Attr}
	case "script":
		return Script{Source: w.Source}
	default:
		return Literal{Value: w.Value}
	}
}
