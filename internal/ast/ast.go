// Package ast defines the compiled program tree the Evaluator consumes.
// Parsing is out of scope (spec.md §1 Non-goals): these types describe the
// shape a parser/compiler must produce, not how to build it. The tree is
// opaque to the persistence layer but strongly typed here for the
// Evaluator and state handlers.
package ast

import "github.com/rlemke/agentflow/internal/afltypes"

// Program is a fully compiled, linkable set of namespaces — the unit a Flow
// persists as its compiled AST.
type Program struct {
	Namespaces []*Namespace
}

// Namespace groups facets and workflows under a qualified name.
type Namespace struct {
	Name       string
	Facets     []*FacetDef
	EventFacets []*EventFacetDef
	Workflows  []*WorkflowDef
	Schemas    []*SchemaDef
}

// Param is one declared parameter or return attribute of a facet or
// workflow: a name, a declared type, and an optional default expression
// (itself opaque — expression evaluation is a runtime concern, not an AST
// concern, and is performed by the FacetInit handler against the ambient
// scope).
type Param struct {
	Name         string
	Type         afltypes.TypeHint
	DefaultExpr  Expr
	HasDefault   bool
}

// FacetDef is a named, typed signature for a non-event unit of work.
type FacetDef struct {
	Name    string
	Params  []Param
	Returns []Param
}

// EventFacetDef is a FacetDef marked for external dispatch: its steps block
// at EventTransmit until continue_step supplies a result.
type EventFacetDef struct {
	FacetDef
}

// SchemaDef declares a SchemaInstantiation facet: argument evaluation only,
// no execution.
type SchemaDef struct {
	Name   string
	Fields []Param
}

// WorkflowDef is a named composition of facet invocations: parameters, a
// declared return list, and a root block.
type WorkflowDef struct {
	Name    string
	Params  []Param
	Returns []Param
	Root    *BlockDef
}

// BlockDef is a sequence of statements (AndThen), or an iteration construct
// over a bound collection (AndMap/AndMatch).
type BlockDef struct {
	// ID addresses this block definition from a materialized block step, so
	// the Evaluator can find the statements it must materialize as children.
	ID         afltypes.StatementId
	ObjectType afltypes.ObjectType
	Statements []StatementDef

	// Foreach binding, present only when ObjectType.IsForeachCapable().
	ForeachVar        string
	ForeachCollection Expr

	// Match guards, present only for AndMatch: parallel to Statements,
	// Guards[i] gates Statements[i]; a statement with no guard always
	// matches (used for a trailing else branch).
	Guards []Expr
}

// StatementDef is one line of a block body.
type StatementDef interface {
	statementDef()
}

// VariableAssignmentDef invokes a facet and binds its returns to a name,
// e.g. `s1 = SomeFacet(x = $.input)`.
type VariableAssignmentDef struct {
	ID        afltypes.StatementId
	Name      string
	FacetName string
	Args      map[string]Expr
	Body      *BlockDef // optional andThen body
}

func (*VariableAssignmentDef) statementDef() {}

// YieldAssignmentDef is a workflow's terminal yield statement.
type YieldAssignmentDef struct {
	ID        afltypes.StatementId
	FacetName string
	Args      map[string]Expr
}

func (*YieldAssignmentDef) statementDef() {}

// SchemaInstantiationDef instantiates a schema from evaluated arguments.
type SchemaInstantiationDef struct {
	ID         afltypes.StatementId
	Name       string
	SchemaName string
	Args       map[string]Expr
}

func (*SchemaInstantiationDef) statementDef() {}

// Expr is an opaque expression node: a literal, a reference
// (`siblingName.attr` or `$.paramName`), or an expr-lang script. The
// Evaluator resolves it for statement arguments (FacetInit), foreach
// collections, and AndMatch guards.
type Expr interface {
	exprNode()
}

// Literal is a constant value embedded in the source.
type Literal struct {
	Value any
}

func (Literal) exprNode() {}

// Reference resolves to a workflow parameter (`$.name`) or a sibling step's
// attribute (`siblingName.attr`).
type Reference struct {
	// Sibling is empty for a workflow-parameter reference ($.name).
	Sibling string
	Attr    string
}

func (Reference) exprNode() {}

// Script is an expr-lang (github.com/expr-lang/expr) source expression,
// evaluated against an env built from the ambient scope's sibling returns
// and workflow params. Used for AndMatch guards and default-value
// expressions richer than a bare literal or single reference — anything a
// flow author would otherwise have to flatten into nested Reference nodes.
type Script struct {
	Source string
}

func (Script) exprNode() {}
