package afltypes

// ObjectType classifies a step, determining which transition table (see
// package states) drives its execution.
type ObjectType string

const (
	VariableAssignment ObjectType = "VariableAssignment"
	YieldAssignment     ObjectType = "YieldAssignment"
	Workflow            ObjectType = "Workflow"
	Facet               ObjectType = "Facet"
	SchemaInstantiation ObjectType = "SchemaInstantiation"

	// Block types.
	AndThen  ObjectType = "AndThen"
	AndMap   ObjectType = "AndMap"
	AndMatch ObjectType = "AndMatch"
	Block    ObjectType = "Block"

	// Mixin hooks.
	Before ObjectType = "Before"
	After  ObjectType = "After"
)

// IsBlock reports whether an object type uses the block transition table.
func (t ObjectType) IsBlock() bool {
	switch t {
	case AndThen, AndMap, AndMatch, Block:
		return true
	default:
		return false
	}
}

// IsStatement reports whether an object type uses the full statement
// transition table or the yield table (i.e. is a leaf statement, not a
// block or schema instantiation).
func (t ObjectType) IsStatement() bool {
	switch t {
	case VariableAssignment, YieldAssignment:
		return true
	default:
		return false
	}
}

// IsForeachCapable reports whether a block type materializes children by
// iterating a bound collection (AndMap/AndMatch), per SPEC_FULL.md §4.4.
func (t ObjectType) IsForeachCapable() bool {
	return t == AndMap || t == AndMatch
}
