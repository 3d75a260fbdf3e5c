package plan

import (
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
)

// NoStep marks nodes that need no backend call, like __typename.
const NoStep = -1

// Plan is the per-request execution plan: a DAG of steps plus the normalized
// selection tree the merger walks to assemble the response.
type Plan struct {
	OperationType ast.Operation
	OperationName string
	RootType      string
	Nodes         []*Node
	// Steps are ordered so that every step comes after its dependencies.
	Steps     []*Step
	Variables map[string]interface{}
	Schema    *composition.MergedSchema
}

func (p *Plan) Step(id int) *Step {
	if id < 0 || id >= len(p.Steps) {
		return nil
	}
	return p.Steps[id]
}

// Node is one field of the client selection after fragments were flattened
// and fields with the same response key merged.
type Node struct {
	ResponseKey string
	FieldName   string
	// ParentType is the type the field is selected on; for fields inside a
	// fragment this is the fragment's type condition.
	ParentType string
	// TypeCondition restricts the node to objects of that runtime type when
	// the enclosing field is abstract.
	TypeCondition string
	Definition    *ast.FieldDefinition
	Arguments     ast.ArgumentList
	Children      []*Node

	// StepID is the step producing the field value.
	StepID int
	// SourceKey is where the value sits inside the producing object.
	SourceKey string
	// Join is set when the value is looked up by key in the result of StepID.
	Join *KeySource
}

func (n *Node) IsTypename() bool {
	return n.FieldName == "__typename"
}

type StepKind int

const (
	StepRoot StepKind = iota + 1
	StepJoin
)

func (k StepKind) String() string {
	switch k {
	case StepRoot:
		return "root"
	case StepJoin:
		return "join"
	}
	return "unknown"
}

type Step struct {
	ID        int
	Kind      StepKind
	Subgraph  *composition.Subgraph
	Operation ast.Operation
	DependsOn []int
	// After lists steps that must finish first without feeding this one.
	// Their failure does not skip the step.
	After []int
	// Fields holds the aliased root fields sent by a root step.
	Fields ast.SelectionSet
	// Join describes the fetch of a join step.
	Join *JoinFetch
	// Variables are the operation variables the step forwards.
	Variables ast.VariableDefinitionList
	// Path is the response path of the first field the step serves.
	Path ast.Path
}

// Retryable reports whether the step may be sent more than once.
func (s *Step) Retryable() bool {
	return s.Operation != ast.Mutation
}

// RootTypeName is the subgraph type the step's fields belong to.
func (s *Step) RootTypeName() string {
	if s.Operation == ast.Mutation && s.Kind == StepRoot {
		return "Mutation"
	}
	return "Query"
}

type JoinFetch struct {
	Parent       ParentRef
	Key          *KeySource
	Resolver     string
	Argument     string
	ArgumentType *ast.Type
	// Arguments are the client's arguments of the joined field.
	Arguments ast.ArgumentList
	Selection ast.SelectionSet
}

// ParentRef locates the objects a join step extends: Path is walked from the
// payload of a root parent, or from every slot of a join parent. Lists are
// flattened on the way.
type ParentRef struct {
	StepID        int
	Path          []string
	TypeCondition string
}

// KeySource tells how to read the join key from a parent object. Either Field
// is read directly, or the key is itself the result of the join step Via.
type KeySource struct {
	Field string
	Via   *KeyVia
}

type KeyVia struct {
	StepID int
	Key    *KeySource
}
