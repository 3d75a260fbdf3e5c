package composition

import (
	"sort"

	"github.com/vektah/gqlparser/v2/ast"
)

type Coordinate struct {
	Type  string
	Field string
}

func (c Coordinate) String() string {
	return c.Type + "." + c.Field
}

type TemplateKind int

const (
	TemplateNative TemplateKind = iota + 1
	TemplateJoined
)

func (k TemplateKind) String() string {
	switch k {
	case TemplateNative:
		return "native"
	case TemplateJoined:
		return "joined"
	}
	return "unknown"
}

// Join describes how a joined field is fetched: Resolver is a field of the
// Query type of Subgraph, called with the parent's Key value bound to Argument.
type Join struct {
	Subgraph     string
	Resolver     string
	Argument     string
	ArgumentType *ast.Type
	Key          string
}

// Template tells the planner where the value of a field comes from.
type Template struct {
	Kind       TemplateKind
	Coordinate Coordinate
	// Subgraph owns the field when Kind is TemplateNative.
	Subgraph string
	Join     *Join
}

// MergedSchema is the immutable result of composing a descriptor.
type MergedSchema struct {
	SDL    string
	Schema *ast.Schema

	subgraphs []*Subgraph
	byName    map[string]*Subgraph
	templates map[Coordinate]*Template
	declares  map[string]map[Coordinate]struct{}
}

func (m *MergedSchema) Template(typeName, fieldName string) (*Template, bool) {
	t, ok := m.templates[Coordinate{Type: typeName, Field: fieldName}]
	return t, ok
}

// Templates returns every template ordered by coordinate.
func (m *MergedSchema) Templates() []*Template {
	out := make([]*Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Coordinate.String() < out[j].Coordinate.String()
	})
	return out
}

func (m *MergedSchema) Subgraph(name string) (*Subgraph, bool) {
	s, ok := m.byName[name]
	return s, ok
}

// Subgraphs returns the subgraphs in descriptor order.
func (m *MergedSchema) Subgraphs() []*Subgraph {
	out := make([]*Subgraph, len(m.subgraphs))
	copy(out, m.subgraphs)
	return out
}

// Declares reports whether the named subgraph's own schema defines typeName.fieldName.
func (m *MergedSchema) Declares(subgraph, typeName, fieldName string) bool {
	_, ok := m.declares[subgraph][Coordinate{Type: typeName, Field: fieldName}]
	return ok
}
