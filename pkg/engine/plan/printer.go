package plan

import (
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// PrintSelectionSet renders set as compact GraphQL, e.g. {a b: c(x: $y) {d}}.
func PrintSelectionSet(set ast.SelectionSet) string {
	var b strings.Builder
	printSelectionSet(&b, set)
	return b.String()
}

func printSelectionSet(b *strings.Builder, set ast.SelectionSet) {
	if len(set) == 0 {
		return
	}
	b.WriteByte('{')
	for i, selection := range set {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch sel := selection.(type) {
		case *ast.Field:
			if sel.Alias != "" && sel.Alias != sel.Name {
				b.WriteString(sel.Alias)
				b.WriteString(": ")
			}
			b.WriteString(sel.Name)
			printArguments(b, sel.Arguments)
			if len(sel.SelectionSet) > 0 {
				b.WriteByte(' ')
				printSelectionSet(b, sel.SelectionSet)
			}
		case *ast.InlineFragment:
			b.WriteString("... on ")
			b.WriteString(sel.TypeCondition)
			b.WriteByte(' ')
			printSelectionSet(b, sel.SelectionSet)
		case *ast.FragmentSpread:
			b.WriteString("...")
			b.WriteString(sel.Name)
		}
	}
	b.WriteByte('}')
}

func printArguments(b *strings.Builder, arguments ast.ArgumentList) {
	if len(arguments) == 0 {
		return
	}
	b.WriteByte('(')
	for i, argument := range arguments {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(argument.Name)
		b.WriteString(": ")
		b.WriteString(argument.Value.String())
	}
	b.WriteByte(')')
}

// String prints one line per step, for debugging and tests.
func (p *Plan) String() string {
	var b strings.Builder
	for _, step := range p.Steps {
		fmt.Fprintf(&b, "%d %s %s %s %v", step.ID, step.Kind, step.Subgraph.Name, step.Operation, step.DependsOn)
		if len(step.After) > 0 {
			fmt.Fprintf(&b, " after %v", step.After)
		}
		if step.Join != nil {
			fmt.Fprintf(&b, " %s(%s: %s) from %d%s", step.Join.Resolver, step.Join.Argument, step.Join.Key, step.Join.Parent.StepID, formatParentPath(step.Join.Parent))
			if len(step.Join.Arguments) > 0 {
				b.WriteByte(' ')
				printArguments(&b, step.Join.Arguments)
			}
			if len(step.Join.Selection) > 0 {
				b.WriteByte(' ')
				printSelectionSet(&b, step.Join.Selection)
			}
		} else {
			b.WriteByte(' ')
			printSelectionSet(&b, step.Fields)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func formatParentPath(ref ParentRef) string {
	var b strings.Builder
	for _, segment := range ref.Path {
		b.WriteByte('.')
		b.WriteString(segment)
	}
	if ref.TypeCondition != "" {
		b.WriteString(" on ")
		b.WriteString(ref.TypeCondition)
	}
	return b.String()
}

func (k *KeySource) String() string {
	if k.Via == nil {
		return k.Field
	}
	return fmt.Sprintf("%s->%d", k.Via.Key, k.Via.StepID)
}
