package composition

import (
	"fmt"
	"sort"
	"strings"
)

type Violation struct {
	Subgraph   string
	Coordinate string
	Message    string
}

func (v Violation) String() string {
	var b strings.Builder
	if v.Subgraph != "" {
		b.WriteString("subgraph ")
		b.WriteString(v.Subgraph)
		b.WriteString(": ")
	}
	if v.Coordinate != "" {
		b.WriteString(v.Coordinate)
		b.WriteString(": ")
	}
	b.WriteString(v.Message)
	return b.String()
}

// CompositionError carries every violation found while composing a descriptor.
type CompositionError struct {
	Violations []Violation
}

func (e *CompositionError) Error() string {
	lines := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		lines = append(lines, v.String())
	}
	return fmt.Sprintf("composition failed with %d violation(s):\n\t%s", len(e.Violations), strings.Join(lines, "\n\t"))
}

type violations []Violation

func (v *violations) add(subgraph, coordinate, format string, args ...interface{}) {
	*v = append(*v, Violation{Subgraph: subgraph, Coordinate: coordinate, Message: fmt.Sprintf(format, args...)})
}

func (v violations) err() error {
	if len(v) == 0 {
		return nil
	}
	out := make([]Violation, len(v))
	copy(out, v)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Subgraph != out[j].Subgraph {
			return out[i].Subgraph < out[j].Subgraph
		}
		if out[i].Coordinate != out[j].Coordinate {
			return out[i].Coordinate < out[j].Coordinate
		}
		return out[i].Message < out[j].Message
	})
	return &CompositionError{Violations: out}
}
