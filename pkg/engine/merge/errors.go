package merge

import (
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/wundergraph/fusion-gateway/pkg/engine/dispatch"
)

// indexSubgraphErrors groups the errors returned next to data by the slot
// their path starts with.
func (m *merger) indexSubgraphErrors() {
	for id := 0; id < m.results.Len(); id++ {
		result := m.results.Step(id)
		if result.Failed() {
			continue
		}
		for i, err := range result.Errors {
			if len(err.Path) == 0 {
				continue
			}
			slot, ok := err.Path[0].(ast.PathName)
			if !ok {
				continue
			}
			ref := slotRef{step: id, slot: string(slot)}
			m.subgraphErrors[ref] = append(m.subgraphErrors[ref], i)
		}
	}
}

// attach reports the subgraph errors of a slot at the first client position
// the slot is merged into.
func (m *merger) attach(stepID int, slot string, path ast.Path) {
	indexes := m.subgraphErrors[slotRef{step: stepID, slot: slot}]
	if len(indexes) == 0 {
		return
	}
	result := m.results.Step(stepID)
	for _, i := range indexes {
		if m.markAttached(stepID, i) {
			continue
		}
		err := result.Errors[i]
		rewritten := make(ast.Path, 0, len(path)+len(err.Path)-1)
		rewritten = append(rewritten, path...)
		rewritten = append(rewritten, err.Path[1:]...)
		m.add(m.subgraphError(stepID, err, rewritten))
	}
}

// detachedErrors reports the subgraph errors no client position claimed,
// without a path.
func (m *merger) detachedErrors() {
	for id := 0; id < m.results.Len(); id++ {
		result := m.results.Step(id)
		if result.Failed() {
			continue
		}
		for i, err := range result.Errors {
			if m.markAttached(id, i) {
				continue
			}
			m.add(m.subgraphError(id, err, nil))
		}
	}
}

// markAttached records error i of a step and reports whether it was recorded before.
func (m *merger) markAttached(stepID, i int) bool {
	seen, ok := m.attached[stepID]
	if !ok {
		seen = map[int]struct{}{}
		m.attached[stepID] = seen
	}
	if _, dup := seen[i]; dup {
		return true
	}
	seen[i] = struct{}{}
	return false
}

func (m *merger) subgraphError(stepID int, err *gqlerror.Error, path ast.Path) *gqlerror.Error {
	extensions := make(map[string]interface{}, len(err.Extensions)+2)
	for k, v := range err.Extensions {
		extensions[k] = v
	}
	if _, ok := extensions["code"]; !ok {
		extensions["code"] = string(dispatch.CodeSubgraph)
	}
	if step := m.plan.Step(stepID); step != nil {
		extensions["subgraph"] = step.Subgraph.Name
	}
	return &gqlerror.Error{
		Message:    err.Message,
		Path:       path,
		Extensions: extensions,
	}
}
