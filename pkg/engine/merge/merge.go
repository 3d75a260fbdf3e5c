// Package merge assembles the client response from the payloads of the steps
// of a plan.
package merge

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/wundergraph/fusion-gateway/pkg/engine/dispatch"
	"github.com/wundergraph/fusion-gateway/pkg/engine/plan"
)

const CodeMergeInconsistency = "MERGE_INCONSISTENCY"

var null = []byte("null")

// Response is the merged result of one operation. Data is nil when a null
// propagated up to the root.
type Response struct {
	Data   []byte
	Errors gqlerror.List
}

type slotRef struct {
	step int
	slot string
}

type merger struct {
	plan    *plan.Plan
	results *dispatch.Results
	errors  gqlerror.List
	// errored holds the paths that already carry an error.
	errored map[string]struct{}
	// subgraphErrors indexes the errors subgraphs returned next to data by slot.
	subgraphErrors map[slotRef][]int
	attached       map[int]map[int]struct{}
}

// Merge rebuilds the response tree in selection order. Every failed position
// becomes null with one error, and nulls in non-null positions bubble to the
// nearest nullable parent.
func Merge(p *plan.Plan, results *dispatch.Results) *Response {
	m := &merger{
		plan:           p,
		results:        results,
		errored:        map[string]struct{}{},
		subgraphErrors: map[slotRef][]int{},
		attached:       map[int]map[int]struct{}{},
	}
	m.indexSubgraphErrors()

	data := []byte{'{'}
	emitted := map[string]struct{}{}
	bubbled := false
	for _, node := range p.Nodes {
		if _, dup := emitted[node.ResponseKey]; dup {
			continue
		}
		if !p.Matches(p.RootType, node.TypeCondition) {
			continue
		}
		emitted[node.ResponseKey] = struct{}{}
		raw, ok := m.rootField(node)
		if !ok {
			// keep walking so that every failure is reported
			bubbled = true
			continue
		}
		if len(data) > 1 {
			data = append(data, ',')
		}
		data = appendKey(data, node.ResponseKey)
		data = append(data, raw...)
	}
	data = append(data, '}')
	m.detachedErrors()

	response := &Response{Data: data, Errors: m.errors}
	if bubbled {
		response.Data = nil
	}
	return response
}

func (m *merger) rootField(node *plan.Node) ([]byte, bool) {
	path := ast.Path{ast.PathName(node.ResponseKey)}
	if node.IsTypename() {
		return quote(m.plan.RootType), true
	}
	result := m.results.Step(node.StepID)
	if result.Failed() {
		m.stepError(result, path)
		return m.null(node.Definition.Type, path, true)
	}
	m.attach(node.StepID, node.SourceKey, path)
	value := gjson.GetBytes(result.Data, node.SourceKey)
	if !value.Exists() {
		m.inconsistent(node, path, "no value for %s", node.ResponseKey)
		return m.null(node.Definition.Type, path, true)
	}
	return m.complete(node, node.Definition.Type, value, path, false)
}

// field resolves child on the object obj of its parent.
func (m *merger) field(child *plan.Node, obj gjson.Result, typename string, path ast.Path) ([]byte, bool) {
	if child.IsTypename() {
		return quote(typename), true
	}
	if child.Join != nil {
		return m.joinedField(child, obj, path)
	}
	value := obj.Get(child.SourceKey)
	if !value.Exists() {
		if step := m.plan.Step(child.StepID); step != nil && step.Subgraph.Kind.Batching() {
			m.inconsistent(child, path, "field %s is missing from the %s response", child.ResponseKey, step.Subgraph.Name)
			return m.null(child.Definition.Type, path, true)
		}
		// rest payloads may omit fields
		return m.null(child.Definition.Type, path, false)
	}
	return m.complete(child, child.Definition.Type, value, path, false)
}

func (m *merger) joinedField(child *plan.Node, obj gjson.Result, path ast.Path) ([]byte, bool) {
	if failed := m.joinFailure(child); failed != nil {
		m.stepError(failed, path)
		return m.null(child.Definition.Type, path, true)
	}
	key, ok := child.Join.Resolve(obj, m.results)
	if !ok {
		return m.null(child.Definition.Type, path, false)
	}
	data, keys, _ := m.results.Payload(child.StepID)
	slot, ok := keys[key]
	if !ok {
		m.inconsistent(child, path, "no result for join key %s", key)
		return m.null(child.Definition.Type, path, true)
	}
	m.attach(child.StepID, slot, path)
	return m.complete(child, child.Definition.Type, gjson.GetBytes(data, slot), path, false)
}

// joinFailure returns the failed step a joined field depends on. Steps that
// produce the join key are checked first so the root cause is reported.
func (m *merger) joinFailure(child *plan.Node) *dispatch.StepResult {
	for via := child.Join.Via; via != nil; via = via.Key.Via {
		if result := m.results.Step(via.StepID); result.Failed() {
			return result
		}
	}
	if result := m.results.Step(child.StepID); result.Failed() {
		return result
	}
	return nil
}

// complete renders value as typ. It returns false when a null reached a
// non-null position and the parent has to become null.
func (m *merger) complete(node *plan.Node, typ *ast.Type, value gjson.Result, path ast.Path, reported bool) ([]byte, bool) {
	if !value.Exists() || value.Type == gjson.Null {
		return m.null(typ, path, reported)
	}

	if typ.Elem != nil {
		if !value.IsArray() {
			m.inconsistent(node, path, "expected a list for %s", node.ResponseKey)
			return m.null(typ, path, true)
		}
		out := []byte{'['}
		bubbled := false
		for i, item := range value.Array() {
			// later items are still walked so their failures get reported
			raw, ok := m.complete(node, typ.Elem, item, appendPath(path, ast.PathIndex(i)), false)
			if !ok {
				bubbled = true
			}
			if bubbled {
				continue
			}
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, raw...)
		}
		if bubbled {
			return m.null(typ, path, true)
		}
		return append(out, ']'), true
	}

	def := m.plan.Schema.Schema.Types[typ.NamedType]
	if def == nil || (def.Kind != ast.Object && def.Kind != ast.Interface && def.Kind != ast.Union) {
		return []byte(value.Raw), true
	}
	if !value.IsObject() {
		m.inconsistent(node, path, "expected an object for %s", node.ResponseKey)
		return m.null(typ, path, true)
	}
	raw, ok := m.object(node, def, value, path)
	if !ok {
		return m.null(typ, path, true)
	}
	return raw, true
}

func (m *merger) object(node *plan.Node, def *ast.Definition, obj gjson.Result, path ast.Path) ([]byte, bool) {
	typename := obj.Get("__typename").String()
	if typename == "" {
		typename = def.Name
	}

	out := []byte{'{'}
	emitted := map[string]struct{}{}
	bubbled := false
	for _, child := range node.Children {
		if _, dup := emitted[child.ResponseKey]; dup {
			continue
		}
		if child.TypeCondition != "" && !m.plan.Matches(typename, child.TypeCondition) {
			continue
		}
		emitted[child.ResponseKey] = struct{}{}
		raw, ok := m.field(child, obj, typename, appendPath(path, ast.PathName(child.ResponseKey)))
		if !ok {
			bubbled = true
		}
		if bubbled {
			continue
		}
		if len(out) > 1 {
			out = append(out, ',')
		}
		out = appendKey(out, child.ResponseKey)
		out = append(out, raw...)
	}
	if bubbled {
		return nil, false
	}
	return append(out, '}'), true
}

// null renders a null at path. In a non-null position it reports that the
// parent has to become null, adding an error unless one explains it already.
func (m *merger) null(typ *ast.Type, path ast.Path, reported bool) ([]byte, bool) {
	if !typ.NonNull {
		return null, true
	}
	if _, ok := m.errored[path.String()]; !ok && !reported {
		m.add(&gqlerror.Error{
			Message: fmt.Sprintf("Cannot return null for non-nullable field %s.", path.String()),
			Path:    path,
		})
	}
	return nil, false
}

func (m *merger) add(err *gqlerror.Error) {
	m.errors = append(m.errors, err)
	if err.Path != nil {
		m.errored[err.Path.String()] = struct{}{}
	}
}

func (m *merger) stepError(result *dispatch.StepResult, path ast.Path) {
	m.add(&gqlerror.Error{
		Message: result.Err.Message(),
		Path:    path,
		Extensions: map[string]interface{}{
			"code":     string(result.Err.Code),
			"subgraph": result.Err.Subgraph,
		},
	})
}

func (m *merger) inconsistent(node *plan.Node, path ast.Path, format string, args ...interface{}) {
	extensions := map[string]interface{}{"code": CodeMergeInconsistency}
	if step := m.plan.Step(node.StepID); step != nil {
		extensions["subgraph"] = step.Subgraph.Name
	}
	m.add(&gqlerror.Error{
		Message:    fmt.Sprintf(format, args...),
		Path:       path,
		Extensions: extensions,
	})
}

func appendPath(path ast.Path, element ast.PathElement) ast.Path {
	out := make(ast.Path, len(path), len(path)+1)
	copy(out, path)
	return append(out, element)
}

// appendKey writes an object key. Response keys are GraphQL names and need no escaping.
func appendKey(out []byte, key string) []byte {
	out = append(out, '"')
	out = append(out, key...)
	return append(out, '"', ':')
}

func quote(name string) []byte {
	return []byte(`"` + name + `"`)
}
