package plan

import (
	"github.com/tidwall/gjson"
)

// StepData gives access to the payloads of finished steps.
type StepData interface {
	// Payload returns the JSON object a successful step produced and, for
	// join steps, the index from join key to slot.
	Payload(stepID int) (data []byte, keys map[string]string, ok bool)
}

// Resolve reads the join key of obj. The key is the raw JSON of the value so
// that it can be sent back to a backend unchanged. Missing and null keys
// report false.
func (k *KeySource) Resolve(obj gjson.Result, results StepData) (string, bool) {
	if k.Via == nil {
		v := obj.Get(k.Field)
		if !v.Exists() || v.Type == gjson.Null {
			return "", false
		}
		return v.Raw, true
	}
	inner, ok := k.Via.Key.Resolve(obj, results)
	if !ok {
		return "", false
	}
	data, keys, ok := results.Payload(k.Via.StepID)
	if !ok {
		return "", false
	}
	slot, ok := keys[inner]
	if !ok {
		return "", false
	}
	v := gjson.GetBytes(data, slot)
	if !v.Exists() || v.Type == gjson.Null {
		return "", false
	}
	return v.Raw, true
}

// ParentObjects returns the objects a join step extends, in document order.
func (p *Plan) ParentObjects(step *Step, results StepData) []gjson.Result {
	if step.Join == nil {
		return nil
	}
	ref := step.Join.Parent
	data, _, ok := results.Payload(ref.StepID)
	if !ok {
		return nil
	}
	payload := gjson.ParseBytes(data)
	var starts []gjson.Result
	if parent := p.Step(ref.StepID); parent != nil && parent.Kind == StepJoin {
		payload.ForEach(func(_, value gjson.Result) bool {
			starts = append(starts, value)
			return true
		})
	} else {
		starts = []gjson.Result{payload}
	}

	var objects []gjson.Result
	for _, start := range starts {
		collectObjects(start, ref.Path, &objects)
	}
	if ref.TypeCondition == "" {
		return objects
	}
	filtered := objects[:0]
	for _, obj := range objects {
		if p.Matches(obj.Get("__typename").String(), ref.TypeCondition) {
			filtered = append(filtered, obj)
		}
	}
	return filtered
}

func collectObjects(value gjson.Result, path []string, out *[]gjson.Result) {
	if value.IsArray() {
		value.ForEach(func(_, item gjson.Result) bool {
			collectObjects(item, path, out)
			return true
		})
		return
	}
	if !value.IsObject() {
		return
	}
	if len(path) == 0 {
		*out = append(*out, value)
		return
	}
	collectObjects(value.Get(path[0]), path[1:], out)
}

// CollectKeys returns the distinct join keys of a join step's parent objects.
func (p *Plan) CollectKeys(step *Step, results StepData) []string {
	var keys []string
	seen := map[string]struct{}{}
	for _, obj := range p.ParentObjects(step, results) {
		key, ok := step.Join.Key.Resolve(obj, results)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// Matches reports whether an object of runtime type typename satisfies condition.
func (p *Plan) Matches(typename, condition string) bool {
	if condition == "" || typename == condition {
		return true
	}
	if p.Schema == nil {
		return false
	}
	def := p.Schema.Schema.Types[condition]
	if def == nil || !def.IsAbstractType() {
		return false
	}
	for _, possible := range p.Schema.Schema.GetPossibleTypes(def) {
		if possible.Name == typename {
			return true
		}
	}
	return false
}
