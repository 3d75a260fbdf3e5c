package datasource

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/wundergraph/fusion-gateway/pkg/engine/datasource/httpclient"
	"github.com/wundergraph/fusion-gateway/pkg/engine/plan"
)

var null = []byte("null")

// GraphQLSource serves managed schema APIs and function-hosted query servers.
// Both take a query document in a JSON POST body. Root fields and join keys are
// aliased _0, _1, ... so one call can serve many of them.
type GraphQLSource struct {
	config Configuration
}

func (s *GraphQLSource) Prepare(p *plan.Plan, step *plan.Step, keys []string) ([]*Call, error) {
	if step.Join == nil {
		slots := make([]string, 0, len(step.Fields))
		for _, selection := range step.Fields {
			if field, ok := selection.(*ast.Field); ok {
				slots = append(slots, field.Alias)
			}
		}
		body, err := requestBody(p, PrintOperation(step.Operation, step.Variables, step.Fields), step.Variables, nil)
		if err != nil {
			return nil, err
		}
		return []*Call{s.call(step, body, slots)}, nil
	}

	size := step.Subgraph.MaxFieldsPerCall
	if size == 0 {
		size = s.config.MaxFieldsPerCall
	}
	if size <= 0 {
		size = len(keys)
	}

	var calls []*Call
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		variables := make(ast.VariableDefinitionList, 0, len(step.Variables)+end-start)
		variables = append(variables, step.Variables...)
		fields := make(ast.SelectionSet, 0, end-start)
		slots := make([]string, 0, end-start)
		keyValues := make([]keyValue, 0, end-start)
		for i := start; i < end; i++ {
			slot := Slot(i)
			variable := fmt.Sprintf("%s%d", plan.KeyVariablePrefix, i)
			arguments := make(ast.ArgumentList, 0, len(step.Join.Arguments)+1)
			arguments = append(arguments, &ast.Argument{
				Name:  step.Join.Argument,
				Value: &ast.Value{Kind: ast.Variable, Raw: variable},
			})
			arguments = append(arguments, step.Join.Arguments...)
			fields = append(fields, &ast.Field{
				Alias:        slot,
				Name:         step.Join.Resolver,
				Arguments:    arguments,
				SelectionSet: step.Join.Selection,
			})
			variables = append(variables, &ast.VariableDefinition{Variable: variable, Type: step.Join.ArgumentType})
			slots = append(slots, slot)
			keyValues = append(keyValues, keyValue{name: variable, raw: keys[i]})
		}
		body, err := requestBody(p, PrintOperation(ast.Query, variables, fields), step.Variables, keyValues)
		if err != nil {
			return nil, err
		}
		calls = append(calls, s.call(step, body, slots))
	}
	return calls, nil
}

func (s *GraphQLSource) call(step *plan.Step, body []byte, slots []string) *Call {
	return &Call{
		Method: http.MethodPost,
		URL:    step.Subgraph.URL,
		Header: http.Header{},
		Body:   body,
		Slots:  slots,
	}
}

type keyValue struct {
	name string
	raw  string
}

// requestBody builds {"query":...,"variables":{...}}. Join keys are copied as
// raw JSON so they reach the backend exactly as the parent returned them.
func requestBody(p *plan.Plan, query string, forwarded ast.VariableDefinitionList, keys []keyValue) ([]byte, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "query", query)
	if err != nil {
		return nil, err
	}
	for _, definition := range forwarded {
		value, ok := p.Variables[definition.Variable]
		if !ok {
			continue
		}
		body, err = sjson.SetBytes(body, "variables."+definition.Variable, value)
		if err != nil {
			return nil, errors.WithMessagef(err, "variable %s", definition.Variable)
		}
	}
	for _, key := range keys {
		body, err = sjson.SetRawBytes(body, "variables."+key.name, []byte(key.raw))
		if err != nil {
			return nil, errors.WithMessagef(err, "join key %s", key.name)
		}
	}
	return body, nil
}

// PrintOperation renders a compact operation, e.g. query($id: ID!) {_0: book(id: $id) {title}}.
func PrintOperation(operation ast.Operation, variables ast.VariableDefinitionList, fields ast.SelectionSet) string {
	var b strings.Builder
	b.WriteString(string(operation))
	if len(variables) > 0 {
		b.WriteByte('(')
		for i, definition := range variables {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(definition.Variable)
			b.WriteString(": ")
			b.WriteString(definition.Type.String())
			if definition.DefaultValue != nil {
				b.WriteString(" = ")
				b.WriteString(definition.DefaultValue.String())
			}
		}
		b.WriteByte(')')
	}
	b.WriteByte(' ')
	b.WriteString(plan.PrintSelectionSet(fields))
	return b.String()
}

func (s *GraphQLSource) Decode(call *Call, response *httpclient.Response) (*Result, error) {
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, newStatusError(response)
	}

	var errs gqlerror.List
	rawErrors, errorsType, _, err := jsonparser.Get(response.Body, "errors")
	if err == nil && errorsType == jsonparser.Array {
		if err := json.Unmarshal(rawErrors, &errs); err != nil {
			return nil, &DecodeError{Err: err}
		}
	}

	data, dataType, _, err := jsonparser.Get(response.Body, "data")
	if err != nil && err != jsonparser.KeyPathNotFoundError {
		return nil, &DecodeError{Err: err}
	}
	if dataType != jsonparser.Object {
		if len(errs) > 0 {
			return nil, &SubgraphError{Errors: errs}
		}
		return nil, &DecodeError{Err: errors.New("response carries neither data nor errors")}
	}

	result := &Result{Values: make(map[string][]byte, len(call.Slots)), Errors: errs}
	for _, slot := range call.Slots {
		value := gjson.GetBytes(data, slot)
		if !value.Exists() {
			result.Values[slot] = null
			continue
		}
		result.Values[slot] = []byte(value.Raw)
	}
	return result, nil
}
