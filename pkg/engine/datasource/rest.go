package datasource

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
	"github.com/wundergraph/fusion-gateway/pkg/engine/datasource/httpclient"
	"github.com/wundergraph/fusion-gateway/pkg/engine/plan"
)

// RESTSource maps root fields onto the HTTP operations of a rest subgraph.
// Every field and every join key is a call of its own; the response body is
// the field value.
type RESTSource struct{}

func (s *RESTSource) Prepare(p *plan.Plan, step *plan.Step, keys []string) ([]*Call, error) {
	if step.Join == nil {
		calls := make([]*Call, 0, len(step.Fields))
		for _, selection := range step.Fields {
			field, ok := selection.(*ast.Field)
			if !ok {
				continue
			}
			call, err := s.call(step, step.RootTypeName(), field.Name, field.ArgumentMap(p.Variables))
			if err != nil {
				return nil, err
			}
			call.Slots = []string{field.Alias}
			calls = append(calls, call)
		}
		return calls, nil
	}

	var resolver *ast.FieldDefinition
	if query := p.Schema.Schema.Query; query != nil {
		resolver = query.Fields.ForName(step.Join.Resolver)
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver Query.%s is not part of the schema", step.Join.Resolver)
	}
	field := &ast.Field{Name: step.Join.Resolver, Arguments: step.Join.Arguments, Definition: resolver}

	calls := make([]*Call, 0, len(keys))
	for i, key := range keys {
		arguments := field.ArgumentMap(p.Variables)
		arguments[step.Join.Argument] = gjson.Parse(key).Value()
		call, err := s.call(step, "Query", step.Join.Resolver, arguments)
		if err != nil {
			return nil, err
		}
		call.Slots = []string{Slot(i)}
		calls = append(calls, call)
	}
	return calls, nil
}

func (s *RESTSource) call(step *plan.Step, typeName, fieldName string, arguments map[string]interface{}) (*Call, error) {
	coordinate := composition.Coordinate{Type: typeName, Field: fieldName}
	operation, ok := step.Subgraph.Operation(coordinate)
	if !ok {
		return nil, fmt.Errorf("subgraph %s has no operation for %s", step.Subgraph.Name, coordinate)
	}

	path := operation.Path
	for _, param := range operation.PathParams() {
		value, ok := arguments[param]
		if !ok || value == nil {
			return nil, fmt.Errorf("%s: path parameter %s is null", coordinate, param)
		}
		path = strings.ReplaceAll(path, "{"+param+"}", url.PathEscape(formatParam(value)))
	}
	target, err := url.Parse(strings.TrimSuffix(step.Subgraph.URL, "/") + path)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: invalid url", coordinate)
	}
	if len(operation.Query) > 0 {
		query := target.Query()
		for _, name := range operation.Query {
			value, ok := arguments[name]
			if !ok || value == nil {
				continue
			}
			if list, isList := value.([]interface{}); isList {
				for _, item := range list {
					query.Add(name, formatParam(item))
				}
				continue
			}
			query.Add(name, formatParam(value))
		}
		target.RawQuery = query.Encode()
	}

	method := strings.ToUpper(operation.Method)
	if method == "" {
		method = http.MethodGet
	}
	call := &Call{
		Method: method,
		URL:    target.String(),
		Header: http.Header{},
		Result: operation.Result,
	}
	if operation.Body != "" {
		body, err := json.Marshal(arguments[operation.Body])
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: body argument %s", coordinate, operation.Body)
		}
		call.Body = body
	}
	return call, nil
}

func formatParam(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Decode treats 404 as a null value, so a missing entity nulls only its field.
func (s *RESTSource) Decode(call *Call, response *httpclient.Response) (*Result, error) {
	result := &Result{Values: make(map[string][]byte, len(call.Slots))}
	if response.StatusCode == http.StatusNotFound {
		for _, slot := range call.Slots {
			result.Values[slot] = null
		}
		return result, nil
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, newStatusError(response)
	}

	value := null
	if body := strings.TrimSpace(string(response.Body)); body != "" {
		if !gjson.Valid(body) {
			return nil, &DecodeError{Err: errors.New("response body is not JSON")}
		}
		if call.Result != "" {
			if extracted := gjson.Get(body, call.Result); extracted.Exists() {
				value = []byte(extracted.Raw)
			}
		} else {
			value = []byte(body)
		}
	}
	for _, slot := range call.Slots {
		result.Values[slot] = value
	}
	return result, nil
}
