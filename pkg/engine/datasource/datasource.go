// Package datasource turns plan steps into backend calls and backend
// responses into step payloads, one Source per subgraph kind.
package datasource

import (
	"fmt"
	"net/http"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
	"github.com/wundergraph/fusion-gateway/pkg/engine/datasource/httpclient"
	"github.com/wundergraph/fusion-gateway/pkg/engine/plan"
)

// Call is one HTTP request a step needs. A step may need several, e.g. a rest
// join calls the backend once per key.
type Call struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Slots are the payload slots the call fills, in the order the backend returns them.
	Slots []string
	// Result is the JSON path of the value inside a rest response.
	Result string
}

// Result is what one successful call contributed to its step.
type Result struct {
	// Values maps each slot of the call to its raw JSON value.
	Values map[string][]byte
	// Errors are the errors a query backend returned next to its data. Their
	// paths are relative to the step payload.
	Errors gqlerror.List
}

type Source interface {
	// Prepare builds the calls of step. keys are the raw JSON join keys of a
	// join step and must be empty for root steps.
	Prepare(p *plan.Plan, step *plan.Step, keys []string) ([]*Call, error)
	Decode(call *Call, response *httpclient.Response) (*Result, error)
}

type Configuration struct {
	// MaxFieldsPerCall caps how many join keys share one call of a batching
	// subgraph. Subgraphs may override it; zero means unlimited.
	MaxFieldsPerCall int
}

// NewSource returns the Source serving subgraphs of the given kind.
func NewSource(kind composition.SubgraphKind, config Configuration) (Source, error) {
	switch kind {
	case composition.KindGraphQL, composition.KindFunction:
		return &GraphQLSource{config: config}, nil
	case composition.KindREST:
		return &RESTSource{}, nil
	}
	return nil, fmt.Errorf("no data source for subgraph kind %q", kind)
}

// Slot names the payload slot of the i-th field or key of a step.
func Slot(i int) string {
	return fmt.Sprintf("_%d", i)
}

// StatusError reports a non-success HTTP status from a backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend responded with status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether sending the request again may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func newStatusError(response *httpclient.Response) *StatusError {
	body := string(response.Body)
	if len(body) > 256 {
		body = body[:256]
	}
	return &StatusError{StatusCode: response.StatusCode, Body: body}
}

// SubgraphError is returned when a query backend answered without any data.
type SubgraphError struct {
	Errors gqlerror.List
}

func (e *SubgraphError) Error() string {
	if len(e.Errors) == 0 {
		return "subgraph returned no data"
	}
	return "subgraph returned no data: " + e.Errors[0].Message
}

// DecodeError reports a response body that is not the expected JSON.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "invalid backend response: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
