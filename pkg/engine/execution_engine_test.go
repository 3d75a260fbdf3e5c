package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"

	"github.com/wundergraph/fusion-gateway/pkg/composition/compositiontest"
	"github.com/wundergraph/fusion-gateway/pkg/engine/plan"
	"github.com/wundergraph/fusion-gateway/pkg/graphql"
	"github.com/wundergraph/fusion-gateway/pkg/graphqlerrors"
	"github.com/wundergraph/fusion-gateway/pkg/telemetry"
)

type subgraphs struct {
	books, authors, reviews *httptest.Server
	authorsDown             *atomic.Bool
}

func (s *subgraphs) close() {
	s.books.Close()
	s.authors.Close()
	s.reviews.Close()
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func startSubgraphs(t *testing.T) *subgraphs {
	t.Helper()
	s := &subgraphs{authorsDown: atomic.NewBool(false)}
	s.books = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		query := gjson.GetBytes(body, "query").String()
		switch {
		case strings.Contains(query, "bookById"):
			writeJSON(w, `{"data":{"_0":{"title":"Dune"}}}`)
		case strings.Contains(query, "books"):
			writeJSON(w, `{"data":{"_0":[{"title":"Dune","_key_authorId":"a1","_key_id":"b1"},{"title":"Emma","_key_authorId":"a2","_key_id":"b2"}]}}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	s.authors = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authorsDown.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		names := map[string]string{"a1": `{"name":"Frank Herbert"}`, "a2": `{"name":"Jane Austen"}`}
		data := []string{}
		for i := 0; ; i++ {
			key := gjson.GetBytes(body, "variables._key"+strconv.Itoa(i))
			if !key.Exists() {
				break
			}
			data = append(data, `"_`+strconv.Itoa(i)+`":`+names[key.String()])
		}
		if len(data) == 0 {
			// root authorById
			data = append(data, `"_0":`+names["a1"])
		}
		writeJSON(w, `{"data":{`+strings.Join(data, ",")+`}}`)
	}))
	s.reviews = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/reviews/r1":
			writeJSON(w, `{"id":"r1","rating":5,"bookId":"b1"}`)
		case "/books/b1/reviews":
			writeJSON(w, `{"items":[{"id":"r1","rating":5,"bookId":"b1"}]}`)
		case "/books/b2/reviews":
			writeJSON(w, `{"items":[]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return s
}

func newEngine(t *testing.T, s *subgraphs, metrics *telemetry.Metrics) *ExecutionEngine {
	t.Helper()
	schema := compositiontest.MustLoad(t, compositiontest.Descriptor(compositiontest.URLs{
		Books:   s.books.URL,
		Authors: s.authors.URL,
		Reviews: s.reviews.URL,
	}))
	config := NewConfiguration(schema)
	config.Dispatch.Retry.BaseDelay = time.Millisecond
	e, err := NewExecutionEngine(config, Options{Metrics: metrics})
	require.NoError(t, err)
	return e
}

func execute(t *testing.T, e *ExecutionEngine, request *graphql.Request) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	err := e.Execute(context.Background(), request, buf)
	return buf.String(), err
}

func TestExecutionEngine_Execute(t *testing.T) {
	s := startSubgraphs(t)
	defer s.close()
	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)
	e := newEngine(t, s, metrics)

	t.Run("joins across three subgraphs", func(t *testing.T) {
		out, err := execute(t, e, &graphql.Request{Query: `{ books { title author { name } reviews { rating } } }`})
		require.NoError(t, err)
		assert.Equal(t, `{"data":{"books":[{"title":"Dune","author":{"name":"Frank Herbert"},"reviews":[{"rating":5}]},{"title":"Emma","author":{"name":"Jane Austen"},"reviews":[]}]}}`, out)
	})

	t.Run("independent root fields", func(t *testing.T) {
		out, err := execute(t, e, &graphql.Request{
			Query:     `query Q($book: ID!) { bookById(id: $book) { title } authorById(id: "a1") { name } reviewById(id: "r1") { rating } }`,
			Variables: []byte(`{"book":"b1"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, `{"data":{"bookById":{"title":"Dune"},"authorById":{"name":"Frank Herbert"},"reviewById":{"rating":5}}}`, out)
	})

	count, err := testutil.GatherAndCount(registry, "gateway_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = testutil.GatherAndCount(registry, "gateway_subgraph_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "one series per subgraph")
}

func TestExecutionEngine_PartialFailure(t *testing.T) {
	s := startSubgraphs(t)
	defer s.close()
	s.authorsDown.Store(true)
	e := newEngine(t, s, nil)

	out, err := execute(t, e, &graphql.Request{Query: `{ bookById(id: "b1") { title } authorById(id: "a1") { name } reviewById(id: "r1") { rating } }`})
	require.NoError(t, err)

	response := gjson.Parse(out)
	assert.JSONEq(t, `{"bookById":{"title":"Dune"},"authorById":null,"reviewById":{"rating":5}}`, response.Get("data").Raw)
	errs := response.Get("errors").Array()
	require.Len(t, errs, 1)
	assert.Equal(t, `["authorById"]`, errs[0].Get("path").Raw)
	assert.Equal(t, "BACKEND_ERROR", errs[0].Get("extensions.code").String())
	assert.Equal(t, "authors", errs[0].Get("extensions.subgraph").String())
}

func TestExecutionEngine_RequestErrors(t *testing.T) {
	s := startSubgraphs(t)
	defer s.close()
	e := newEngine(t, s, nil)

	requestError := func(t *testing.T, request *graphql.Request) graphqlerrors.RequestErrors {
		t.Helper()
		out, err := execute(t, e, request)
		require.Error(t, err)
		assert.Empty(t, out, "nothing is written for request errors")
		return graphqlerrors.RequestErrorsFromError(err)
	}

	t.Run("validation", func(t *testing.T) {
		errs := requestError(t, &graphql.Request{Query: `{ nope }`})
		require.Equal(t, 1, errs.Count())
		assert.Contains(t, errs[0].Message, `Cannot query field "nope"`)
		assert.NotEmpty(t, errs[0].Locations)
	})

	t.Run("introspection is not supported", func(t *testing.T) {
		errs := requestError(t, &graphql.Request{Query: `{ __schema { queryType { name } } }`})
		assert.Equal(t, "PLANNING_ERROR", errs[0].Extensions["code"])
	})

	t.Run("missing variable", func(t *testing.T) {
		errs := requestError(t, &graphql.Request{Query: `query($id: ID!) { bookById(id: $id) { title } }`})
		assert.Contains(t, errs[0].Message, "must be defined")
	})

	t.Run("mutation over get", func(t *testing.T) {
		values := url.Values{}
		values.Set("query", `mutation { createAuthor(name: "x") { id } }`)
		r := httptest.NewRequest(http.MethodGet, "/graphql?"+values.Encode(), nil)
		var request graphql.Request
		require.NoError(t, graphql.UnmarshalHttpRequest(r, &request))
		errs := requestError(t, &request)
		assert.Equal(t, graphql.ErrMutationOverGet.Error(), errs[0].Message)
	})

	t.Run("ambiguous operation", func(t *testing.T) {
		errs := requestError(t, &graphql.Request{Query: `query A { books { id } } query B { authors { id } }`})
		assert.Contains(t, errs[0].Message, "operation name is required")
	})
}

func TestExecutionEngine_Canceled(t *testing.T) {
	s := startSubgraphs(t)
	defer s.close()
	e := newEngine(t, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	buf := &bytes.Buffer{}
	err := e.Execute(ctx, &graphql.Request{Query: `{ books { title } }`}, buf)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, buf.String())
}

func TestExecutionEngine_Plan(t *testing.T) {
	s := startSubgraphs(t)
	defer s.close()
	e := newEngine(t, s, nil)

	p, err := e.Plan(&graphql.Request{Query: `{ books { author { name } } }`})
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, plan.StepJoin, p.Steps[1].Kind)
}
