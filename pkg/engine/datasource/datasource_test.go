package datasource

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
	"github.com/wundergraph/fusion-gateway/pkg/composition/compositiontest"
	"github.com/wundergraph/fusion-gateway/pkg/engine/datasource/httpclient"
	"github.com/wundergraph/fusion-gateway/pkg/engine/plan"
)

func planQuery(t *testing.T, query string, variables map[string]interface{}) *plan.Plan {
	t.Helper()
	schema := compositiontest.MustLoad(t, compositiontest.Descriptor(compositiontest.URLs{
		Books:   "http://books.local/graphql",
		Authors: "http://authors.local/invoke",
		Reviews: "http://reviews.local/v1/",
	}))
	doc, errs := gqlparser.LoadQuery(schema.Schema, query)
	require.Len(t, errs, 0, "%v", errs)
	p, err := plan.NewPlanner(schema, plan.Configuration{}).Plan(doc, "", variables)
	require.NoError(t, err)
	return p
}

func mustSource(t *testing.T, kind composition.SubgraphKind, config Configuration) Source {
	source, err := NewSource(kind, config)
	require.NoError(t, err)
	return source
}

func TestGraphQLSource_Prepare(t *testing.T) {
	t.Run("root step", func(t *testing.T) {
		p := planQuery(t, `query ($id: ID!) { bookById(id: $id) { title } books { id } }`, map[string]interface{}{"id": "b1"})
		calls, err := mustSource(t, composition.KindGraphQL, Configuration{}).Prepare(p, p.Steps[0], nil)
		require.NoError(t, err)
		require.Len(t, calls, 1)

		call := calls[0]
		assert.Equal(t, http.MethodPost, call.Method)
		assert.Equal(t, "http://books.local/graphql", call.URL)
		assert.Equal(t, []string{"_0", "_1"}, call.Slots)
		assert.JSONEq(t, `{"query":"query($id: ID!) {_0: bookById(id: $id) {title} _1: books {id}}","variables":{"id":"b1"}}`, string(call.Body))
	})

	t.Run("join keys are batched", func(t *testing.T) {
		p := planQuery(t, `{ books { author { name } } }`, nil)
		keys := []string{`"a1"`, `"a2"`, `"a3"`}
		calls, err := mustSource(t, composition.KindFunction, Configuration{MaxFieldsPerCall: 2}).Prepare(p, p.Steps[1], keys)
		require.NoError(t, err)
		require.Len(t, calls, 2)

		assert.Equal(t, "http://authors.local/invoke", calls[0].URL)
		assert.Equal(t, []string{"_0", "_1"}, calls[0].Slots)
		assert.JSONEq(t, `{"query":"query($_key0: ID!, $_key1: ID!) {_0: authorById(id: $_key0) {name} _1: authorById(id: $_key1) {name}}","variables":{"_key0":"a1","_key1":"a2"}}`, string(calls[0].Body))
		assert.Equal(t, []string{"_2"}, calls[1].Slots)
		assert.JSONEq(t, `{"query":"query($_key2: ID!) {_2: authorById(id: $_key2) {name}}","variables":{"_key2":"a3"}}`, string(calls[1].Body))
	})

	t.Run("no keys no calls", func(t *testing.T) {
		p := planQuery(t, `{ books { author { name } } }`, nil)
		calls, err := mustSource(t, composition.KindGraphQL, Configuration{}).Prepare(p, p.Steps[1], nil)
		require.NoError(t, err)
		assert.Empty(t, calls)
	})
}

func TestGraphQLSource_Decode(t *testing.T) {
	source := mustSource(t, composition.KindGraphQL, Configuration{})
	call := &Call{Slots: []string{"_0", "_1"}}

	t.Run("data and errors", func(t *testing.T) {
		result, err := source.Decode(call, &httpclient.Response{
			StatusCode: http.StatusOK,
			Body:       []byte(`{"data":{"_0":{"title":"Dune"},"_1":null},"errors":[{"message":"not found","path":["_1"]}]}`),
		})
		require.NoError(t, err)
		assert.Equal(t, `{"title":"Dune"}`, string(result.Values["_0"]))
		assert.Equal(t, `null`, string(result.Values["_1"]))
		require.Len(t, result.Errors, 1)
		assert.Equal(t, "not found", result.Errors[0].Message)
		assert.Equal(t, "_1", result.Errors[0].Path.String())
	})

	t.Run("missing slot is null", func(t *testing.T) {
		result, err := source.Decode(call, &httpclient.Response{StatusCode: http.StatusOK, Body: []byte(`{"data":{"_0":"x"}}`)})
		require.NoError(t, err)
		assert.Equal(t, `"x"`, string(result.Values["_0"]))
		assert.Equal(t, `null`, string(result.Values["_1"]))
	})

	t.Run("errors without data", func(t *testing.T) {
		_, err := source.Decode(call, &httpclient.Response{StatusCode: http.StatusOK, Body: []byte(`{"data":null,"errors":[{"message":"unauthorized"}]}`)})
		var subgraphErr *SubgraphError
		require.True(t, errors.As(err, &subgraphErr))
		assert.Equal(t, "subgraph returned no data: unauthorized", err.Error())
	})

	t.Run("status", func(t *testing.T) {
		_, err := source.Decode(call, &httpclient.Response{StatusCode: http.StatusBadGateway, Body: []byte(`upstream`)})
		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.True(t, statusErr.Temporary())

		_, err = source.Decode(call, &httpclient.Response{StatusCode: http.StatusBadRequest})
		require.True(t, errors.As(err, &statusErr))
		assert.False(t, statusErr.Temporary())
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := source.Decode(call, &httpclient.Response{StatusCode: http.StatusOK, Body: []byte(`<html>`)})
		var decodeErr *DecodeError
		assert.True(t, errors.As(err, &decodeErr))
	})
}

func TestRESTSource_Prepare(t *testing.T) {
	source := mustSource(t, composition.KindREST, Configuration{})

	t.Run("path parameter", func(t *testing.T) {
		p := planQuery(t, `{ reviewById(id: "r/1") { rating } }`, nil)
		calls, err := source.Prepare(p, p.Steps[0], nil)
		require.NoError(t, err)
		require.Len(t, calls, 1)
		assert.Equal(t, http.MethodGet, calls[0].Method)
		assert.Equal(t, "http://reviews.local/v1/reviews/r%2F1", calls[0].URL)
		assert.Equal(t, []string{"_0"}, calls[0].Slots)
		assert.Nil(t, calls[0].Body)
	})

	t.Run("join with query parameters", func(t *testing.T) {
		p := planQuery(t, `query ($limit: Int) { books { reviews(limit: $limit) { rating } } }`, map[string]interface{}{"limit": 5})
		calls, err := source.Prepare(p, p.Steps[1], []string{`"b1"`, `7`})
		require.NoError(t, err)
		require.Len(t, calls, 2)
		assert.Equal(t, "http://reviews.local/v1/books/b1/reviews?limit=5", calls[0].URL)
		assert.Equal(t, "items", calls[0].Result)
		assert.Equal(t, []string{"_0"}, calls[0].Slots)
		assert.Equal(t, "http://reviews.local/v1/books/7/reviews?limit=5", calls[1].URL)
		assert.Equal(t, []string{"_1"}, calls[1].Slots)
	})

	t.Run("large numbers keep their digits", func(t *testing.T) {
		p := planQuery(t, `query ($limit: Int) { books { reviews(limit: $limit) { rating } } }`, map[string]interface{}{"limit": float64(2000000)})
		calls, err := source.Prepare(p, p.Steps[1], []string{`1234567`})
		require.NoError(t, err)
		require.Len(t, calls, 1)
		assert.Equal(t, "http://reviews.local/v1/books/1234567/reviews?limit=2000000", calls[0].URL)
	})

	t.Run("body", func(t *testing.T) {
		p := planQuery(t, `mutation { createReview(input: {bookId: "b1", rating: 4}) { id } }`, nil)
		calls, err := source.Prepare(p, p.Steps[0], nil)
		require.NoError(t, err)
		require.Len(t, calls, 1)
		assert.Equal(t, http.MethodPost, calls[0].Method)
		assert.Equal(t, "http://reviews.local/v1/reviews", calls[0].URL)
		assert.JSONEq(t, `{"bookId":"b1","rating":4}`, string(calls[0].Body))
	})
}

func TestRESTSource_Decode(t *testing.T) {
	source := mustSource(t, composition.KindREST, Configuration{})

	result, err := source.Decode(&Call{Slots: []string{"_0"}}, &httpclient.Response{StatusCode: http.StatusOK, Body: []byte(`{"id":"r1","rating":5}`)})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"r1","rating":5}`, string(result.Values["_0"]))

	result, err = source.Decode(&Call{Slots: []string{"_0"}, Result: "items"}, &httpclient.Response{StatusCode: http.StatusOK, Body: []byte(`{"items":[{"id":"r1"}],"next":null}`)})
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"r1"}]`, string(result.Values["_0"]))

	result, err = source.Decode(&Call{Slots: []string{"_3"}}, &httpclient.Response{StatusCode: http.StatusNotFound, Body: []byte(`missing`)})
	require.NoError(t, err)
	assert.Equal(t, `null`, string(result.Values["_3"]))

	_, err = source.Decode(&Call{Slots: []string{"_0"}}, &httpclient.Response{StatusCode: http.StatusTooManyRequests})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.True(t, statusErr.Temporary())
}
