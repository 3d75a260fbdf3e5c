package graphql

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

func TestUnmarshalHttpRequest(t *testing.T) {
	t.Run("post", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"query Q($id: ID!) { bookById(id: $id) { title } }","operationName":"Q","variables":{"id":"b1"}}`))
		r.Header.Set("X-Tenant", "acme")
		var request Request
		require.NoError(t, UnmarshalHttpRequest(r, &request))
		assert.Equal(t, "Q", request.OperationName)
		assert.False(t, request.ReadOnly())
		assert.Equal(t, "acme", request.Header().Get("X-Tenant"))

		variables, err := request.VariablesMap()
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"id": "b1"}, variables)
	})

	t.Run("get", func(t *testing.T) {
		query := url.Values{}
		query.Set("query", "{ books { id } }")
		query.Set("variables", `{"limit":2}`)
		r := httptest.NewRequest(http.MethodGet, "/graphql?"+query.Encode(), nil)
		var request Request
		require.NoError(t, UnmarshalHttpRequest(r, &request))
		assert.Equal(t, "{ books { id } }", request.Query)
		assert.True(t, request.ReadOnly())

		variables, err := request.VariablesMap()
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"limit": float64(2)}, variables)
	})

	t.Run("empty body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(""))
		assert.ErrorIs(t, UnmarshalHttpRequest(r, &Request{}), ErrEmptyRequest)
	})

	t.Run("unsupported method", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPut, "/graphql", strings.NewReader("{}"))
		assert.ErrorIs(t, UnmarshalHttpRequest(r, &Request{}), ErrMethodNotAllowed)
	})

	t.Run("null variables", func(t *testing.T) {
		request := Request{Variables: []byte("null")}
		variables, err := request.VariablesMap()
		require.NoError(t, err)
		assert.Empty(t, variables)
	})
}

func TestWriteResponse(t *testing.T) {
	buf := &bytes.Buffer{}
	_, err := WriteResponse(buf, []byte(`{"books":null}`), gqlerror.List{
		{Message: "down", Path: ast.Path{ast.PathName("books")}, Extensions: map[string]interface{}{"code": "BACKEND_ERROR"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"errors":[{"message":"down","path":["books"],"extensions":{"code":"BACKEND_ERROR"}}],"data":{"books":null}}`, buf.String())

	buf.Reset()
	_, err = WriteResponse(buf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"data":null}`, buf.String())
}

func TestDocumentCache(t *testing.T) {
	schema := gqlparser.MustLoadSchema(&ast.Source{Input: `type Query { hello(name: String): String }`})

	cache, err := NewDocumentCache(schema, 2)
	require.NoError(t, err)

	doc, cached, errs := cache.Load(`{ hello }`)
	require.Len(t, errs, 0)
	assert.False(t, cached)

	again, cached, errs := cache.Load(`{ hello }`)
	require.Len(t, errs, 0)
	assert.True(t, cached)
	assert.Same(t, doc, again)

	_, _, errs = cache.Load(`{ goodbye }`)
	require.Len(t, errs, 1)
	assert.Equal(t, 1, cache.Len())

	_, _, _ = cache.Load(`{ a: hello }`)
	_, _, _ = cache.Load(`{ b: hello }`)
	assert.Equal(t, 2, cache.Len())
	_, cached, _ = cache.Load(`{ hello }`)
	assert.False(t, cached, "least recently used document is evicted")

	disabled, err := NewDocumentCache(schema, 0)
	require.NoError(t, err)
	_, _, _ = disabled.Load(`{ hello }`)
	_, cached, _ = disabled.Load(`{ hello }`)
	assert.False(t, cached)
	assert.Equal(t, 0, disabled.Len())
}
