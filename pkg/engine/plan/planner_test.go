package plan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
	"github.com/wundergraph/fusion-gateway/pkg/composition/compositiontest"
)

type stepPayload struct {
	data []byte
	keys map[string]string
}

type stepData map[int]stepPayload

func (d stepData) Payload(stepID int) ([]byte, map[string]string, bool) {
	p, ok := d[stepID]
	return p.data, p.keys, ok
}

func bookstore(t *testing.T) *composition.MergedSchema {
	return compositiontest.MustLoad(t, compositiontest.Descriptor(compositiontest.URLs{
		Books:   "http://books.local/graphql",
		Authors: "http://authors.local/invoke",
		Reviews: "http://reviews.local",
	}))
}

func planOperation(t *testing.T, schema *composition.MergedSchema, config Configuration, query string, variables map[string]interface{}) (*Plan, error) {
	t.Helper()
	doc, errs := gqlparser.LoadQuery(schema.Schema, query)
	require.Len(t, errs, 0, "%v", errs)
	return NewPlanner(schema, config).Plan(doc, "", variables)
}

func TestPlanner_Plan(t *testing.T) {
	schema := bookstore(t)

	test := func(query string, variables map[string]interface{}, config Configuration, expected string) func(t *testing.T) {
		return func(t *testing.T) {
			p, err := planOperation(t, schema, config, query, variables)
			require.NoError(t, err)
			assert.Equal(t, expected, p.String())
		}
	}

	t.Run("single subgraph", test(
		`{ books { id title } }`, nil, Configuration{},
		"0 root books query [] {_0: books {id title}}\n",
	))
	t.Run("root fields of one subgraph share a call", test(
		`{ books { id } authors { name } first: bookById(id: "1") { title } }`, nil, Configuration{},
		"0 root books query [] {_0: books {id} _1: bookById(id: \"1\") {title}}\n"+
			"1 root authors query [] {_0: authors {name}}\n",
	))
	t.Run("max fields per call splits the batch", test(
		`{ books { id } first: bookById(id: "1") { id } }`, nil, Configuration{MaxFieldsPerCall: 1},
		"0 root books query [] {_0: books {id}}\n"+
			"1 root books query [] {_0: bookById(id: \"1\") {id}}\n",
	))
	t.Run("join adds a hidden key field", test(
		`{ books { title author { name } } }`, nil, Configuration{},
		"0 root books query [] {_0: books {title _key_authorId: authorId}}\n"+
			"1 join authors query [0] authorById(id: _key_authorId) from 0._0 {name}\n",
	))
	t.Run("key already selected by the client is fetched once", test(
		`{ books { authorId author { name } } }`, nil, Configuration{},
		"0 root books query [] {_0: books {authorId _key_authorId: authorId}}\n"+
			"1 join authors query [0] authorById(id: _key_authorId) from 0._0 {name}\n",
	))
	t.Run("two hops", test(
		`{ authors { name books { title reviews(limit: 2) { rating } } } }`, nil, Configuration{},
		"0 root authors query [] {_0: authors {name _key_id: id}}\n"+
			"1 join books query [0] booksByAuthorId(authorId: _key_id) from 0._0 {title _key_id: id}\n"+
			"2 join reviews query [1] reviewsByBookId(bookId: _key_id) from 1 (limit: 2)\n",
	))
	t.Run("rest fields are called one by one and keys read directly", test(
		`{ a: reviewById(id: "1") { rating book { title } } b: reviewById(id: "2") { id } }`, nil, Configuration{},
		"0 root reviews query [] {_0: reviewById(id: \"1\")}\n"+
			"1 join books query [0] bookById(id: bookId) from 0._0 {title}\n"+
			"2 root reviews query [] {_0: reviewById(id: \"2\")}\n",
	))
	t.Run("fragments and aliases", test(
		`{ books { ...BookFields t: title } } fragment BookFields on Book { id title }`, nil, Configuration{},
		"0 root books query [] {_0: books {id title t: title}}\n",
	))
	t.Run("skip and include", test(
		`query ($hide: Boolean!) { books { id title @skip(if: $hide) authorId @include(if: $hide) } }`,
		map[string]interface{}{"hide": true}, Configuration{},
		"0 root books query [] {_0: books {id authorId}}\n",
	))
	t.Run("typename is forwarded to query subgraphs", test(
		`{ __typename books { __typename id } }`, nil, Configuration{},
		"0 root books query [] {_0: books {__typename id}}\n",
	))
	t.Run("mutations run in document order", test(
		`mutation { createBook(title: "a", authorId: "1") { id author { name } } createAuthor(name: "b") { id } second: createBook(title: "c", authorId: "1") { id } }`,
		nil, Configuration{},
		"0 root books mutation [] {_0: createBook(title: \"a\", authorId: \"1\") {id _key_authorId: authorId}}\n"+
			"1 join authors query [0] authorById(id: _key_authorId) from 0._0 {name}\n"+
			"2 root authors mutation [] after [0] {_0: createAuthor(name: \"b\") {id}}\n"+
			"3 root books mutation [] after [2] {_0: createBook(title: \"c\", authorId: \"1\") {id}}\n",
	))
}

func TestPlanner_Nodes(t *testing.T) {
	schema := bookstore(t)
	p, err := planOperation(t, schema, Configuration{}, `{ __typename latest: books { title author { name } } }`, nil)
	require.NoError(t, err)

	require.Len(t, p.Nodes, 2)
	typename := p.Nodes[0]
	assert.Equal(t, NoStep, typename.StepID)
	assert.True(t, typename.IsTypename())

	books := p.Nodes[1]
	assert.Equal(t, "latest", books.ResponseKey)
	assert.Equal(t, "books", books.FieldName)
	assert.Equal(t, 0, books.StepID)
	assert.Equal(t, "_0", books.SourceKey)

	require.Len(t, books.Children, 2)
	title, author := books.Children[0], books.Children[1]
	assert.Equal(t, "title", title.SourceKey)
	assert.Equal(t, 0, title.StepID)
	assert.Equal(t, 1, author.StepID)
	require.NotNil(t, author.Join)
	assert.Equal(t, "_key_authorId", author.Join.Field)
	assert.Equal(t, 1, author.Children[0].StepID)

	assert.Equal(t, ast.Path{ast.PathName("latest"), ast.PathName("author")}, p.Steps[1].Path)
	assert.Equal(t, ast.Query, p.OperationType)
	assert.True(t, p.Steps[0].Retryable())
}

func TestPlanner_Variables(t *testing.T) {
	schema := bookstore(t)
	p, err := planOperation(t, schema, Configuration{},
		`query Book($id: ID!, $limit: Int) { bookById(id: $id) { title reviews(limit: $limit) { rating } } }`,
		map[string]interface{}{"id": "1", "limit": 3},
	)
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "Book", p.OperationName)

	require.Len(t, p.Steps[0].Variables, 1)
	assert.Equal(t, "id", p.Steps[0].Variables[0].Variable)
	require.Len(t, p.Steps[1].Variables, 1)
	assert.Equal(t, "limit", p.Steps[1].Variables[0].Variable)
}

func TestPlanner_MutationsAreNotRetryable(t *testing.T) {
	schema := bookstore(t)
	p, err := planOperation(t, schema, Configuration{}, `mutation { createReview(input: {bookId: "1", rating: 5}) { id book { title } } }`, nil)
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)
	assert.False(t, p.Steps[0].Retryable())
	assert.Equal(t, "Mutation", p.Steps[0].RootTypeName())
	assert.True(t, p.Steps[1].Retryable())
	assert.Equal(t, "Query", p.Steps[1].RootTypeName())
}

func TestPlanner_AbstractTypes(t *testing.T) {
	schema := compositiontest.MustLoad(t, &composition.Descriptor{
		Subgraphs: []composition.Subgraph{
			{
				Name: "media",
				Kind: composition.KindGraphQL,
				URL:  "http://media.local/graphql",
				Schema: `
interface Media { id: ID! }
type Book implements Media { id: ID! authorId: ID! }
type Movie implements Media { id: ID! }
type Query { media: [Media!]! }
`,
			},
			{
				Name:   "authors",
				Kind:   composition.KindFunction,
				URL:    "http://authors.local/invoke",
				Schema: compositiontest.AuthorsSchema,
			},
		},
		Joins: []composition.JoinRule{
			{Type: "Book", Field: "author", Subgraph: "authors", Resolver: "authorById", Key: "authorId"},
		},
	})

	p, err := planOperation(t, schema, Configuration{}, `{ media { id ... on Book { author { name } } } }`, nil)
	require.NoError(t, err)
	assert.Equal(t,
		"0 root media query [] {_0: media {__typename id ... on Book {_key_authorId: authorId}}}\n"+
			"1 join authors query [0] authorById(id: _key_authorId) from 0._0 on Book {name}\n",
		p.String(),
	)

	author := p.Nodes[0].Children[1]
	assert.Equal(t, "Book", author.ParentType)
	assert.Equal(t, "Book", author.TypeCondition)
	assert.True(t, p.Matches("Book", "Media"))
	assert.False(t, p.Matches("Movie", "Book"))
}

func TestPlanner_Errors(t *testing.T) {
	schema := bookstore(t)

	t.Run("operation name required", func(t *testing.T) {
		_, err := planOperation(t, schema, Configuration{}, `query A { books { id } } query B { authors { id } }`, nil)
		var planningErr *PlanningError
		require.True(t, errors.As(err, &planningErr))
		assert.Contains(t, planningErr.Message, "operation name is required")
	})

	t.Run("unknown operation name", func(t *testing.T) {
		doc, errs := gqlparser.LoadQuery(schema.Schema, `query A { books { id } }`)
		require.Len(t, errs, 0)
		_, err := NewPlanner(schema, Configuration{}).Plan(doc, "B", nil)
		assert.EqualError(t, err, `planning failed: operation "B" not found`)
	})

	t.Run("introspection", func(t *testing.T) {
		_, err := planOperation(t, schema, Configuration{}, `{ __schema { queryType { name } } }`, nil)
		var planningErr *PlanningError
		require.True(t, errors.As(err, &planningErr))
		assert.Equal(t, ast.Path{ast.PathName("__schema")}, planningErr.Path)
		assert.Equal(t, "PLANNING_ERROR", planningErr.GQLError().Extensions["code"])
	})

	t.Run("reserved join key alias", func(t *testing.T) {
		_, err := planOperation(t, schema, Configuration{}, `{ books { title _key_authorId: title author { name } } }`, nil)
		var planningErr *PlanningError
		require.True(t, errors.As(err, &planningErr))
		assert.Equal(t, ast.Path{ast.PathName("books"), ast.PathName("_key_authorId")}, planningErr.Path)
		assert.Contains(t, planningErr.Message, "reserved")
	})

	t.Run("reserved join key variable", func(t *testing.T) {
		_, err := planOperation(t, schema, Configuration{}, `query ($_key0: ID!) { books { author { name } } bookById(id: $_key0) { title } }`, map[string]interface{}{"_key0": "b1"})
		var planningErr *PlanningError
		require.True(t, errors.As(err, &planningErr))
		assert.Equal(t, "variable $_key0: names starting with _key are reserved", planningErr.Message)
	})
}

func TestPlan_CollectKeys(t *testing.T) {
	schema := bookstore(t)
	p, err := planOperation(t, schema, Configuration{}, `{ books { author { name } } first: bookById(id: "1") { id } }`, nil)
	require.NoError(t, err)

	results := stepData{
		0: {data: []byte(`{"_0":[{"_key_authorId":"a1"},{"_key_authorId":"a2"},{"_key_authorId":"a1"},{"_key_authorId":null}],"_1":{"id":"1"}}`)},
	}
	join := p.Steps[1]
	assert.Len(t, p.ParentObjects(join, results), 4)
	assert.Equal(t, []string{`"a1"`, `"a2"`}, p.CollectKeys(join, results))
}

func TestKeySource_ResolveVia(t *testing.T) {
	results := stepData{
		3: {
			data: []byte(`{"_0":"owner-1","_1":null}`),
			keys: map[string]string{`"b1"`: "_0", `"b2"`: "_1"},
		},
	}
	key := &KeySource{Via: &KeyVia{StepID: 3, Key: &KeySource{Field: "_key_bookId"}}}

	obj := gjson.Parse(`{"_key_bookId":"b1"}`)
	raw, ok := key.Resolve(obj, results)
	assert.True(t, ok)
	assert.Equal(t, `"owner-1"`, raw)

	_, ok = key.Resolve(gjson.Parse(`{"_key_bookId":"b2"}`), results)
	assert.False(t, ok)
	_, ok = key.Resolve(gjson.Parse(`{"_key_bookId":"b3"}`), results)
	assert.False(t, ok)
	assert.Equal(t, "_key_bookId->3", key.String())
}
