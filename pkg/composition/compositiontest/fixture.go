// Package compositiontest provides a bookstore composition shared by tests:
// books is a managed schema API, authors a function-hosted query server and
// reviews a REST API.
package compositiontest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
)

const BooksSchema = `
type Book {
  id: ID!
  title: String!
  authorId: ID!
  publishedAt: AWSDateTime
}

type Query {
  bookById(id: ID!): Book @aws_iam
  books: [Book!]!
  booksByAuthorId(authorId: ID!): [Book!]!
}

type Mutation {
  createBook(title: String!, authorId: ID!): Book! @aws_iam
}
`

const AuthorsSchema = `
type Author {
  id: ID!
  name: String!
}

type Query {
  authorById(id: ID!): Author
  authors: [Author!]!
}

type Mutation {
  createAuthor(name: String!): Author!
}
`

const ReviewsSchema = `
type Review {
  id: ID!
  bookId: ID!
  rating: Int!
  comment: String
}

input ReviewInput {
  bookId: ID!
  rating: Int!
  comment: String
}

type Query {
  reviewById(id: ID!): Review
  reviewsByBookId(bookId: ID!, limit: Int): [Review!]!
}

type Mutation {
  createReview(input: ReviewInput!): Review!
}
`

type URLs struct {
	Books   string
	Authors string
	Reviews string
}

// Descriptor returns the bookstore descriptor pointing at the given backends.
func Descriptor(urls URLs) *composition.Descriptor {
	return &composition.Descriptor{
		Subgraphs: []composition.Subgraph{
			{
				Name:   "books",
				Kind:   composition.KindGraphQL,
				URL:    urls.Books,
				Auth:   composition.Auth{Type: composition.AuthNone},
				Schema: BooksSchema,
			},
			{
				Name:   "authors",
				Kind:   composition.KindFunction,
				URL:    urls.Authors,
				Auth:   composition.Auth{Type: composition.AuthNone},
				Schema: AuthorsSchema,
			},
			{
				Name:   "reviews",
				Kind:   composition.KindREST,
				URL:    urls.Reviews,
				Auth:   composition.Auth{Type: composition.AuthNone},
				Schema: ReviewsSchema,
				Operations: []composition.Operation{
					{Field: "Query.reviewById", Method: "GET", Path: "/reviews/{id}"},
					{Field: "Query.reviewsByBookId", Method: "GET", Path: "/books/{bookId}/reviews", Query: []string{"limit"}, Result: "items"},
					{Field: "Mutation.createReview", Method: "POST", Path: "/reviews", Body: "input"},
				},
			},
		},
		Joins: []composition.JoinRule{
			{Type: "Book", Field: "author", Subgraph: "authors", Resolver: "authorById", Key: "authorId"},
			{Type: "Author", Field: "books", Subgraph: "books", Resolver: "booksByAuthorId", Key: "id"},
			{Type: "Book", Field: "reviews", Subgraph: "reviews", Resolver: "reviewsByBookId", Argument: "bookId", Key: "id"},
			{Type: "Review", Field: "book", Subgraph: "books", Resolver: "bookById", Key: "bookId"},
		},
	}
}

func MustLoad(t testing.TB, d *composition.Descriptor) *composition.MergedSchema {
	t.Helper()
	merged, err := composition.Load(d)
	require.NoError(t, err)
	return merged
}
