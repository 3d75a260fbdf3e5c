package graphql

import (
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

const DefaultDocumentCacheSize = 1024

// DocumentCache keeps validated query documents of one schema, keyed by the
// hash of the query text. Cached documents are shared and must not be modified.
type DocumentCache struct {
	schema *ast.Schema
	cache  *lru.Cache
}

// NewDocumentCache returns a cache holding up to size documents. A size of
// zero or less disables caching.
func NewDocumentCache(schema *ast.Schema, size int) (*DocumentCache, error) {
	c := &DocumentCache{schema: schema}
	if size <= 0 {
		return c, nil
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	c.cache = cache
	return c, nil
}

type cachedDocument struct {
	query string
	doc   *ast.QueryDocument
}

// Load parses and validates query, using the cached document when the same
// query text was seen before. Invalid documents are never cached.
func (c *DocumentCache) Load(query string) (doc *ast.QueryDocument, cached bool, errs gqlerror.List) {
	key := xxhash.Sum64String(query)
	if c.cache != nil {
		if value, ok := c.cache.Get(key); ok {
			entry := value.(cachedDocument)
			// hash collisions fall through to a fresh parse
			if entry.query == query {
				return entry.doc, true, nil
			}
		}
	}
	doc, errs = gqlparser.LoadQuery(c.schema, query)
	if len(errs) > 0 {
		return nil, false, errs
	}
	if c.cache != nil {
		c.cache.Add(key, cachedDocument{query: query, doc: doc})
	}
	return doc, false, nil
}

func (c *DocumentCache) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}
