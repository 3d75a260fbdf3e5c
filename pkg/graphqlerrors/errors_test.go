package graphqlerrors

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

func TestRequestErrors_Error(t *testing.T) {
	validationErrs := RequestErrors{
		RequestError{
			Message:   "a single error",
			Locations: []gqlerror.Location{{Line: 1, Column: 1}},
			Path:      ast.Path{ast.PathName("hello")},
		},
	}

	assert.Equal(t, "a single error, locations: [{Line:1 Column:1}], path: hello", validationErrs.Error())
	assert.Equal(t, "no error", RequestErrors{}.Error())
}

func TestRequestErrors_WriteResponse(t *testing.T) {
	validationErrs := RequestErrors{
		RequestError{
			Message:    "error in operation",
			Locations:  []gqlerror.Location{{Line: 1, Column: 1}},
			Path:       ast.Path{ast.PathName("hello"), ast.PathIndex(0)},
			Extensions: map[string]interface{}{"code": "PLANNING_ERROR"},
		},
		RequestError{
			Message: "without path",
		},
	}

	buf := new(bytes.Buffer)
	n, err := validationErrs.WriteResponse(buf)

	expectedResponse := `{"errors":[{"message":"error in operation","locations":[{"line":1,"column":1}],"path":["hello",0],"extensions":{"code":"PLANNING_ERROR"}},{"message":"without path"}]}`

	assert.NoError(t, err)
	assert.Greater(t, n, 0)
	assert.Equal(t, expectedResponse, buf.String())
}

type convertible struct{}

func (convertible) Error() string { return "planning failed" }

func (convertible) GQLError() *gqlerror.Error {
	return &gqlerror.Error{Message: "no subgraph resolves Query.x", Extensions: map[string]interface{}{"code": "PLANNING_ERROR"}}
}

func TestRequestErrorsFromError(t *testing.T) {
	t.Run("gqlerror list", func(t *testing.T) {
		list := gqlerror.List{
			{Message: "Cannot query field \"x\" on type \"Query\".", Locations: []gqlerror.Location{{Line: 1, Column: 3}}},
			{Message: "second"},
		}
		errs := RequestErrorsFromError(list)
		assert.Equal(t, 2, errs.Count())
		assert.Equal(t, []gqlerror.Location{{Line: 1, Column: 3}}, errs[0].Locations)
	})

	t.Run("wrapped converter", func(t *testing.T) {
		errs := RequestErrorsFromError(fmt.Errorf("execute: %w", convertible{}))
		assert.Equal(t, RequestErrors{{Message: "no subgraph resolves Query.x", Extensions: map[string]interface{}{"code": "PLANNING_ERROR"}}}, errs)
	})

	t.Run("request errors pass through", func(t *testing.T) {
		in := RequestErrors{{Message: "bad"}}
		assert.Equal(t, in, RequestErrorsFromError(in))
	})

	t.Run("plain error", func(t *testing.T) {
		assert.Equal(t, RequestErrors{{Message: "boom"}}, RequestErrorsFromError(fmt.Errorf("boom")))
	})
}

func TestRequestErrors_ErrorByIndex(t *testing.T) {
	existingValidationError := RequestError{
		Message: "error in operation",
	}

	validationErrs := RequestErrors{
		existingValidationError,
	}

	assert.Equal(t, 1, validationErrs.Count())
	assert.Equal(t, existingValidationError, validationErrs.ErrorByIndex(0))
	assert.Nil(t, validationErrs.ErrorByIndex(1))
}
