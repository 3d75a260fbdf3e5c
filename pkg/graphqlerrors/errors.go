package graphqlerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

type Errors interface {
	error
	WriteResponse(writer io.Writer) (n int, err error)
	Count() int
	ErrorByIndex(i int) error
}

// gqlError is implemented by errors that know their GraphQL representation,
// like plan.PlanningError.
type gqlError interface {
	GQLError() *gqlerror.Error
}

type RequestErrors []RequestError

func RequestErrorsFromError(err error) RequestErrors {
	var requestErrors RequestErrors
	if errors.As(err, &requestErrors) {
		return requestErrors
	}
	var list gqlerror.List
	if errors.As(err, &list) {
		if len(list) == 0 {
			return RequestErrors{{Message: "Internal Error"}}
		}
		return RequestErrorsFromList(list)
	}
	var single *gqlerror.Error
	if errors.As(err, &single) {
		return RequestErrorsFromList(gqlerror.List{single})
	}
	var converter gqlError
	if errors.As(err, &converter) {
		return RequestErrorsFromList(gqlerror.List{converter.GQLError()})
	}
	return RequestErrors{
		{
			Message: err.Error(),
		},
	}
}

// RequestErrorsFromList converts parser and validator errors.
func RequestErrorsFromList(list gqlerror.List) (errors RequestErrors) {
	if len(list) == 0 {
		return nil
	}

	for _, externalError := range list {
		errors = append(errors, RequestError{
			Message:    externalError.Message,
			Locations:  externalError.Locations,
			Path:       externalError.Path,
			Extensions: externalError.Extensions,
		})
	}

	return errors
}

func (o RequestErrors) Error() string {
	if len(o) > 0 {
		return o.ErrorByIndex(0).Error()
	}
	return "no error"
}

// WriteResponse writes the request errors as a GraphQL response without data.
// It is only used for errors raised before execution, like parse, validation
// and planning errors.
func (o RequestErrors) WriteResponse(writer io.Writer) (n int, err error) {
	response := Response{
		Errors: o,
	}

	responseBytes, err := response.Marshal()
	if err != nil {
		return 0, err
	}

	return writer.Write(responseBytes)
}

func (o RequestErrors) Count() int {
	return len(o)
}

func (o RequestErrors) ErrorByIndex(i int) error {
	if i >= o.Count() {
		return nil
	}

	return o[i]
}

type RequestError struct {
	Message    string                 `json:"message"`
	Locations  []gqlerror.Location    `json:"locations,omitempty"`
	Path       ast.Path               `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

func (o RequestError) MarshalJSON() ([]byte, error) {
	if len(o.Path) == 0 {
		return json.Marshal(struct {
			Message    string                 `json:"message"`
			Locations  []gqlerror.Location    `json:"locations,omitempty"`
			Extensions map[string]interface{} `json:"extensions,omitempty"`
		}{
			Message:    o.Message,
			Locations:  o.Locations,
			Extensions: o.Extensions,
		})
	}
	return json.Marshal(struct {
		Message    string                 `json:"message"`
		Locations  []gqlerror.Location    `json:"locations,omitempty"`
		Path       ast.Path               `json:"path"`
		Extensions map[string]interface{} `json:"extensions,omitempty"`
	}{
		Message:    o.Message,
		Locations:  o.Locations,
		Path:       o.Path,
		Extensions: o.Extensions,
	})
}

func (o RequestError) Error() string {
	return fmt.Sprintf("%s, locations: %+v, path: %s", o.Message, o.Locations, o.Path.String())
}
