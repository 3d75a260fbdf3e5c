package graphql

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

var (
	ErrEmptyRequest     = errors.New("the provided request is empty")
	ErrMethodNotAllowed = errors.New("only POST and GET requests are supported")
	// ErrMutationOverGet is returned when a GET request carries anything but a query.
	ErrMutationOverGet = errors.New("only query operations can be sent with GET")
)

type Request struct {
	OperationName string          `json:"operationName"`
	Variables     json.RawMessage `json:"variables,omitempty"`
	Query         string          `json:"query"`
	Extensions    json.RawMessage `json:"extensions,omitempty"`

	header   http.Header
	readOnly bool
}

func UnmarshalRequest(reader io.Reader, request *Request) error {
	requestBytes, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	if len(requestBytes) == 0 {
		return ErrEmptyRequest
	}

	return json.Unmarshal(requestBytes, &request)
}

// UnmarshalHttpRequest reads a POST body or the query parameters of a GET
// request. Requests read from GET may only run queries.
func UnmarshalHttpRequest(r *http.Request, request *Request) error {
	request.header = r.Header
	switch r.Method {
	case http.MethodPost:
		return UnmarshalRequest(r.Body, request)
	case http.MethodGet:
		values := r.URL.Query()
		request.Query = values.Get("query")
		request.OperationName = values.Get("operationName")
		if variables := values.Get("variables"); variables != "" {
			request.Variables = json.RawMessage(variables)
		}
		if extensions := values.Get("extensions"); extensions != "" {
			request.Extensions = json.RawMessage(extensions)
		}
		request.readOnly = true
		if request.Query == "" {
			return ErrEmptyRequest
		}
		return nil
	}
	return ErrMethodNotAllowed
}

func (r *Request) SetHeader(header http.Header) {
	r.header = header
}

func (r *Request) Header() http.Header {
	return r.header
}

// ReadOnly reports whether the request may only run queries.
func (r *Request) ReadOnly() bool {
	return r.readOnly
}

// VariablesMap decodes the raw variables. Absent and null variables yield an empty map.
func (r *Request) VariablesMap() (map[string]interface{}, error) {
	variables := map[string]interface{}{}
	if len(r.Variables) == 0 || string(r.Variables) == "null" {
		return variables, nil
	}
	if err := json.Unmarshal(r.Variables, &variables); err != nil {
		return nil, err
	}
	return variables, nil
}
