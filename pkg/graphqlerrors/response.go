package graphqlerrors

import (
	"encoding/json"
)

// Response is the GraphQL response for errors that happen before execution.
// data is omitted in that case, see https://spec.graphql.org/draft/#sec-Data
type Response struct {
	Errors Errors `json:"errors,omitempty"`
	Data   any    `json:"data,omitempty"`
}

func (r Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
