package graphql

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

var (
	lBrace    = []byte("{")
	rBrace    = []byte("}")
	comma     = []byte(",")
	errorsKey = []byte(`"errors":`)
	dataKey   = []byte(`"data":`)
	null      = []byte("null")
)

// WriteResponse writes an executed response. Errors come first, data is
// always present and null when data is nil.
func WriteResponse(w io.Writer, data []byte, errs gqlerror.List) (int, error) {
	buf := &bytes.Buffer{}
	buf.Write(lBrace)
	if len(errs) > 0 {
		encoded, err := json.Marshal(errs)
		if err != nil {
			return 0, err
		}
		buf.Write(errorsKey)
		buf.Write(encoded)
		buf.Write(comma)
	}
	buf.Write(dataKey)
	if data == nil {
		buf.Write(null)
	} else {
		buf.Write(data)
	}
	buf.Write(rBrace)
	return w.Write(buf.Bytes())
}
