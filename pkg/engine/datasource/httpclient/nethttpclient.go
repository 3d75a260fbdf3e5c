package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/pkg/errors"
)

const (
	ContentEncodingHeader = "Content-Encoding"
	AcceptEncodingHeader  = "Accept-Encoding"
	AcceptHeader          = "Accept"
	ContentTypeHeader     = "Content-Type"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"

	ContentTypeJSON = "application/json"
)

// MaxResponseSize bounds how much of a backend response is read.
const MaxResponseSize = 32 << 20

var ErrResponseTooLarge = errors.New("response exceeds maximum size")

// NewClient returns the client used for backend calls. It sets no overall
// timeout; every attempt is bounded through its context instead.
func NewClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 1024,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewRequest builds a backend request with the default JSON and encoding headers.
// Headers passed in are copied, so callers may reuse them.
func NewRequest(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Request, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		for _, value := range values {
			if value != "" {
				request.Header.Add(key, value)
			}
		}
	}
	request.Header.Set(AcceptHeader, ContentTypeJSON)
	if len(body) > 0 {
		request.Header.Set(ContentTypeHeader, ContentTypeJSON)
	}
	request.Header.Set(AcceptEncodingHeader, EncodingGzip)
	request.Header.Add(AcceptEncodingHeader, EncodingDeflate)
	request.Header.Add(AcceptEncodingHeader, EncodingBrotli)
	return request, nil
}

// Do sends request and reads the decompressed body.
func Do(client *http.Client, request *http.Request) (*Response, error) {
	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	respReader, err := respBodyReader(response)
	if err != nil {
		return nil, err
	}
	defer respReader.Close()

	body, err := io.ReadAll(io.LimitReader(respReader, MaxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxResponseSize {
		return nil, ErrResponseTooLarge
	}
	return &Response{
		StatusCode: response.StatusCode,
		Header:     response.Header,
		Body:       body,
	}, nil
}

func respBodyReader(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get(ContentEncodingHeader) {
	case EncodingGzip:
		return gzip.NewReader(resp.Body)
	case EncodingDeflate:
		return flate.NewReader(resp.Body), nil
	case EncodingBrotli:
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	default:
		return io.NopCloser(resp.Body), nil
	}
}
