package credentials

import (
	"context"
	"net/http"
)

const AuthorizationHeader = "Authorization"

// BearerSigner puts the provider's token into a header. For the Authorization
// header the token gets the "Bearer " prefix, other headers carry it as is.
type BearerSigner struct {
	provider *Provider
	header   string
}

func NewBearerSigner(provider *Provider, header string) *BearerSigner {
	if header == "" {
		header = AuthorizationHeader
	}
	return &BearerSigner{provider: provider, header: http.CanonicalHeaderKey(header)}
}

func (s *BearerSigner) Sign(ctx context.Context, req *http.Request, _ []byte) (*http.Request, error) {
	material, err := s.provider.Material(ctx)
	if err != nil {
		return nil, err
	}
	signed := req.Clone(ctx)
	value := material.Token
	if s.header == AuthorizationHeader {
		value = "Bearer " + value
	}
	signed.Header.Set(s.header, value)
	return signed, nil
}

// Unsigned sends requests as they are.
type Unsigned struct{}

func (Unsigned) Sign(ctx context.Context, req *http.Request, _ []byte) (*http.Request, error) {
	return req.Clone(ctx), nil
}
