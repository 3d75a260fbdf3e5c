package credentials

import (
	"bytes"
	"context"
	"net/http"
	"time"

	awscredentials "github.com/aws/aws-sdk-go/aws/credentials"
	v4 "github.com/aws/aws-sdk-go/aws/signer/v4"
)

// SigV4Signer signs requests with AWS Signature Version 4 for one service scope.
type SigV4Signer struct {
	provider *Provider
	service  string
	region   string
	now      func() time.Time
}

func NewSigV4Signer(provider *Provider, service, region string) *SigV4Signer {
	return &SigV4Signer{
		provider: provider,
		service:  service,
		region:   region,
		now:      time.Now,
	}
}

func (s *SigV4Signer) Sign(ctx context.Context, req *http.Request, body []byte) (*http.Request, error) {
	material, err := s.provider.Material(ctx)
	if err != nil {
		return nil, err
	}
	signed := req.Clone(ctx)
	creds := awscredentials.NewStaticCredentials(material.AccessKeyID, material.SecretAccessKey, material.SessionToken)
	if _, err := v4.NewSigner(creds).Sign(signed, bytes.NewReader(body), s.service, s.region, s.now()); err != nil {
		return nil, newAuthError("sigv4", err)
	}
	signed.ContentLength = int64(len(body))
	return signed, nil
}
