package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awscredentials "github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
)

// AWSSource reads material from the AWS credential chain: environment,
// shared config, container (ECS task role) and instance role.
type AWSSource struct {
	creds *awscredentials.Credentials
}

func NewAWSSource(region string) (*AWSSource, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            aws.Config{Region: aws.String(region)},
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &AWSSource{creds: sess.Config.Credentials}, nil
}

func NewAWSSourceFromCredentials(creds *awscredentials.Credentials) *AWSSource {
	return &AWSSource{creds: creds}
}

func (s *AWSSource) Name() string {
	return "aws"
}

// Retrieve forces the chain to fetch new material; the Provider only calls it
// when its own copy is about to expire.
func (s *AWSSource) Retrieve(ctx context.Context) (*Material, error) {
	s.creds.Expire()
	value, err := s.creds.GetWithContext(ctx)
	if err != nil {
		return nil, err
	}
	m := &Material{
		AccessKeyID:     value.AccessKeyID,
		SecretAccessKey: value.SecretAccessKey,
		SessionToken:    value.SessionToken,
		Source:          value.ProviderName,
	}
	if expires, err := s.creds.ExpiresAt(); err == nil {
		m.Expires = expires
	}
	return m, nil
}

// TokenFileSource reads a bearer token from a file. The token is considered
// valid for ttl after reading; a zero ttl never expires.
type TokenFileSource struct {
	path string
	ttl  time.Duration
	now  func() time.Time
}

func NewTokenFileSource(path string, ttl time.Duration) *TokenFileSource {
	return &TokenFileSource{path: path, ttl: ttl, now: time.Now}
}

func (s *TokenFileSource) Name() string {
	return "file:" + s.path
}

func (s *TokenFileSource) Retrieve(_ context.Context) (*Material, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(string(content))
	if token == "" {
		return nil, fmt.Errorf("%s: %w", s.path, ErrExhausted)
	}
	m := &Material{Token: token, Source: s.Name()}
	if s.ttl > 0 {
		m.Expires = s.now().Add(s.ttl)
	}
	return m, nil
}

type StaticSource struct {
	material Material
}

func NewStaticSource(material Material) *StaticSource {
	return &StaticSource{material: material}
}

func (s *StaticSource) Name() string {
	return "static"
}

func (s *StaticSource) Retrieve(_ context.Context) (*Material, error) {
	m := s.material
	return &m, nil
}
