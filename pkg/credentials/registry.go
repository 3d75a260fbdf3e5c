package credentials

import (
	"fmt"
	"time"

	"github.com/jensneuse/abstractlogger"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
)

type Config struct {
	Region         string
	ExpiryMargin   time.Duration
	RefreshTimeout time.Duration
	// AWS replaces the default AWS credential chain, mostly for tests.
	AWS Source
}

// Registry holds one Signer per subgraph. All sigv4 subgraphs share a single
// Provider backed by the AWS credential chain.
type Registry struct {
	signers map[string]Signer
}

func NewRegistry(subgraphs []*composition.Subgraph, config Config, logger abstractlogger.Logger) (*Registry, error) {
	if logger == nil {
		logger = abstractlogger.NoopLogger
	}
	opts := []Option{WithLogger(logger)}
	if config.ExpiryMargin > 0 {
		opts = append(opts, WithExpiryMargin(config.ExpiryMargin))
	}
	if config.RefreshTimeout > 0 {
		opts = append(opts, WithRefreshTimeout(config.RefreshTimeout))
	}

	var shared *Provider
	awsProvider := func() (*Provider, error) {
		if shared != nil {
			return shared, nil
		}
		source := config.AWS
		if source == nil {
			awsSource, err := NewAWSSource(config.Region)
			if err != nil {
				return nil, err
			}
			source = awsSource
		}
		shared = NewProvider(source, opts...)
		return shared, nil
	}

	r := &Registry{signers: make(map[string]Signer, len(subgraphs))}
	for _, sg := range subgraphs {
		switch sg.Auth.Type {
		case composition.AuthNone, "":
			r.signers[sg.Name] = Unsigned{}
		case composition.AuthSigV4:
			provider, err := awsProvider()
			if err != nil {
				return nil, fmt.Errorf("subgraph %s: %w", sg.Name, err)
			}
			service := sg.Auth.Service
			if service == "" {
				service = sg.Kind.DefaultService()
			}
			region := sg.Auth.Region
			if region == "" {
				region = config.Region
			}
			if region == "" {
				return nil, fmt.Errorf("subgraph %s: sigv4 needs a region", sg.Name)
			}
			r.signers[sg.Name] = NewSigV4Signer(provider, service, region)
		case composition.AuthBearer:
			var source Source
			switch {
			case sg.Auth.TokenFile != "":
				source = NewTokenFileSource(sg.Auth.TokenFile, sg.Auth.TokenTTL)
			case sg.Auth.Token != "":
				source = NewStaticSource(Material{Token: sg.Auth.Token})
			default:
				return nil, fmt.Errorf("subgraph %s: bearer auth needs a token or token_file", sg.Name)
			}
			r.signers[sg.Name] = NewBearerSigner(NewProvider(source, opts...), sg.Auth.Header)
		default:
			return nil, fmt.Errorf("subgraph %s: unknown auth type %q", sg.Name, sg.Auth.Type)
		}
	}
	return r, nil
}

// Signer returns the subgraph's signer, or Unsigned for unknown subgraphs.
func (r *Registry) Signer(subgraph string) Signer {
	if s, ok := r.signers[subgraph]; ok {
		return s
	}
	return Unsigned{}
}
