// Package credentials signs outbound subgraph requests.
//
// Signing material comes from a Source and is cached by a Provider. The
// Provider publishes material through an atomic pointer and never mutates a
// published value, so concurrent signers always see a complete set of keys.
package credentials

import (
	"context"
	"net/http"
	"time"

	"github.com/jensneuse/abstractlogger"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultExpiryMargin   = 5 * time.Minute
	DefaultRefreshTimeout = 10 * time.Second
)

// Material is one generation of signing material.
type Material struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Token           string
	// Expires is zero for material that never expires.
	Expires time.Time
	Source  string
}

// Expired reports whether m is expired, or will be within margin, at now.
func (m *Material) Expired(now time.Time, margin time.Duration) bool {
	if m.Expires.IsZero() {
		return false
	}
	return !now.Add(margin).Before(m.Expires)
}

type Source interface {
	Retrieve(ctx context.Context) (*Material, error)
	Name() string
}

// Signer returns a signed copy of req. The request passed in is never modified.
type Signer interface {
	Sign(ctx context.Context, req *http.Request, body []byte) (*http.Request, error)
}

type Option func(p *Provider)

func WithExpiryMargin(margin time.Duration) Option {
	return func(p *Provider) {
		p.margin = margin
	}
}

func WithRefreshTimeout(timeout time.Duration) Option {
	return func(p *Provider) {
		p.refreshTimeout = timeout
	}
}

func WithLogger(logger abstractlogger.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

type Provider struct {
	source         Source
	current        atomic.Pointer[Material]
	group          singleflight.Group
	margin         time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	logger         abstractlogger.Logger
}

func NewProvider(source Source, opts ...Option) *Provider {
	p := &Provider{
		source:         source,
		margin:         DefaultExpiryMargin,
		refreshTimeout: DefaultRefreshTimeout,
		now:            time.Now,
		logger:         abstractlogger.NoopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Material returns the current material, refreshing it first when it is
// missing or about to expire. Concurrent callers share a single refresh.
// When a refresh fails but the cached material has not expired yet, the
// cached material is returned.
func (p *Provider) Material(ctx context.Context) (*Material, error) {
	now := p.now()
	cached := p.current.Load()
	if cached != nil && !cached.Expired(now, p.margin) {
		return cached, nil
	}

	ch := p.group.DoChan("refresh", func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.refreshTimeout)
		defer cancel()
		fresh, err := p.source.Retrieve(refreshCtx)
		if err != nil {
			return nil, err
		}
		p.current.Store(fresh)
		p.logger.Debug("credentials refreshed",
			abstractlogger.String("source", p.source.Name()),
			abstractlogger.String("expires", fresh.Expires.Format(time.RFC3339)),
		)
		return fresh, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(*Material), nil
		}
		if cached != nil && !cached.Expired(now, 0) {
			p.logger.Warn("credential refresh failed, using cached material",
				abstractlogger.String("source", p.source.Name()),
				abstractlogger.Error(res.Err),
			)
			return cached, nil
		}
		return nil, newAuthError(p.source.Name(), res.Err)
	}
}

// Invalidate drops the cached material so the next call refreshes it.
func (p *Provider) Invalidate() {
	p.current.Store(nil)
}
