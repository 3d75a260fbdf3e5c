package gateway

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	log "github.com/jensneuse/abstractlogger"

	"github.com/wundergraph/fusion-gateway/pkg/graphql"
	"github.com/wundergraph/fusion-gateway/pkg/graphqlerrors"
)

const (
	httpHeaderContentType          string = "Content-Type"
	httpContentTypeApplicationJson string = "application/json"
)

var errNotReady = graphqlerrors.RequestErrors{{Message: "gateway is not ready"}}

func NewGraphqlHTTPHandler(gateway *Gateway, logger log.Logger) http.Handler {
	if logger == nil {
		logger = log.NoopLogger
	}
	return &GraphQLHTTPRequestHandler{
		gateway: gateway,
		log:     logger,
	}
}

type GraphQLHTTPRequestHandler struct {
	gateway *Gateway
	log     log.Logger
}

func (g *GraphQLHTTPRequestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	executionEngine := g.gateway.Engine()
	if executionEngine == nil {
		// requests are rejected, not queued, until the composition is loaded
		g.writeErrors(w, http.StatusServiceUnavailable, errNotReady)
		return
	}

	var gqlRequest graphql.Request
	if err := graphql.UnmarshalHttpRequest(r, &gqlRequest); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, graphql.ErrMethodNotAllowed) {
			status = http.StatusMethodNotAllowed
		}
		g.writeErrors(w, status, graphqlerrors.RequestErrorsFromError(err))
		return
	}

	buf := bytes.NewBuffer(make([]byte, 0, 4096))
	if err := executionEngine.Execute(r.Context(), &gqlRequest, buf); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		g.log.Debug("request rejected", log.Error(err))
		g.writeErrors(w, http.StatusBadRequest, graphqlerrors.RequestErrorsFromError(err))
		return
	}

	w.Header().Set(httpHeaderContentType, httpContentTypeApplicationJson)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		g.log.Error("write response", log.Error(err))
	}
}

func (g *GraphQLHTTPRequestHandler) writeErrors(w http.ResponseWriter, status int, errs graphqlerrors.RequestErrors) {
	w.Header().Set(httpHeaderContentType, httpContentTypeApplicationJson)
	w.WriteHeader(status)
	if _, err := errs.WriteResponse(w); err != nil {
		g.log.Error("write response", log.Error(err))
	}
}
