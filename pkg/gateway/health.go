package gateway

import (
	"net/http"
)

// HealthHandler answers 200 once a composition was loaded and 503 before.
func HealthHandler(gateway *Gateway) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(httpHeaderContentType, httpContentTypeApplicationJson)
		if !gateway.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
