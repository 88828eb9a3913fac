package observability

import (
	"net/http"
)

// HealthCheckHandler handles health check requests.
// Plain 200/"ok" so load balancers and the telephony platform's probes
// need no JSON parsing; every other path on the mux falls through to 404.
func HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
