package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
)

const (
	healthStatusOK          = "ok"
	healthStatusUnavailable = "unavailable"

	// serviceLabel stamps probe responses so a scraper hitting the wrong
	// port sees which service answered.
	serviceLabel = "velometry"
)

// ReadyCheck probes one dependency the dashboard needs before it can serve
// artifacts. Nil means ready.
type ReadyCheck func(ctx context.Context) error

// healthBody is the JSON shape of /healthz and /readyz responses.
type healthBody struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Reason  string `json:"reason,omitempty"`
}

// HealthHandler answers liveness probes at /healthz. The process being able
// to answer is the whole check, so the response is always 200.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		writeHealth(rw, http.StatusOK, healthBody{Status: healthStatusOK, Service: serviceLabel})
	})
}

// ReadyHandler answers readiness probes at /readyz. The first failing check
// turns the response into 503 and its error becomes the reason field, so an
// operator can tell an unmounted cache volume from a broken tracker store
// without reading logs.
func ReadyHandler(checks ...ReadyCheck) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		for _, check := range checks {
			if err := check(hr.Context()); err != nil {
				writeHealth(rw, http.StatusServiceUnavailable, healthBody{
					Status:  healthStatusUnavailable,
					Service: serviceLabel,
					Reason:  err.Error(),
				})

				return
			}
		}

		writeHealth(rw, http.StatusOK, healthBody{Status: healthStatusOK, Service: serviceLabel})
	})
}

// DirectoryCheck reports ready while path exists and is a directory. The
// serve command points it at the cache directory so /readyz flips when the
// artifact volume goes away.
func DirectoryCheck(path string) ReadyCheck {
	return func(context.Context) error {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", path)
		}

		return nil
	}
}

func writeHealth(rw http.ResponseWriter, status int, body healthBody) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	data, err := json.Marshal(body)
	if err != nil {
		return
	}

	if _, err := rw.Write(data); err != nil {
		return
	}
}
