package observability

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// httpStatusServerError is the threshold for HTTP server errors.
const httpStatusServerError = 500

// probePaths are scrape and probe endpoints. Kubelet and Prometheus hit
// them constantly; one span per probe would drown the dashboard traffic.
var probePaths = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
	"/metrics": {},
}

// statusCapture wraps [http.ResponseWriter] to remember the first status
// code a handler commits.
type statusCapture struct {
	http.ResponseWriter

	statusCode int
}

func (sc *statusCapture) WriteHeader(code int) {
	if sc.statusCode == 0 {
		sc.statusCode = code
	}

	sc.ResponseWriter.WriteHeader(code)
}

func (sc *statusCapture) Write(buf []byte) (int, error) {
	if sc.statusCode == 0 {
		sc.statusCode = http.StatusOK
	}

	n, err := sc.ResponseWriter.Write(buf)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}

	return n, nil
}

// HTTPMiddleware opens one server span per dashboard request, named
// "METHOD /path", continuing any W3C trace context the caller propagated.
// Probe and scrape endpoints are passed through untraced.
func HTTPMiddleware(tracer trace.Tracer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		if _, probe := probePaths[hr.URL.Path]; probe {
			next.ServeHTTP(rw, hr)

			return
		}

		parentCtx := otel.GetTextMapPropagator().Extract(hr.Context(), propagation.HeaderCarrier(hr.Header))

		ctx, span := tracer.Start(parentCtx, hr.Method+" "+hr.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(hr.Method),
				semconv.URLPath(hr.URL.Path),
			),
		)
		defer span.End()

		capture := &statusCapture{ResponseWriter: rw}
		next.ServeHTTP(capture, hr.WithContext(ctx))

		status := capture.statusCode
		if status == 0 {
			status = http.StatusOK
		}

		span.SetAttributes(semconv.HTTPResponseStatusCode(status))

		if status >= httpStatusServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}
