package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Log attribute keys. Camel case, matching the handler-level keys the rest
// of the module logs with (jobId, rangeSpec, eventId).
const (
	attrTraceID = "traceId"
	attrSpanID  = "spanId"
	attrService = "service"
	attrVersion = "version"
	attrEnv     = "env"
	attrMode    = "mode"
)

// LogIdentity is the fixed metadata stamped on every record: which binary,
// which build, which environment, and whether it ran as the collection job
// or the dashboard server.
type LogIdentity struct {
	Service string
	Version string
	Env     string
	Mode    AppMode
}

// TracingHandler is an [slog.Handler] that correlates log records with the
// active OpenTelemetry span (traceId, spanId) and stamps the process
// identity on each one. Identity attributes are attached to the inner
// handler at construction so they stay top-level under WithGroup.
type TracingHandler struct {
	inner slog.Handler
}

// NewTracingHandler wraps inner with span correlation and the given
// identity. Empty identity fields are omitted rather than logged blank.
func NewTracingHandler(inner slog.Handler, id LogIdentity) *TracingHandler {
	attrs := []slog.Attr{
		slog.String(attrService, id.Service),
		slog.String(attrMode, string(id.Mode)),
	}

	if id.Version != "" {
		attrs = append(attrs, slog.String(attrVersion, id.Version))
	}

	if id.Env != "" {
		attrs = append(attrs, slog.String(attrEnv, id.Env))
	}

	return &TracingHandler{inner: inner.WithAttrs(attrs)}
}

// Enabled delegates to the inner handler.
func (th *TracingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return th.inner.Enabled(ctx, level)
}

// Handle adds the active span's IDs when the context carries one, then
// delegates.
func (th *TracingHandler) Handle(ctx context.Context, record slog.Record) error {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		record.AddAttrs(
			slog.String(attrTraceID, sc.TraceID().String()),
			slog.String(attrSpanID, sc.SpanID().String()),
		)
	}

	if err := th.inner.Handle(ctx, record); err != nil {
		return fmt.Errorf("tracing handler: %w", err)
	}

	return nil
}

// WithAttrs returns a handler with extra attributes on the inner handler.
func (th *TracingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TracingHandler{inner: th.inner.WithAttrs(attrs)}
}

// WithGroup returns a handler with a group prefix on the inner handler.
func (th *TracingHandler) WithGroup(name string) slog.Handler {
	return &TracingHandler{inner: th.inner.WithGroup(name)}
}
