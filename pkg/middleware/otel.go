package middleware

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jamlink-dev/jamlink/pkg/live"
	"github.com/jamlink-dev/jamlink/pkg/protocol"
)

// Default tracer name.
const defaultTracerName = "jamlink"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "jamlink").
	TracerName string

	// IncludeUserID includes the user ID in spans. May be sensitive,
	// disabled by default.
	IncludeUserID bool

	// Filter determines which commands to trace. Return true to trace.
	// If nil, all commands are traced.
	Filter func(ev *protocol.ClientEvent) bool

	tracer trace.Tracer
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithIncludeUserID enables including user ID in spans.
func WithIncludeUserID(include bool) OTelOption {
	return func(c *OTelConfig) {
		c.IncludeUserID = include
	}
}

// WithCommandFilter sets a filter for which commands are traced.
func WithCommandFilter(filter func(ev *protocol.ClientEvent) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{TracerName: defaultTracerName}
}

// OpenTelemetry creates command middleware that opens a span per client
// command, with the event type, connection ID, and group ID as
// attributes. The tracer comes from the global provider; configure it
// in main() before starting the server.
//
// Example:
//
//	srv.Coordinator().Use(middleware.OpenTelemetry(
//	    middleware.WithIncludeUserID(true),
//	))
func OpenTelemetry(opts ...OTelOption) live.Middleware {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}
	config.tracer = otel.Tracer(config.TracerName)

	return func(next live.Handler) live.Handler {
		return func(ctx context.Context, c *live.Connection, ev *protocol.ClientEvent) error {
			if config.Filter != nil && !config.Filter(ev) {
				return next(ctx, c, ev)
			}

			attrs := []attribute.KeyValue{
				attribute.String("jamlink.event_type", ev.Type),
				attribute.String("jamlink.conn_id", c.ConnID()),
				attribute.String("jamlink.group_id", c.GroupID()),
			}
			if config.IncludeUserID {
				attrs = append(attrs, attribute.String("jamlink.user_id", c.UserID()))
			}

			spanCtx, span := config.tracer.Start(ctx, "jamlink."+ev.Type,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			err := next(spanCtx, c, ev)

			if err != nil {
				span.RecordError(err)
				var cmdErr *live.CommandError
				if errors.As(err, &cmdErr) {
					span.SetAttributes(attribute.String("jamlink.error_code", cmdErr.Code))
				}
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}

			return err
		}
	}
}
