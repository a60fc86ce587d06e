package queue

import (
	"context"

	"go.opentelemetry.io/otel"
)

// HeaderCarrier adapts message headers to propagation.TextMapCarrier.
type HeaderCarrier map[string]string

// Get returns the value for key.
func (c HeaderCarrier) Get(key string) string { return c[key] }

// Set stores value under key.
func (c HeaderCarrier) Set(key, value string) { c[key] = value }

// Keys lists the carried keys.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectTrace writes the span context from ctx into msg.Headers.
func InjectTrace(ctx context.Context, msg *Message) {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(msg.Headers))
}

// ExtractTrace returns ctx with any span context carried in msg.Headers.
func ExtractTrace(ctx context.Context, msg Message) context.Context {
	if len(msg.Headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(msg.Headers))
}
