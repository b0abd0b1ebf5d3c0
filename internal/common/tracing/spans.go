package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	httpTracerName    = "router-http"
	turnTracerName    = "router-turn"
	channelTracerName = "router-channel"
	mcpTracerName     = "router-mcp"
)

// TraceHTTPRequest starts a span for an inbound or outbound HTTP call.
// Caller must call span.End() when the response is received.
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	ctx, span := Tracer(httpTracerName).Start(ctx, "http."+method+" "+path,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
	return ctx, span
}

// TraceHTTPResponse records response attributes on the span.
func TraceHTTPResponse(span trace.Span, statusCode int, err error) {
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceTurn creates a span covering one conversational turn: inbound
// message receipt through agent-runtime dispatch and reply delivery.
// The caller must call span.End() when the turn completes.
func TraceTurn(ctx context.Context, userID, channel, agentSessionID string) (context.Context, trace.Span) {
	ctx, span := Tracer(turnTracerName).Start(ctx, "turn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("channel", channel),
		attribute.String("agent_session_id", agentSessionID),
	)
	return ctx, span
}

// TraceTurnEnd records the outcome of a turn on its span.
func TraceTurnEnd(span trace.Span, stopReason string, err error) {
	span.SetAttributes(attribute.String("stop_reason", stopReason))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceChannelDelivery creates a span for a single outbound send to a
// channel adapter (WeWork API call, WebSocket push, ...).
func TraceChannelDelivery(ctx context.Context, channel, userID, kind string) (context.Context, trace.Span) {
	ctx, span := Tracer(channelTracerName).Start(ctx, "channel.send."+channel,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("channel", channel),
		attribute.String("user_id", userID),
		attribute.String("kind", kind),
	)
	return ctx, span
}

// TraceChannelResult records the outcome of an outbound delivery on its span.
func TraceChannelResult(span trace.Span, ok bool, errMsg string) {
	span.SetAttributes(attribute.Bool("ok", ok))
	if !ok {
		span.SetStatus(codes.Error, errMsg)
	}
}

// TraceMCPDispatch starts a span for an MCP tool invocation.
// Caller must call span.End() when the dispatch completes.
func TraceMCPDispatch(ctx context.Context, toolName string) (context.Context, trace.Span) {
	ctx, span := Tracer(mcpTracerName).Start(ctx, "mcp.dispatch."+toolName,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(attribute.String("mcp.tool", toolName))
	return ctx, span
}

// TraceMCPResponse records the result of an MCP dispatch on the span.
func TraceMCPResponse(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
