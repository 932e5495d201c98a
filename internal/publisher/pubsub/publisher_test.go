package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type summary struct {
	RunID string `json:"run_id"`
}

func (s summary) Attributes() map[string]string {
	return map[string]string{"run_id": s.RunID}
}

func TestBuildMessageCarriesAttributesAndTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	msg, err := buildMessage(ctx, summary{RunID: "r1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"run_id":"r1"}`, string(msg.Data))
	require.Equal(t, "r1", msg.Attributes["run_id"])
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", msg.Attributes["traceparent"])
}

func TestBuildMessageRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := buildMessage(context.Background(), make(chan int))
	require.Error(t, err)
}

func TestPublishRequiresPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "runs", summary{})
	require.Error(t, err)
}

func TestCarrierKeys(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("a", "1")
	require.Equal(t, "1", c.Get("a"))
	require.Equal(t, []string{"a"}, c.Keys())
}

func TestDialRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), "project", "", nil)
	require.Error(t, err)
}
