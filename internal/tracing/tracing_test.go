package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartEnd_ExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, InitWithExporter("hr-approvals", "test", exporter))

	_, ok := Start(context.Background(), "approval.SubmitDecision", map[string]string{"kind": "leave"})
	End(ok, nil)
	_, failed := Start(context.Background(), "dispatch.notify", nil)
	End(failed, errors.New("nats down"))

	require.NoError(t, provider.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "approval.SubmitDecision", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "nats down", spans[1].Status.Description)
	require.Len(t, spans[0].Attributes, 1)
	assert.Equal(t, "leave", spans[0].Attributes[0].Value.AsString())

	require.NoError(t, Shutdown(context.Background()))
}
