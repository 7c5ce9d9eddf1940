package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	require.NoError(t, Init("mailmule-test", "0.0.0"))
	require.NoError(t, Init("other-name", "9.9.9"))
}

func TestStartSpanMirrorsTraceID(t *testing.T) {
	require.NoError(t, Init("mailmule-test", "0.0.0"))

	ctx, span := StartSpan(context.Background(), "mailmule.test", "test.op")
	defer span.End()

	require.True(t, span.SpanContext().IsValid())
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
}

func TestStartSpanKeepsExistingTraceID(t *testing.T) {
	require.NoError(t, Init("mailmule-test", "0.0.0"))

	ctx := WithTraceID(context.Background(), "preset")
	ctx, span := StartSpan(ctx, "mailmule.test", "test.op")
	defer span.End()

	assert.Equal(t, "preset", GetTraceID(ctx))
}
