package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPropagateToLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithSessionKey(ctx, "USER_9")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"trace-1"`) {
		t.Errorf("Expected trace_id in %s", out)
	}
	if !strings.Contains(out, `"session_key":"USER_9"`) {
		t.Errorf("Expected session_key in %s", out)
	}
	if strings.Contains(out, "op_id") {
		t.Errorf("Did not expect op_id in %s", out)
	}
}

func TestMergeContext(t *testing.T) {
	source := WithTraceID(context.Background(), "source-trace")
	source = WithSessionKey(source, "USER_1")

	target := WithTraceID(context.Background(), "target-trace")
	merged := MergeContext(target, source)

	if GetTraceID(merged) != "target-trace" {
		t.Error("MergeContext must not overwrite existing values")
	}
	if GetSessionKey(merged) != "USER_1" {
		t.Error("MergeContext must copy missing values")
	}
}

func TestDetach(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	ctx = WithTraceID(ctx, "trace-2")
	cancel()

	detached := Detach(context.Background(), ctx)
	if detached.Err() != nil {
		t.Error("Detached context must not inherit cancellation")
	}
	if GetTraceID(detached) != "trace-2" {
		t.Error("Detached context must keep tracing values")
	}
}
