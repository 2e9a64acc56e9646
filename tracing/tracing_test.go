package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTracingFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "spans.txt")

	require.NoError(t, Init("regula", "0.0.1", fname))

	ctx, span := StartSpan(context.Background(), "rule.execute", "INTERNAL")
	span.WithAttributes(map[string]string{"rule": "r1"})
	EndSpan(span, nil)
	_ = ctx

	data, err := os.ReadFile(fname)
	require.NoError(t, err)
	require.NotEmpty(t, data)
}
