package backing

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectoryBackingRoundTrip(t *testing.T) {
	d := NewDirectoryBacking(t.TempDir())
	ctx := context.Background()

	lines := []string{`{"a":1}`, `{"a":2}`}
	require.NoError(t, d.WriteLines(ctx, "q/2020/01/01/1", lines))

	got, err := d.ReadLines(ctx, "q/2020/01/01/1")
	require.NoError(t, err)
	require.Equal(t, lines, got)
}

func TestDirectoryBackingOverwritesSameKey(t *testing.T) {
	d := NewDirectoryBacking(t.TempDir())
	ctx := context.Background()

	require.NoError(t, d.WriteLines(ctx, "q/2020/01/01/1", []string{"a"}))
	require.NoError(t, d.WriteLines(ctx, "q/2020/01/01/1", []string{"a", "b"}))

	got, err := d.ReadLines(ctx, "q/2020/01/01/1")
	require.NoError(t, err)
	require.Len(t, got, 2, "expected the rewrite to replace the file's contents")
}

func TestDirectoryBackingURLIsFileScheme(t *testing.T) {
	d := NewDirectoryBacking(t.TempDir())
	url := d.URL("q/2020/01/01/1")
	require.True(t, strings.HasPrefix(url, "file://"), "expected a file:// URL, got %s", url)
}
