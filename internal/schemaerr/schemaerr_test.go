package schemaerr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsViolation(t *testing.T) {
	err := New("Queue.BlockFor", "no block indexes serial %d", 42)
	require.True(t, IsViolation(err), "expected New() to produce a Violation")
	require.False(t, IsViolation(NewUnsupported("Broker.DeleteQueue", "not supported")),
		"Unsupported must not be classified as a Violation")
}

func TestViolationMessage(t *testing.T) {
	err := New("Queue.BlockFor", "no block indexes serial %d", 42)
	require.NotEmpty(t, err.Error())
}
