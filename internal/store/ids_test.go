package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klahnakoski/infinite-queue/internal/dbtest"
)

func TestNextIDIsMonotonicAndUnique(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)

	seen := make(map[int64]bool)
	var prev int64 = -1
	for i := 0; i < 20; i++ {
		id, err := db.NextID(ctx)
		require.NoErrorf(t, err, "next id %d", i)
		require.Falsef(t, seen[id], "id %d allocated twice", id)
		seen[id] = true
		require.Greaterf(t, id, prev, "expected strictly increasing ids")
		prev = id
	}
}
