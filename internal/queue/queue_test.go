package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func rows(contents ...string) []hotRow {
	out := make([]hotRow, len(contents))
	for i, c := range contents {
		out[i] = hotRow{Serial: int64(i + 1), Content: c}
	}
	return out
}

func TestPackBlocksGroupsUnderBound(t *testing.T) {
	// "ab" + "cd" = 3+3 = 6 bytes (content+newline each), fits a bound of 6;
	// a third row would exceed it and starts a new block.
	blocks := packBlocks(rows("ab", "cd", "ef"), 6)
	require.Len(t, blocks, 2)
	require.Len(t, blocks[0].lines, 2, "expected the first block to hold 2 rows")
	require.Len(t, blocks[1].lines, 1)
	require.True(t, blocks[1].isTail, "expected a single-row tail block")
}

func TestPackBlocksZeroBoundProducesOneRowBlocks(t *testing.T) {
	// "A zero block_size_bytes produces one-row blocks" (spec.md §4.3) —
	// every row already exceeds the bound, so even the final block is
	// full rather than tail, authorising reclamation of all of them.
	blocks := packBlocks(rows("a", "b", "c"), 0)
	require.Len(t, blocks, 3, "expected one block per row under a zero bound")
	for i, blk := range blocks {
		require.Lenf(t, blk.lines, 1, "block %d: expected exactly one row", i)
		require.Falsef(t, blk.isTail, "block %d: a row that doesn't fit under the bound is never a tail", i)
	}
}

func TestPackBlocksEmptyInput(t *testing.T) {
	require.Empty(t, packBlocks(nil, 100))
}

func TestPackBlocksSingleRowFitsAsTail(t *testing.T) {
	blocks := packBlocks(rows("only"), 100)
	require.Len(t, blocks, 1)
	require.True(t, blocks[0].isTail)
}
