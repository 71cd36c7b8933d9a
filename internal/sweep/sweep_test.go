package sweep_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/klahnakoski/infinite-queue/internal/backing"
	"github.com/klahnakoski/infinite-queue/internal/broker"
	"github.com/klahnakoski/infinite-queue/internal/clock"
	"github.com/klahnakoski/infinite-queue/internal/dbtest"
	"github.com/klahnakoski/infinite-queue/internal/sweep"
)

func newBroker(t *testing.T) (*broker.Broker, *clock.Fixed) {
	t.Helper()
	db := dbtest.New(t)
	c := clock.NewFixed(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return broker.New(db, backing.NewDirectoryBacking(t.TempDir()), c), c
}

// hotMessageExists checks the Message relation directly, bypassing
// Subscription.Pop's transparent rehydration — scenario 4 asserts the
// *hot* row is gone, not that the serial is unreadable altogether (a
// flushed-but-reclaimed row is still recoverable from its cold block).
func hotMessageExists(ctx context.Context, t *testing.T, b *broker.Broker, queueID, serial int64) bool {
	t.Helper()
	var count int64
	err := b.DB().WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		return tx.Raw(`SELECT count(*) FROM iq_message WHERE queue = ? AND serial = ?`, queueID, serial).
			Scan(&count).Error
	})
	require.NoError(t, err, "probe message existence")
	return count > 0
}

// Scenario 3: a zero block-size queue retains its only message until the
// default subscriber's look-ahead shrinks and it confirms, §8.
func TestZeroBlockSizeLifecycle(t *testing.T) {
	ctx := context.Background()
	b, c := newBroker(t)

	q, err := b.GetOrCreateQueue(ctx, "test3", 0)
	require.NoError(t, err)
	_, err = q.Push(ctx, `{"n":1}`)
	require.NoError(t, err)

	sweeper := sweep.New(b.DB(), b, c, time.Minute)
	c.Advance(2 * time.Minute)
	require.NoError(t, q.Flush(ctx))
	require.NoError(t, sweeper.Sweep(ctx), "sweep (default look-ahead still covers it)")
	require.True(t, hotMessageExists(ctx, t, b, q.ID(), 1),
		"expected the message to be retained: default subscriber's look-ahead still covers it")

	defaultSub, err := b.GetSubscriber(ctx, "test3")
	require.NoError(t, err)
	require.NoError(t, defaultSub.SetLookAhead(ctx, 0))

	serial, _, err := defaultSub.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), serial, "expected to pop serial 1")

	c.Advance(2 * time.Minute)
	require.NoError(t, q.Flush(ctx))
	require.NoError(t, sweeper.Sweep(ctx), "sweep (still outstanding)")
	require.True(t, hotMessageExists(ctx, t, b, q.ID(), 1),
		"expected the message to be retained: its Unconfirmed row still holds it")

	require.NoError(t, defaultSub.Confirm(ctx, serial))
	c.Advance(2 * time.Minute)
	require.NoError(t, q.Flush(ctx))
	require.NoError(t, sweeper.Sweep(ctx), "sweep (should reclaim)")
	require.False(t, hotMessageExists(ctx, t, b, q.ID(), 1),
		"expected the confirmed, cold-flushed message to be reclaimed")
}

// Scenario 4: two replayers confirming at different paces each pin the
// rows the other has not yet acknowledged, §8.
func TestTwoSubscribersShareRetention(t *testing.T) {
	ctx := context.Background()
	b, c := newBroker(t)

	q, err := b.GetOrCreateQueue(ctx, "test4", 0)
	require.NoError(t, err)
	defaultSub, err := b.GetSubscriber(ctx, "test4")
	require.NoError(t, err)
	require.NoError(t, defaultSub.SetLookAhead(ctx, 0))

	_, err = q.Push(ctx, `{"n":1}`)
	require.NoError(t, err)
	_, err = q.Push(ctx, `{"n":2}`)
	require.NoError(t, err)

	a, err := b.Replay(ctx, "test4", 0, 1, 0)
	require.NoError(t, err)
	bSub, err := b.Replay(ctx, "test4", 0, 1, 0)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		serial, _, err := a.Pop(ctx)
		require.NoErrorf(t, err, "A pop %d", i)
		require.NoErrorf(t, a.Confirm(ctx, serial), "A confirm %d", i)
	}

	// B has delivered (popped) both messages but confirmed only the
	// first, so serial 2 stays pinned by B's outstanding Unconfirmed row
	// — not by look-ahead, which both replayers run with at 0.
	for i := 0; i < 2; i++ {
		got, _, err := bSub.Pop(ctx)
		require.NoErrorf(t, err, "B pop %d", i)
		require.Equalf(t, int64(i+1), got, "B pop %d", i)
	}
	require.NoError(t, bSub.Confirm(ctx, 1))

	require.NoError(t, q.Flush(ctx))
	c.Advance(2 * time.Minute)
	sweeper := sweep.New(b.DB(), b, c, time.Minute)
	require.NoError(t, sweeper.Sweep(ctx))

	require.False(t, hotMessageExists(ctx, t, b, q.ID(), 1),
		"expected serial 1 to be reclaimed: both subscribers confirmed it")
	require.True(t, hotMessageExists(ctx, t, b, q.ID(), 2),
		"expected serial 2 to be retained: B has not confirmed it")
}
