package broker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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
	b := broker.New(db, backing.NewDirectoryBacking(t.TempDir()), c)
	return b, c
}

// Scenario 1: push/pop/confirm round trip, §8.
func TestPushPopConfirmRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, _ := newBroker(t)

	q, err := b.GetOrCreateQueue(ctx, "test1", broker.DefaultBlockSizeMB)
	require.NoError(t, err)
	serial, err := q.Push(ctx, `{"a":1,"b":2}`)
	require.NoError(t, err)
	require.Equal(t, int64(1), serial, "expected first serial to be 1")

	sub, err := b.GetSubscriber(ctx, "test1")
	require.NoError(t, err)
	gotSerial, content, err := sub.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), gotSerial)
	require.Contains(t, content, `"a":1`)

	require.NoError(t, sub.Confirm(ctx, gotSerial))
	require.NoError(t, q.Flush(ctx))
}

// Scenario 2: repeat-until-confirm with a zero-delay replayer, §8.
func TestRepeatUntilConfirm(t *testing.T) {
	ctx := context.Background()
	b, _ := newBroker(t)

	q, err := b.GetOrCreateQueue(ctx, "test2", broker.DefaultBlockSizeMB)
	require.NoError(t, err)
	_, err = q.Push(ctx, `{"a":1}`)
	require.NoError(t, err)

	replayer, err := b.Replay(ctx, "test2", 0, 1, broker.DefaultLookAheadSerial)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		serial, _, err := replayer.Pop(ctx)
		require.NoErrorf(t, err, "pop %d", i)
		require.Equalf(t, int64(1), serial, "pop %d: expected serial 1 every time", i)
	}

	require.NoError(t, replayer.Confirm(ctx, 1))
	serial, _, err := replayer.Pop(ctx)
	require.NoError(t, err)
	require.Zero(t, serial, "expected no more messages after confirm")
}

// Scenario 5: cold rehydration after a full drain, §8.
func TestColdRehydrationAfterFullDrain(t *testing.T) {
	ctx := context.Background()
	b, c := newBroker(t)

	q, err := b.GetOrCreateQueue(ctx, "test5", 0)
	require.NoError(t, err)
	// The queue's auto-created default subscriber (§4.5) starts with
	// look_ahead_serial=1000 and would otherwise pin every message in
	// this test's range; scenarios 3/4 make the same adjustment
	// explicitly ("set default subscriber's look_ahead_serial=0").
	defaultSub, err := b.GetSubscriber(ctx, "test5")
	require.NoError(t, err)
	require.NoError(t, defaultSub.SetLookAhead(ctx, 0))

	_, err = q.Push(ctx, `{"n":1}`)
	require.NoError(t, err)
	_, err = q.Push(ctx, `{"n":2}`)
	require.NoError(t, err)

	a, err := b.Replay(ctx, "test5", 0, 1, 0)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		serial, _, err := a.Pop(ctx)
		require.NoErrorf(t, err, "A pop %d", i)
		require.NoErrorf(t, a.Confirm(ctx, serial), "A confirm %d", i)
	}

	require.NoError(t, q.Flush(ctx))

	c.Advance(2 * time.Minute)
	sweeper := sweep.New(b.DB(), b, c, time.Minute)
	require.NoError(t, sweeper.Sweep(ctx))

	bCursor, err := b.Replay(ctx, "test5", 0, 1, 0)
	require.NoError(t, err)
	serial, content, err := bCursor.Pop(ctx)
	require.NoError(t, err, "B pop (rehydrated)")
	require.Equal(t, int64(1), serial, "expected B to receive rehydrated serial 1")
	require.Contains(t, content, `"n":1`)
}

// Scenario 6: monotonic, gap-free serials under concurrent producers, §8.
func TestMonotonicSerialsUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	b, _ := newBroker(t)

	q, err := b.GetOrCreateQueue(ctx, "test6", broker.DefaultBlockSizeMB)
	require.NoError(t, err)

	const producers = 4
	const perProducer = 10

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	errs := make(chan error, producers*perProducer)

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				serial, err := q.Push(ctx, `{}`)
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				seen[serial] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err, "concurrent push failed")
	}

	require.Len(t, seen, producers*perProducer)
	for s := int64(1); s <= producers*perProducer; s++ {
		require.Truef(t, seen[s], "missing serial %d: serials must be gap-free", s)
	}
}
