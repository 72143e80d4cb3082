package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/limiter"
	"github.com/unclebandit/alert-relay/internal/logging"
	"github.com/unclebandit/alert-relay/internal/metrics"
	"github.com/unclebandit/alert-relay/internal/model"
	"github.com/unclebandit/alert-relay/internal/queue"
)

type relayFixture struct {
	relay   *RelayService
	queue   *queue.InMemoryQueue
	clock   *fakeClock
	metrics *metrics.Metrics
}

func newRelayFixture(t *testing.T, perMinute, capacity int) *relayFixture {
	t.Helper()
	clock := newFakeClock()
	q := queue.NewInMemoryQueue(capacity, 0)
	m := metrics.New(prometheus.NewRegistry())

	relay := NewRelayService(RelayDeps{
		Dedup:    limiter.NewDeduplicator(limiter.DedupWindow, clock.Now),
		Limiter:  limiter.NewRateLimiter(perMinute, clock.Now),
		Skipped:  limiter.NewSkipLog(clock.Now),
		Renderer: testRenderer("fa"),
		Queue:    q,
		Log:      logging.Discard(),
		Metrics:  m,
	})
	relay.now = clock.Now
	return &relayFixture{relay: relay, queue: q, clock: clock, metrics: m}
}

func inbound(id int64, text string) model.RawInboundMessage {
	return model.RawInboundMessage{ChatID: -100, MessageID: id, Text: text}
}

// alertFor returns a distinct valid alert card per symbol.
func alertFor(symbol string) string {
	return strings.Replace(sampleAlert, "Foo (FOO)", "Foo ("+symbol+")", 1)
}

func TestHandle_EndToEnd(t *testing.T) {
	f := newRelayFixture(t, 20, 10)
	ctx := context.Background()

	require.NoError(t, f.relay.Handle(ctx, inbound(1, sampleAlert)))
	require.Equal(t, 1, f.queue.Len())

	item, err := f.queue.Get(ctx)
	require.NoError(t, err)
	f.queue.Done()

	assert.Equal(t, "ABC123", item.TokenAddress)
	assert.Contains(t, item.Text, "<code>ABC123</code>")
	assert.Contains(t, item.Text, "1|2|3|0|0|0|0|0|0|0")
	assert.Equal(t, "https://mevx.io/solana/ABC123", item.ChartURL)
	assert.Equal(t, limiter.Fingerprint(item.Text), item.Fingerprint)
	assert.Equal(t, model.StatusPending, item.Status)
	assert.Equal(t, f.clock.Now(), item.EnqueuedAt)
	assert.NotEmpty(t, item.ID)
	assert.Len(t, item.Holders, model.HolderSlots)

	assert.Equal(t, 1, f.relay.Limiter.Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InboundMessages.WithLabelValues(metrics.InboundAccepted)))
}

func TestHandle_DuplicateDropped(t *testing.T) {
	f := newRelayFixture(t, 20, 10)
	ctx := context.Background()

	require.NoError(t, f.relay.Handle(ctx, inbound(1, sampleAlert)))
	assert.ErrorIs(t, f.relay.Handle(ctx, inbound(2, sampleAlert)), appErrors.ErrDuplicate)
	assert.Equal(t, 1, f.queue.Len())

	// The fingerprint expires with the dedup window.
	f.clock.Advance(61 * time.Second)
	require.NoError(t, f.relay.Handle(ctx, inbound(3, sampleAlert)))
	assert.Equal(t, 2, f.queue.Len())
}

func TestHandle_NotApplicableSkipsLimiter(t *testing.T) {
	f := newRelayFixture(t, 1, 10)
	ctx := context.Background()

	require.NoError(t, f.relay.Handle(ctx, inbound(1, alertFor("A"))))
	assert.ErrorIs(t, f.relay.Handle(ctx, inbound(2, "gm everyone")), appErrors.ErrNotApplicable)

	assert.Empty(t, f.relay.SkippedEntries())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InboundMessages.WithLabelValues(metrics.InboundNotApplicable)))
}

func TestHandle_StructuralMismatchDropped(t *testing.T) {
	f := newRelayFixture(t, 20, 10)

	err := f.relay.Handle(context.Background(), inbound(1, "💊 not-an-address!\n┌Foo (FOO)"))
	var mismatch *appErrors.StructuralMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 0, f.relay.Limiter.Count())
}

func TestHandle_IntakeLimitSkipsAndRequeues(t *testing.T) {
	f := newRelayFixture(t, 2, 10)
	ctx := context.Background()

	require.NoError(t, f.relay.Handle(ctx, inbound(1, alertFor("A"))))
	require.NoError(t, f.relay.Handle(ctx, inbound(2, alertFor("B"))))
	assert.ErrorIs(t, f.relay.Handle(ctx, inbound(3, alertFor("C"))), appErrors.ErrRateLimited)

	skipped := f.relay.SkippedEntries()
	require.Len(t, skipped, 1)
	assert.Equal(t, int64(3), skipped[0].Message.MessageID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SkippedMessages))

	// Still saturated: the entry goes back to the log.
	n, err := f.relay.RequeueSkipped(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.relay.SkippedEntries(), 1)

	f.clock.Advance(limiter.Window)
	n, err = f.relay.RequeueSkipped(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.relay.SkippedEntries())
	assert.Equal(t, 3, f.queue.Len())
}

func TestHandle_SkippedEntriesExpire(t *testing.T) {
	f := newRelayFixture(t, 1, 10)
	ctx := context.Background()

	require.NoError(t, f.relay.Handle(ctx, inbound(1, alertFor("A"))))
	require.ErrorIs(t, f.relay.Handle(ctx, inbound(2, alertFor("B"))), appErrors.ErrRateLimited)

	f.clock.Advance(limiter.SkippedTTL)
	assert.Empty(t, f.relay.SkippedEntries())

	n, err := f.relay.RequeueSkipped(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandle_QueueFullNonBlocking(t *testing.T) {
	f := newRelayFixture(t, 20, 1)
	f.relay.NonBlocking = true
	ctx := context.Background()

	require.NoError(t, f.relay.Handle(ctx, inbound(1, alertFor("A"))))
	assert.ErrorIs(t, f.relay.Handle(ctx, inbound(2, alertFor("B"))), appErrors.ErrQueueFull)

	// A dropped item does not count against the intake window.
	assert.Equal(t, 1, f.relay.Limiter.Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InboundMessages.WithLabelValues(metrics.InboundQueueFull)))
}

func TestHandle_WindowResetEnqueuesSkippedFirst(t *testing.T) {
	f := newRelayFixture(t, 1, 10)
	ctx := context.Background()

	require.NoError(t, f.relay.Handle(ctx, inbound(1, alertFor("A"))))
	require.ErrorIs(t, f.relay.Handle(ctx, inbound(2, alertFor("B"))), appErrors.ErrRateLimited)

	f.clock.Advance(limiter.Window)
	require.NoError(t, f.relay.Handle(ctx, inbound(3, alertFor("C"))))

	assert.Equal(t, 3, f.queue.Len())
	assert.Empty(t, f.relay.SkippedEntries())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.SkippedMessages))
	assert.Equal(t, 1, f.relay.Limiter.Count(), "held back messages do not use the new window")

	var symbols []string
	for i := 0; i < 3; i++ {
		item, err := f.queue.Get(ctx)
		require.NoError(t, err)
		f.queue.Done()
		symbols = append(symbols, item.Text)
	}
	assert.Contains(t, symbols[1], "(B)")
	assert.Contains(t, symbols[2], "(C)")

	f.clock.Advance(limiter.SkippedTTL)
	assert.Empty(t, f.relay.SkippedEntries())
}

func TestHandle_WindowResetKeepsSkippedWhenQueueFull(t *testing.T) {
	f := newRelayFixture(t, 1, 1)
	f.relay.NonBlocking = true
	ctx := context.Background()

	require.NoError(t, f.relay.Handle(ctx, inbound(1, alertFor("A"))))
	require.ErrorIs(t, f.relay.Handle(ctx, inbound(2, alertFor("B"))), appErrors.ErrRateLimited)

	f.clock.Advance(limiter.Window)
	assert.ErrorIs(t, f.relay.Handle(ctx, inbound(3, alertFor("C"))), appErrors.ErrQueueFull)

	skipped := f.relay.SkippedEntries()
	require.Len(t, skipped, 1)
	assert.Equal(t, int64(2), skipped[0].Message.MessageID)
}

func TestHandle_RedeliveryAfterQueueFullAccepted(t *testing.T) {
	f := newRelayFixture(t, 20, 1)
	relay := f.relay.WithNonBlocking()
	ctx := context.Background()

	require.NoError(t, relay.Handle(ctx, inbound(1, alertFor("A"))))
	require.ErrorIs(t, relay.Handle(ctx, inbound(2, alertFor("B"))), appErrors.ErrQueueFull)

	_, err := f.queue.Get(ctx)
	require.NoError(t, err)
	f.queue.Done()

	require.NoError(t, relay.Handle(ctx, inbound(2, alertFor("B"))))
	assert.Equal(t, 1, f.queue.Len())
	assert.ErrorIs(t, relay.Handle(ctx, inbound(2, alertFor("B"))), appErrors.ErrDuplicate)

	// The blocking relay shares dedup and limiter state.
	assert.False(t, f.relay.NonBlocking)
	assert.ErrorIs(t, f.relay.Handle(ctx, inbound(1, alertFor("A"))), appErrors.ErrDuplicate)
	assert.Equal(t, 2, f.relay.Limiter.Count())
}

func TestHandle_BlockingPutHonoursContext(t *testing.T) {
	f := newRelayFixture(t, 20, 1)

	require.NoError(t, f.relay.Handle(context.Background(), inbound(1, alertFor("A"))))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.relay.Handle(ctx, inbound(2, alertFor("B")))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.queue.Len())

	// Not enqueued, so not remembered.
	assert.False(t, f.relay.Dedup.Seen(limiter.Fingerprint(alertFor("B"))))
}
