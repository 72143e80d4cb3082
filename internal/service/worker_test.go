package service

import (
	"context"
	"errors"
	"sync"
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
	"github.com/unclebandit/alert-relay/internal/telegram"
)

const (
	primaryChat   int64 = -1001
	secondaryChat int64 = -1002
)

type staticWindow struct {
	chatID int64
	active bool
	err    error
}

func (s staticWindow) ActiveSecondary(ctx context.Context) (int64, bool, error) {
	return s.chatID, s.active, s.err
}

type workerFixture struct {
	worker    *Worker
	queue     *queue.InMemoryQueue
	transport *MockTransport
	votes     *MockVoteRepo
	history   *MockDeliveries
	clock     *fakeClock
	limiter   *limiter.RateLimiter
	metrics   *metrics.Metrics

	mu     sync.Mutex
	sleeps []time.Duration
}

func newWorkerFixture(t *testing.T, sendsPerMinute int, window SecondaryWindow) *workerFixture {
	t.Helper()
	f := &workerFixture{
		queue:     queue.NewInMemoryQueue(10, 0),
		transport: &MockTransport{},
		votes:     NewMockVoteRepo(),
		history:   &MockDeliveries{},
		clock:     newFakeClock(),
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	f.limiter = limiter.NewRateLimiter(sendsPerMinute, f.clock.Now)

	f.worker = NewWorker(WorkerConfig{
		PrimaryChatID:  primaryChat,
		SendDelay:      time.Second,
		RetryAttempts:  3,
		RetryDelayBase: 2 * time.Second,
	}, WorkerDeps{
		Queue:      f.queue,
		Transport:  f.transport,
		Limiter:    f.limiter,
		Votes:      f.votes,
		Schedule:   window,
		Keyboards:  testRenderer("fa"),
		Deliveries: f.history,
		Log:        logging.Discard(),
		Metrics:    f.metrics,
	})
	f.worker.now = f.clock.Now
	f.worker.jitter = func(time.Duration) time.Duration { return 0 }
	f.worker.sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		f.clock.Advance(d)
		return ctx.Err()
	}
	return f
}

func (f *workerFixture) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func testItem(fp string) *model.OutboundItem {
	return &model.OutboundItem{
		ID:           "item-" + fp,
		Text:         "⚡️ <code>ABC123</code>",
		ChartURL:     "https://mevx.io/solana/ABC123",
		TokenAddress: "ABC123",
		Fingerprint:  fp,
		Status:       model.StatusPending,
	}
}

func TestDeliver_PermissionErrorSingleAttempt(t *testing.T) {
	f := newWorkerFixture(t, 100, nil)
	f.transport.errFor = func(int64, int) error {
		return &telegram.APIError{Code: 403, Description: "Forbidden: bot is not a member of the channel chat"}
	}

	item := testItem("fp1")
	outcome := f.worker.Deliver(context.Background(), item)

	assert.Equal(t, OutcomeNonRetryable, outcome)
	assert.Equal(t, 1, f.transport.CallsTo(primaryChat))
	assert.Equal(t, model.StatusFailed, item.Status)
	_, registered := f.votes.Registration(model.ItemRef{ChatID: primaryChat, MessageID: 1})
	assert.False(t, registered)
}

func TestDeliver_ContentErrorSingleAttempt(t *testing.T) {
	f := newWorkerFixture(t, 100, nil)
	f.transport.errFor = func(int64, int) error {
		return &telegram.APIError{Code: 400, Description: "Bad Request: can't parse entities"}
	}

	assert.Equal(t, OutcomeNonRetryable, f.worker.Deliver(context.Background(), testItem("fp1")))
	assert.Equal(t, 1, f.transport.CallsTo(primaryChat))
}

func TestDeliver_TransientErrorExhaustsRetries(t *testing.T) {
	f := newWorkerFixture(t, 100, nil)
	f.transport.errFor = func(int64, int) error {
		return &telegram.APIError{Code: 502, Description: "Bad Gateway"}
	}

	item := testItem("fp1")
	outcome := f.worker.Deliver(context.Background(), item)

	assert.Equal(t, OutcomeExhausted, outcome)
	assert.Equal(t, 3, f.transport.CallsTo(primaryChat))
	assert.Equal(t, model.StatusExhausted, item.Status)
	assert.Equal(t, 3, item.RetryCount)

	// Attempt delay before each try, linear backoff between tries.
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second,
		time.Second, 4 * time.Second,
		time.Second,
	}, f.Sleeps())
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.DeliveryAttempts.WithLabelValues(DestinationPrimary, "transient")))
}

func TestDeliver_UnclassifiedErrorIsRetried(t *testing.T) {
	f := newWorkerFixture(t, 100, nil)
	f.transport.errFor = func(_ int64, attempt int) error {
		if attempt < 3 {
			return errors.New("something odd")
		}
		return nil
	}

	assert.Equal(t, OutcomeSent, f.worker.Deliver(context.Background(), testItem("fp1")))
	assert.Equal(t, 3, f.transport.CallsTo(primaryChat))
}

func TestDeliver_RetryAfterExtendsBackoff(t *testing.T) {
	f := newWorkerFixture(t, 100, nil)
	f.transport.errFor = func(_ int64, attempt int) error {
		if attempt == 1 {
			return &telegram.APIError{Code: 429, Description: "Too Many Requests", RetryAfter: 30 * time.Second}
		}
		return nil
	}

	assert.Equal(t, OutcomeSent, f.worker.Deliver(context.Background(), testItem("fp1")))
	assert.Contains(t, f.Sleeps(), 30*time.Second)
}

func TestDeliver_SentRegistersAndGuardsResend(t *testing.T) {
	f := newWorkerFixture(t, 100, nil)
	ctx := context.Background()

	item := testItem("fp1")
	require.Equal(t, OutcomeSent, f.worker.Deliver(ctx, item))
	assert.Equal(t, model.StatusSent, item.Status)

	reg, ok := f.votes.Registration(model.ItemRef{ChatID: primaryChat, MessageID: 1})
	require.True(t, ok)
	assert.Equal(t, "ABC123", reg.TokenAddress)
	assert.Equal(t, "https://mevx.io/solana/ABC123", reg.ChartURL)

	// The keyboard carries zero votes on first delivery.
	kb := f.transport.Calls()[0].KB
	assert.Equal(t, "🟢 (0)", kb[len(kb)-1][0].Text)

	assert.Equal(t, OutcomeAlreadySent, f.worker.Deliver(ctx, testItem("fp1")))
	assert.Len(t, f.transport.Calls(), 1)

	// The guard expires after the retention window.
	f.clock.Advance(DefaultSentRetention)
	assert.Equal(t, OutcomeSent, f.worker.Deliver(ctx, testItem("fp1")))
}

func TestDeliver_SecondaryWindowActive(t *testing.T) {
	f := newWorkerFixture(t, 100, staticWindow{chatID: secondaryChat, active: true})

	require.Equal(t, OutcomeSent, f.worker.Deliver(context.Background(), testItem("fp1")))
	assert.Equal(t, 1, f.transport.CallsTo(primaryChat))
	assert.Equal(t, 1, f.transport.CallsTo(secondaryChat))

	_, ok := f.votes.Registration(model.ItemRef{ChatID: secondaryChat, MessageID: 2})
	assert.True(t, ok)
}

func TestDeliver_SecondaryWindowInactive(t *testing.T) {
	f := newWorkerFixture(t, 100, staticWindow{chatID: secondaryChat, active: false})

	require.Equal(t, OutcomeSent, f.worker.Deliver(context.Background(), testItem("fp1")))
	assert.Equal(t, 0, f.transport.CallsTo(secondaryChat))
}

func TestDeliver_SecondaryFailureIsolated(t *testing.T) {
	f := newWorkerFixture(t, 100, staticWindow{chatID: secondaryChat, active: true})
	f.transport.errFor = func(chatID int64, _ int) error {
		if chatID == secondaryChat {
			return &telegram.APIError{Code: 504, Description: "Gateway Timeout"}
		}
		return nil
	}

	item := testItem("fp1")
	assert.Equal(t, OutcomeSent, f.worker.Deliver(context.Background(), item))
	assert.Equal(t, model.StatusSent, item.Status)
	assert.Equal(t, 3, f.transport.CallsTo(secondaryChat))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeliveryOutcomes.WithLabelValues(DestinationSecondary, "exhausted")))
}

func TestDeliver_SecondaryWaitsForDeliveryLimit(t *testing.T) {
	f := newWorkerFixture(t, 1, staticWindow{chatID: secondaryChat, active: true})

	assert.Equal(t, OutcomeSent, f.worker.Deliver(context.Background(), testItem("fp1")))

	assert.Equal(t, 1, f.transport.CallsTo(primaryChat))
	assert.Equal(t, 1, f.transport.CallsTo(secondaryChat))
	assert.Equal(t, []time.Duration{time.Second, limiter.Window - time.Second, time.Second}, f.Sleeps())
	assert.Equal(t, 1, f.limiter.Count())
}

func TestDeliver_SecondaryWaitCancelled(t *testing.T) {
	f := newWorkerFixture(t, 1, staticWindow{chatID: secondaryChat, active: true})
	ctx, cancel := context.WithCancel(context.Background())
	f.transport.onSend = cancel

	assert.Equal(t, OutcomeSent, f.worker.Deliver(ctx, testItem("fp1")))
	assert.Equal(t, 0, f.transport.CallsTo(secondaryChat))
}

func TestDeliver_RecordsTerminalOutcomes(t *testing.T) {
	f := newWorkerFixture(t, 100, staticWindow{chatID: secondaryChat, active: true})
	f.transport.errFor = func(chatID int64, _ int) error {
		if chatID == secondaryChat {
			return &telegram.APIError{Code: 504, Description: "Gateway Timeout"}
		}
		return nil
	}

	item := testItem("fp1")
	require.Equal(t, OutcomeSent, f.worker.Deliver(context.Background(), item))

	recs := f.history.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, DestinationPrimary, recs[0].Destination)
	assert.Equal(t, model.StatusSent, recs[0].Status)
	assert.Equal(t, primaryChat, recs[0].ChatID)
	assert.Equal(t, int64(1), recs[0].MessageID)
	assert.Equal(t, 1, recs[0].RetryCount)
	assert.Empty(t, recs[0].LastError)

	assert.Equal(t, DestinationSecondary, recs[1].Destination)
	assert.Equal(t, model.StatusExhausted, recs[1].Status)
	assert.Equal(t, 3, recs[1].RetryCount)
	assert.Contains(t, recs[1].LastError, "Gateway Timeout")
	assert.Equal(t, "item-fp1", recs[1].ItemID)
}

func TestDeliver_RecordingFailureKeepsSent(t *testing.T) {
	f := newWorkerFixture(t, 100, nil)
	f.history.err = appErrors.NewPersistence("record delivery", errors.New("locked"))

	assert.Equal(t, OutcomeSent, f.worker.Deliver(context.Background(), testItem("fp1")))
	assert.Len(t, f.history.Records(), 1)
}

func TestDeliver_CancelledIsNotRecorded(t *testing.T) {
	f := newWorkerFixture(t, 100, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, OutcomeCancelled, f.worker.Deliver(ctx, testItem("fp1")))
	assert.Empty(t, f.history.Records())
}

func TestDeliver_SecondaryScheduleErrorIsolated(t *testing.T) {
	f := newWorkerFixture(t, 100, staticWindow{err: errors.New("db down")})
	assert.Equal(t, OutcomeSent, f.worker.Deliver(context.Background(), testItem("fp1")))
}

func TestDeliver_RegistrationFailureKeepsSent(t *testing.T) {
	f := newWorkerFixture(t, 100, nil)
	f.votes.err = appErrors.NewPersistence("register item", errors.New("locked"))

	assert.Equal(t, OutcomeSent, f.worker.Deliver(context.Background(), testItem("fp1")))
}

func TestDeliver_DeferredWhenLimiterSaturated(t *testing.T) {
	f := newWorkerFixture(t, 1, nil)
	f.limiter.RecordSuccess()

	item := testItem("fp1")
	outcome := f.worker.Deliver(context.Background(), item)

	assert.Equal(t, OutcomeDeferred, outcome)
	assert.Empty(t, f.transport.Calls())
	assert.Equal(t, 1, f.queue.Len())

	requeued, err := f.queue.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, item, requeued)
	f.queue.Done()

	assert.Equal(t, []time.Duration{limiter.Window}, f.Sleeps())
}

func TestDeliver_WaitsInPlaceWhenQueueFull(t *testing.T) {
	f := newWorkerFixture(t, 1, nil)
	f.worker.queue = queue.NewInMemoryQueue(1, 0)
	require.NoError(t, f.worker.queue.TryPut(testItem("other")))
	f.limiter.RecordSuccess()

	outcome := f.worker.Deliver(context.Background(), testItem("fp1"))

	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, 1, f.transport.CallsTo(primaryChat))
	assert.Equal(t, 1, f.worker.queue.Len())
}

func TestDeliver_CancelledContext(t *testing.T) {
	f := newWorkerFixture(t, 100, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, OutcomeCancelled, f.worker.Deliver(ctx, testItem("fp1")))
	assert.Empty(t, f.transport.Calls())
}

func TestWorker_RunMarksEveryItemDone(t *testing.T) {
	f := newWorkerFixture(t, 100, nil)

	var wg sync.WaitGroup
	wg.Add(3)
	f.transport.onSend = wg.Done
	f.transport.errFor = func(_ int64, attempt int) error {
		if attempt == 2 {
			return &telegram.APIError{Code: 403, Description: "Forbidden"}
		}
		return nil
	}

	ctx := context.Background()
	for _, fp := range []string{"a", "b", "c"} {
		require.NoError(t, f.queue.Put(ctx, testItem(fp)))
	}

	f.worker.Start(ctx)
	wg.Wait()

	joinCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.queue.Join(joinCtx))
	f.worker.Stop()

	assert.Equal(t, 0, f.queue.Unfinished())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeliveryOutcomes.WithLabelValues(DestinationPrimary, "non_retryable")))
}

func TestWorker_RunRecoversFromPanic(t *testing.T) {
	f := newWorkerFixture(t, 100, nil)
	f.transport.errFor = func(_ int64, attempt int) error {
		if attempt == 1 {
			panic("transport exploded")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.queue.Put(ctx, testItem("a")))
	require.NoError(t, f.queue.Put(ctx, testItem("b")))

	f.worker.Start(ctx)
	joinCtx, joinCancel := context.WithTimeout(ctx, 2*time.Second)
	defer joinCancel()
	require.NoError(t, f.queue.Join(joinCtx))
	f.worker.Stop()

	assert.Equal(t, 2, f.transport.CallsTo(primaryChat))
	assert.Contains(t, f.Sleeps(), 5*time.Second)
}

func TestWorker_FatalErrorStopsSender(t *testing.T) {
	f := newWorkerFixture(t, 100, nil)
	f.transport.errFor = func(int64, int) error {
		return &telegram.APIError{Code: 401, Description: "Unauthorized"}
	}

	ctx := context.Background()
	require.NoError(t, f.queue.Put(ctx, testItem("a")))
	require.NoError(t, f.queue.Put(ctx, testItem("b")))

	err := f.worker.Run(ctx)
	require.ErrorIs(t, err, appErrors.ErrSenderStopped)
	assert.Equal(t, 1, f.transport.CallsTo(primaryChat))
	// The second item stays queued and accounted for.
	assert.Equal(t, 1, f.queue.Unfinished())
}
