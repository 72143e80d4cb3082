package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/limiter"
	"github.com/unclebandit/alert-relay/internal/metrics"
	"github.com/unclebandit/alert-relay/internal/model"
	"github.com/unclebandit/alert-relay/internal/queue"
)

// Destinations used in logs and metrics.
const (
	DestinationPrimary   = "primary"
	DestinationSecondary = "secondary"
)

// DefaultSentRetention bounds the already-sent fingerprint set.
const DefaultSentRetention = 24 * time.Hour

// Outcome is the terminal state of one Deliver call.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeAlreadySent
	OutcomeDeferred
	OutcomeNonRetryable
	OutcomeExhausted
	OutcomeFatal
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeAlreadySent:
		return "already_sent"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeNonRetryable:
		return "non_retryable"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeFatal:
		return "fatal"
	}
	return "cancelled"
}

// MessageSender is the delivery transport.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID int64, text string, links []model.LinkAnnotation, kb model.Keyboard) (int64, error)
}

// ItemRegistrar records delivered messages in the vote ledger.
type ItemRegistrar interface {
	Register(ctx context.Context, reg model.ItemRegistration) error
}

// SecondaryWindow reports whether the secondary destination is active now.
type SecondaryWindow interface {
	ActiveSecondary(ctx context.Context) (int64, bool, error)
}

// DeliveryRecorder persists terminal delivery outcomes.
type DeliveryRecorder interface {
	Record(ctx context.Context, rec model.DeliveryRecord) error
}

// KeyboardBuilder builds the inline controls attached to each delivery.
type KeyboardBuilder interface {
	Keyboard(tokenAddress, chartURL string, tally model.Tally) model.Keyboard
}

type WorkerConfig struct {
	PrimaryChatID int64

	SendDelay       time.Duration
	SendDelayJitter time.Duration
	// DepthDelay is added per item waiting in the queue.
	DepthDelay time.Duration

	RetryAttempts  int
	RetryDelayBase time.Duration
	RetryJitter    time.Duration

	// ErrorCooldown follows a recovered panic in the loop.
	ErrorCooldown time.Duration
	SentRetention time.Duration
}

// Worker drains the delivery queue, sending each item to the primary
// channel and, while the window is active, to the secondary channel.
type Worker struct {
	cfg       WorkerConfig
	queue     queue.Queue
	transport MessageSender
	limiter   *limiter.RateLimiter
	votes     ItemRegistrar
	schedule  SecondaryWindow
	keyboards KeyboardBuilder
	history   DeliveryRecorder
	log       *slog.Logger
	metrics   *metrics.Metrics

	// Seams for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	jitter func(max time.Duration) time.Duration

	mu   sync.Mutex
	sent map[string]time.Time

	fatal  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// WorkerDeps groups the collaborators of a Worker.
type WorkerDeps struct {
	Queue     queue.Queue
	Transport MessageSender
	Limiter   *limiter.RateLimiter
	Votes     ItemRegistrar
	Schedule  SecondaryWindow
	Keyboards KeyboardBuilder
	// Deliveries is optional.
	Deliveries DeliveryRecorder
	Log        *slog.Logger
	Metrics    *metrics.Metrics
}

func NewWorker(cfg WorkerConfig, deps WorkerDeps) *Worker {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.SentRetention <= 0 {
		cfg.SentRetention = DefaultSentRetention
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = 5 * time.Second
	}
	return &Worker{
		cfg:       cfg,
		queue:     deps.Queue,
		transport: deps.Transport,
		limiter:   deps.Limiter,
		votes:     deps.Votes,
		schedule:  deps.Schedule,
		keyboards: deps.Keyboards,
		history:   deps.Deliveries,
		log:       deps.Log.With("component", "sender"),
		metrics:   deps.Metrics,
		sleep:     queue.Sleep,
		now:       time.Now,
		jitter:    uniformJitter,
		sent:      make(map[string]time.Time),
	}
}

// Start runs the loop in the background until Stop is called or ctx ends.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("sender exited", "error", err)
		}
	}()
}

// Stop cancels a started loop and waits for it to return.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

// Run processes items until ctx is done or an account-level error stops
// the sender. Every dequeued item is marked done exactly once.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("sender started", "primary", w.cfg.PrimaryChatID, "retry_attempts", w.cfg.RetryAttempts)
	for {
		item, err := w.queue.Get(ctx)
		if err != nil {
			return err
		}
		if w.metrics != nil {
			w.metrics.QueueDepth.Set(float64(w.queue.Len()))
		}

		w.process(ctx, item)

		if w.fatal.Load() {
			return appErrors.ErrSenderStopped
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (w *Worker) process(ctx context.Context, item *model.OutboundItem) {
	defer w.queue.Done()
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("sender recovered from panic", "item", item.ID, "panic", fmt.Sprint(r))
			_ = w.sleep(ctx, w.cfg.ErrorCooldown)
		}
	}()

	outcome := w.Deliver(ctx, item)
	w.log.Debug("item processed", "item", item.ID, "outcome", outcome.String())
}

// Deliver sends one item to the primary channel and, when the window is
// active, to the secondary channel. Secondary failures never change the
// returned outcome.
func (w *Worker) Deliver(ctx context.Context, item *model.OutboundItem) Outcome {
	if w.alreadySent(item.Fingerprint) {
		w.log.Info("skipping already delivered item", "item", item.ID, "token", item.TokenAddress)
		return OutcomeAlreadySent
	}

	if !w.limiter.CanProceed() {
		deferred, err := w.deferItem(ctx, item)
		if err != nil {
			return OutcomeCancelled
		}
		if deferred {
			return OutcomeDeferred
		}
	}

	kb := w.keyboards.Keyboard(item.TokenAddress, item.ChartURL, model.Tally{})
	msgID, err := w.sendWithRetries(ctx, DestinationPrimary, w.cfg.PrimaryChatID, item, kb)
	outcome := w.outcome(err)
	w.recordOutcome(DestinationPrimary, outcome)
	if outcome != OutcomeSent {
		item.Status = model.StatusFailed
		if outcome == OutcomeExhausted {
			item.Status = model.StatusExhausted
		}
		item.LastError = err.Error()
		w.log.Error("primary delivery failed", "item", item.ID, "token", item.TokenAddress,
			"outcome", outcome.String(), "attempts", item.RetryCount, "error", err)
		w.recordDelivery(ctx, DestinationPrimary, w.cfg.PrimaryChatID, 0, item, outcome, err)
		return outcome
	}

	item.Status = model.StatusSent
	w.markSent(item.Fingerprint)
	w.recordDelivery(ctx, DestinationPrimary, w.cfg.PrimaryChatID, msgID, item, outcome, nil)
	w.register(ctx, w.cfg.PrimaryChatID, msgID, item)
	w.log.Info("alert delivered", "item", item.ID, "token", item.TokenAddress, "chat_id", w.cfg.PrimaryChatID, "message_id", msgID)

	w.deliverSecondary(ctx, item, kb)
	return OutcomeSent
}

// deferItem handles a saturated delivery limiter. The item goes back to the
// tail of the queue while the sender sleeps; when the queue is full it waits
// in place instead. It reports whether the item was re-enqueued.
func (w *Worker) deferItem(ctx context.Context, item *model.OutboundItem) (bool, error) {
	if w.metrics != nil {
		w.metrics.DeliveryDeferrals.Inc()
	}
	wait := w.limiter.ResetIn()

	if err := w.queue.TryPut(item); err == nil {
		w.log.Warn("delivery rate limit reached, item re-queued", "item", item.ID, "resume_in", wait)
		return true, w.sleep(ctx, wait)
	}

	w.log.Warn("delivery rate limit reached, queue full, waiting in place", "item", item.ID, "resume_in", wait)
	return false, w.waitForCapacity(ctx, item)
}

// waitForCapacity sleeps until the delivery limiter admits another send.
func (w *Worker) waitForCapacity(ctx context.Context, item *model.OutboundItem) error {
	if w.limiter.CanProceed() {
		return nil
	}
	w.log.Debug("delivery rate limit reached, waiting", "item", item.ID, "resume_in", w.limiter.ResetIn())
	for !w.limiter.CanProceed() {
		if err := w.sleep(ctx, max(w.limiter.ResetIn(), time.Second)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) deliverSecondary(ctx context.Context, item *model.OutboundItem, kb model.Keyboard) {
	if w.schedule == nil {
		return
	}
	chatID, active, err := w.schedule.ActiveSecondary(ctx)
	if err != nil {
		w.log.Error("reading secondary window failed", "item", item.ID, "error", err)
		return
	}
	if !active || chatID == w.cfg.PrimaryChatID {
		return
	}
	if err := w.waitForCapacity(ctx, item); err != nil {
		return
	}

	msgID, err := w.sendWithRetries(ctx, DestinationSecondary, chatID, item, kb)
	outcome := w.outcome(err)
	w.recordOutcome(DestinationSecondary, outcome)
	if outcome != OutcomeSent {
		w.log.Error("secondary delivery failed", "item", item.ID, "chat_id", chatID, "outcome", outcome.String(), "error", err)
		w.recordDelivery(ctx, DestinationSecondary, chatID, 0, item, outcome, err)
		return
	}
	w.recordDelivery(ctx, DestinationSecondary, chatID, msgID, item, outcome, nil)
	w.register(ctx, chatID, msgID, item)
	w.log.Info("alert delivered to secondary", "item", item.ID, "chat_id", chatID, "message_id", msgID)
}

// sendWithRetries runs the attempt loop for one destination.
func (w *Worker) sendWithRetries(ctx context.Context, dest string, chatID int64, item *model.OutboundItem, kb model.Keyboard) (int64, error) {
	var (
		lastErr   error
		lastClass appErrors.DeliveryClass
	)
	for attempt := 1; attempt <= w.cfg.RetryAttempts; attempt++ {
		if err := w.sleep(ctx, w.attemptDelay()); err != nil {
			return 0, err
		}

		item.RetryCount = attempt
		started := w.now()
		msgID, err := w.transport.SendMessage(ctx, chatID, item.Text, item.Links, kb)
		if w.metrics != nil {
			w.metrics.DeliveryLatency.WithLabelValues(dest).Observe(w.now().Sub(started).Seconds())
		}
		if err == nil {
			w.countAttempt(dest, "ok")
			w.limiter.RecordSuccess()
			return msgID, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		class := Classify(err)
		w.countAttempt(dest, class.String())
		lastErr, lastClass = err, class

		switch {
		case class == appErrors.ClassFatal:
			w.fatal.Store(true)
			w.log.Error("account-level delivery error, stopping sender", "destination", dest, "error", err)
			return 0, &appErrors.DeliveryError{Class: class, Attempts: attempt, Err: err}
		case !class.Retryable():
			return 0, &appErrors.DeliveryError{Class: class, Attempts: attempt, Err: err}
		case class == appErrors.ClassUnclassified:
			w.log.Warn("unclassified delivery error, retrying", "destination", dest, "attempt", attempt,
				"max_attempts", w.cfg.RetryAttempts, "class", class.String(), "error", err)
		default:
			w.log.Warn("transient delivery error", "destination", dest, "attempt", attempt,
				"max_attempts", w.cfg.RetryAttempts, "error", err)
		}

		if attempt == w.cfg.RetryAttempts {
			break
		}
		if err := w.sleep(ctx, w.backoff(attempt, err)); err != nil {
			return 0, err
		}
	}
	return 0, &appErrors.DeliveryError{
		Class:    lastClass,
		Attempts: w.cfg.RetryAttempts,
		Err:      fmt.Errorf("%w: %w", appErrors.ErrRetriesExhausted, lastErr),
	}
}

// attemptDelay is base + jitter + a term proportional to queue depth.
func (w *Worker) attemptDelay() time.Duration {
	depth := time.Duration(w.queue.Len())
	return w.cfg.SendDelay + w.jitter(w.cfg.SendDelayJitter) + depth*w.cfg.DepthDelay
}

// backoff is base*attempt + jitter, extended to Telegram's retry_after.
func (w *Worker) backoff(attempt int, err error) time.Duration {
	jitter := w.jitter(w.cfg.RetryJitter)
	d := w.cfg.RetryDelayBase*time.Duration(attempt) + jitter
	if ra := RetryAfter(err); ra > 0 && ra+jitter > d {
		d = ra + jitter
	}
	return d
}

func (w *Worker) outcome(err error) Outcome {
	if err == nil {
		return OutcomeSent
	}
	// Anything that is not a DeliveryError is the context ending.
	var de *appErrors.DeliveryError
	if !errors.As(err, &de) {
		return OutcomeCancelled
	}
	switch {
	case errors.Is(err, appErrors.ErrRetriesExhausted):
		return OutcomeExhausted
	case de.Class == appErrors.ClassFatal:
		return OutcomeFatal
	}
	return OutcomeNonRetryable
}

func (w *Worker) register(ctx context.Context, chatID, msgID int64, item *model.OutboundItem) {
	if w.votes == nil {
		return
	}
	reg := model.ItemRegistration{
		Ref:          model.ItemRef{ChatID: chatID, MessageID: msgID},
		TokenAddress: item.TokenAddress,
		ChartURL:     item.ChartURL,
	}
	if err := w.votes.Register(ctx, reg); err != nil {
		w.log.Error("vote registration failed", "item", item.ID, "chat_id", chatID, "message_id", msgID, "error", err)
	}
}

// recordDelivery writes the terminal outcome of one destination to the
// delivery log. Cancelled sends are not terminal and are not recorded.
func (w *Worker) recordDelivery(ctx context.Context, dest string, chatID, msgID int64, item *model.OutboundItem, o Outcome, err error) {
	if w.history == nil || o == OutcomeCancelled {
		return
	}
	rec := model.DeliveryRecord{
		ItemID:       item.ID,
		Destination:  dest,
		ChatID:       chatID,
		MessageID:    msgID,
		TokenAddress: item.TokenAddress,
		Fingerprint:  item.Fingerprint,
		Status:       model.StatusSent,
		RetryCount:   item.RetryCount,
		EnqueuedAt:   item.EnqueuedAt,
		FinishedAt:   w.now(),
	}
	switch o {
	case OutcomeSent:
	case OutcomeExhausted:
		rec.Status = model.StatusExhausted
	default:
		rec.Status = model.StatusFailed
	}
	if err != nil {
		rec.LastError = err.Error()
	}
	if recErr := w.history.Record(ctx, rec); recErr != nil {
		w.log.Error("recording delivery failed", "item", item.ID, "destination", dest, "error", recErr)
	}
}

func (w *Worker) alreadySent(fp string) bool {
	if fp == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.sent[fp]
	return ok && w.now().Sub(at) < w.cfg.SentRetention
}

// markSent records fp and sweeps entries past the retention window.
func (w *Worker) markSent(fp string) {
	if fp == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	for k, at := range w.sent {
		if now.Sub(at) >= w.cfg.SentRetention {
			delete(w.sent, k)
		}
	}
	w.sent[fp] = now
}

func (w *Worker) countAttempt(dest, class string) {
	if w.metrics != nil {
		w.metrics.DeliveryAttempts.WithLabelValues(dest, class).Inc()
	}
}

func (w *Worker) recordOutcome(dest string, o Outcome) {
	if w.metrics != nil {
		w.metrics.DeliveryOutcomes.WithLabelValues(dest, o.String()).Inc()
	}
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
