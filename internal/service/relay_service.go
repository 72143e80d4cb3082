package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/limiter"
	"github.com/unclebandit/alert-relay/internal/metrics"
	"github.com/unclebandit/alert-relay/internal/model"
	"github.com/unclebandit/alert-relay/internal/queue"
)

// RelayService is the ingest side of the pipeline: dedup, intake limit,
// parse, render and enqueue.
type RelayService struct {
	Dedup    *limiter.Deduplicator
	Limiter  *limiter.RateLimiter
	Skipped  *limiter.SkipLog
	Renderer *Renderer
	Queue    queue.Queue
	Log      *slog.Logger
	Metrics  *metrics.Metrics

	// NonBlocking makes a full queue reject the item instead of waiting.
	NonBlocking bool

	now func() time.Time
}

type RelayDeps struct {
	Dedup    *limiter.Deduplicator
	Limiter  *limiter.RateLimiter
	Skipped  *limiter.SkipLog
	Renderer *Renderer
	Queue    queue.Queue
	Log      *slog.Logger
	Metrics  *metrics.Metrics
}

func NewRelayService(deps RelayDeps) *RelayService {
	return &RelayService{
		Dedup:    deps.Dedup,
		Limiter:  deps.Limiter,
		Skipped:  deps.Skipped,
		Renderer: deps.Renderer,
		Queue:    deps.Queue,
		Log:      deps.Log.With("component", "relay"),
		Metrics:  deps.Metrics,
		now:      time.Now,
	}
}

// Handle runs one inbound message through the pipeline. ErrNotApplicable,
// ErrDuplicate and ErrRateLimited are normal skips; a StructuralMismatchError
// means the message was dropped. A message that could not be enqueued
// because the queue was full or ctx ended is forgotten by the deduplicator,
// so a redelivery is accepted.
func (s *RelayService) Handle(ctx context.Context, raw model.RawInboundMessage) error {
	fp := limiter.Fingerprint(raw.Text)
	if s.Dedup.CheckAndRecord(fp) {
		s.count(metrics.InboundDuplicate)
		s.Log.Debug("duplicate message dropped", "message_id", raw.MessageID)
		return appErrors.ErrDuplicate
	}
	err := s.process(ctx, raw)
	if errors.Is(err, appErrors.ErrQueueFull) || (err != nil && ctx.Err() != nil) {
		s.Dedup.Forget(fp)
	}
	return err
}

// WithNonBlocking returns a relay sharing s's state whose enqueue fails
// with ErrQueueFull instead of waiting.
func (s *RelayService) WithNonBlocking() *RelayService {
	c := *s
	c.NonBlocking = true
	return &c
}

// RequeueSkipped feeds live entries of the skip log back through the
// pipeline, bypassing dedup. Entries the limiter rejects again go back to
// the log. It returns the number of messages enqueued.
func (s *RelayService) RequeueSkipped(ctx context.Context) (int, error) {
	entries := s.Skipped.Drain()
	s.gaugeSkipped()

	enqueued := 0
	for i, e := range entries {
		err := s.process(ctx, e.Message)
		switch {
		case err == nil:
			enqueued++
		case ctx.Err() != nil:
			// Keep what was not attempted.
			for _, rest := range entries[i+1:] {
				s.Skipped.Add(rest.Message)
			}
			s.gaugeSkipped()
			return enqueued, ctx.Err()
		}
	}
	if len(entries) > 0 {
		s.Log.Info("skipped messages requeued", "total", len(entries), "enqueued", enqueued)
	}
	return enqueued, nil
}

// SkippedEntries returns the live skip log entries.
func (s *RelayService) SkippedEntries() []limiter.SkippedEntry {
	return s.Skipped.Live()
}

func (s *RelayService) process(ctx context.Context, raw model.RawInboundMessage) error {
	// Chatter on the source channel never reaches the limiter or the skip log.
	if !IsAlert(raw.Text) {
		s.count(metrics.InboundNotApplicable)
		s.Log.Debug("message skipped, not an alert", "message_id", raw.MessageID)
		return appErrors.ErrNotApplicable
	}
	if s.Limiter.Rollover() {
		s.flushSkipped(ctx)
	}
	if !s.Limiter.CanProceed() {
		s.Skipped.Add(raw)
		s.gaugeSkipped()
		s.count(metrics.InboundRateLimited)
		s.Log.Warn("intake rate limit reached, message skipped", "message_id", raw.MessageID, "resume_in", s.Limiter.ResetIn())
		return appErrors.ErrRateLimited
	}

	if err := s.forward(ctx, raw); err != nil {
		return err
	}
	s.Limiter.RecordSuccess()
	return nil
}

// flushSkipped enqueues the messages held back in the previous window ahead
// of the current one. They do not count against the new window. Messages
// that still cannot be enqueued go back to the log.
func (s *RelayService) flushSkipped(ctx context.Context) {
	entries := s.Skipped.Drain()
	if len(entries) == 0 {
		return
	}

	enqueued := 0
	for i, e := range entries {
		err := s.forward(ctx, e.Message)
		switch {
		case err == nil:
			enqueued++
		case ctx.Err() != nil:
			for _, rest := range entries[i:] {
				s.Skipped.Add(rest.Message)
			}
			s.gaugeSkipped()
			return
		case errors.Is(err, appErrors.ErrQueueFull):
			s.Skipped.Add(e.Message)
		}
	}
	s.gaugeSkipped()
	s.Log.Info("intake window reset, skipped messages enqueued", "total", len(entries), "enqueued", enqueued)
}

// forward parses, renders and enqueues one alert.
func (s *RelayService) forward(ctx context.Context, raw model.RawInboundMessage) error {
	alert, err := ParseAlert(raw.Text, raw.Links)
	if err != nil {
		s.count(metrics.InboundMismatch)
		s.Log.Warn("alert dropped", "message_id", raw.MessageID, "error", err)
		return err
	}

	rendered := s.Renderer.Render(alert)
	item := &model.OutboundItem{
		ID:           uuid.NewString(),
		Text:         rendered.Text,
		Links:        rendered.Links,
		ChartURL:     rendered.ChartURL,
		Holders:      rendered.Holders,
		TokenAddress: rendered.TokenAddress,
		Fingerprint:  limiter.Fingerprint(rendered.Text),
		Status:       model.StatusPending,
		EnqueuedAt:   s.now(),
	}

	if err := s.enqueue(ctx, item); err != nil {
		if errors.Is(err, appErrors.ErrQueueFull) {
			s.count(metrics.InboundQueueFull)
			s.Log.Warn("delivery queue full, alert not queued", "item", item.ID, "token", item.TokenAddress)
		}
		return err
	}

	s.count(metrics.InboundAccepted)
	if s.Metrics != nil {
		s.Metrics.QueueDepth.Set(float64(s.Queue.Len()))
	}
	s.Log.Info("alert queued", "item", item.ID, "token", item.TokenAddress, "message_id", raw.MessageID, "depth", s.Queue.Len())
	return nil
}

func (s *RelayService) enqueue(ctx context.Context, item *model.OutboundItem) error {
	if s.NonBlocking {
		return s.Queue.TryPut(item)
	}
	return s.Queue.Put(ctx, item)
}

func (s *RelayService) count(result string) {
	if s.Metrics != nil {
		s.Metrics.InboundMessages.WithLabelValues(result).Inc()
	}
}

func (s *RelayService) gaugeSkipped() {
	if s.Metrics != nil {
		s.Metrics.SkippedMessages.Set(float64(len(s.Skipped.Live())))
	}
}
