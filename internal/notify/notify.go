package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"rollcall/internal/attendance"
	"rollcall/internal/email"
	"rollcall/internal/metrics"
	"rollcall/internal/queue"
)

// QueueNotifier hands token deliveries to the mail queue.
type QueueNotifier struct {
	q queue.Queue
}

// NewQueueNotifier returns an attendance.Notifier backed by q.
func NewQueueNotifier(q queue.Queue) *QueueNotifier {
	return &QueueNotifier{q: q}
}

// DispatchToken enqueues d for the mail worker.
func (n *QueueNotifier) DispatchToken(ctx context.Context, d attendance.TokenDelivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	return n.q.Publish(ctx, queue.Message{Type: queue.TypeTokenEmail, Body: body})
}

// maxRequeues bounds how often a job that exhausted its retries goes back on
// the queue.
const maxRequeues = 1

// Dispatcher consumes mail jobs and sends them.
type Dispatcher struct {
	q           queue.Queue
	sender      email.Sender
	baseURL     string
	maxAttempts uint64
	backoff     time.Duration
	sendTimeout time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBackoff sets the base delay between delivery attempts.
func WithBackoff(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) { x.backoff = d }
}

// WithDispatcherClock injects the time source used to skip expired tokens.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(x *Dispatcher) { x.now = now }
}

// NewDispatcher builds a worker loop. maxAttempts counts the first try.
func NewDispatcher(q queue.Queue, sender email.Sender, baseURL string, maxAttempts uint64, log zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	d := &Dispatcher{
		q:           q,
		sender:      sender,
		baseURL:     baseURL,
		maxAttempts: maxAttempts,
		backoff:     500 * time.Millisecond,
		sendTimeout: 15 * time.Second,
		now:         time.Now,
		log:         log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run processes messages until ctx is cancelled or the queue closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	messages, err := d.q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	d.log.Info().Str("backend", d.sender.Name()).Msg("mail dispatcher started")
	for msg := range messages {
		if msg.Type != queue.TypeTokenEmail {
			d.log.Warn().Str("type", msg.Type).Msg("skipping unknown message type")
			continue
		}
		d.Handle(ctx, msg)
	}
	return nil
}

// Handle delivers one token e-mail, retrying transient provider failures.
// Tokens that expired while queued are dropped. A job that still fails
// transiently is requeued up to maxRequeues times.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) {
	var td attendance.TokenDelivery
	if err := json.Unmarshal(msg.Body, &td); err != nil {
		metrics.EmailDeliveries.WithLabelValues(d.sender.Name(), "malformed").Inc()
		d.log.Error().Err(err).Msg("dropping malformed delivery")
		return
	}
	logger := d.log.With().Str("session_id", td.SessionID).Str("student_id", td.StudentID).Logger()
	if !td.ExpiresAt.IsZero() && !d.now().Before(td.ExpiresAt) {
		metrics.EmailDeliveries.WithLabelValues(d.sender.Name(), "expired").Inc()
		logger.Warn().Time("expires_at", td.ExpiresAt).Msg("token expired before delivery")
		return
	}

	m, err := email.TokenMessage(td, d.baseURL)
	if err != nil {
		metrics.EmailDeliveries.WithLabelValues(d.sender.Name(), "failed").Inc()
		logger.Error().Err(err).Msg("token email not rendered")
		return
	}
	b := retry.WithMaxRetries(d.maxAttempts-1, retry.NewExponential(d.backoff))
	attempt := 0
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
		err := d.sender.Send(sendCtx, m)
		if err == nil || errors.Is(err, email.ErrPermanent) {
			return err
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("token email failed, retrying")
		return retry.RetryableError(err)
	})
	if err != nil {
		if !errors.Is(err, email.ErrPermanent) && msg.Attempt < maxRequeues && ctx.Err() == nil {
			d.requeue(ctx, msg, logger)
			return
		}
		metrics.EmailDeliveries.WithLabelValues(d.sender.Name(), "failed").Inc()
		logger.Error().Err(err).Int("attempts", attempt).Msg("token email not delivered")
		return
	}
	metrics.EmailDeliveries.WithLabelValues(d.sender.Name(), "sent").Inc()
	logger.Info().Int("attempts", attempt).Msg("token email sent")
}

func (d *Dispatcher) requeue(ctx context.Context, msg queue.Message, logger zerolog.Logger) {
	msg.Attempt++
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.q.Publish(pubCtx, msg); err != nil {
		metrics.EmailDeliveries.WithLabelValues(d.sender.Name(), "failed").Inc()
		logger.Error().Err(err).Msg("token email not delivered, requeue failed")
		return
	}
	metrics.EmailDeliveries.WithLabelValues(d.sender.Name(), "requeued").Inc()
	logger.Warn().Int("requeue", msg.Attempt).Msg("token email requeued")
}
