// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/caretrace/caretrace/internal/logging"
	"github.com/caretrace/caretrace/internal/metrics"
	"github.com/caretrace/caretrace/internal/models"
)

// JetStreamConfig configures the NATS-backed queue.
type JetStreamConfig struct {
	// URL of the NATS server (embedded or external).
	URL string

	// Topic carries work; DeadLetterTopic receives unprocessable events.
	Topic           string
	DeadLetterTopic string

	// QueueGroup load-balances deliveries across worker instances.
	QueueGroup string

	// DurableName identifies the JetStream consumer.
	DurableName string

	// AckWait is the server-side visibility timeout: unacked messages
	// redeliver after this long.
	AckWait time.Duration

	// MaxDeliver bounds server-side redeliveries before the handler routes
	// the message to the dead-letter topic.
	MaxDeliver int

	// MaxRetries is the consumer-side nack budget before dead-lettering.
	MaxRetries int

	// DeadLetterRetention and DeadLetterAlertThreshold mirror MemoryConfig.
	DeadLetterRetention      time.Duration
	DeadLetterAlertThreshold int

	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultJetStreamConfig returns production defaults.
func DefaultJetStreamConfig(url string) JetStreamConfig {
	return JetStreamConfig{
		URL:                      url,
		Topic:                    "audit.events",
		DeadLetterTopic:          "audit.events.dead",
		QueueGroup:               "audit-workers",
		DurableName:              "audit-ingest",
		AckWait:                  30 * time.Second,
		MaxDeliver:               5,
		MaxRetries:               5,
		DeadLetterRetention:      7 * 24 * time.Hour,
		DeadLetterAlertThreshold: 100,
		MaxReconnects:            -1,
		ReconnectWait:            2 * time.Second,
	}
}

// metadata keys carried on wire messages.
const (
	metaEnqueuedAt = "enqueued_at"
	metaLastError  = "last_error"
)

// JetStreamQueue adapts watermill's NATS JetStream publisher/subscriber to
// the Queue contract. Claims drain the subscription channel; acks and nacks
// settle the underlying JetStream delivery, so the visibility timeout is
// the consumer AckWait.
type JetStreamQueue struct {
	config     JetStreamConfig
	serializer *Serializer
	publisher  message.Publisher
	subscriber message.Subscriber
	messages   <-chan *message.Message
	dlq        *DeadLetterStore
	logger     watermill.LoggerAdapter

	mu       sync.Mutex
	inflight map[string]*message.Message
	// attempts counts deliveries per message UUID; the watermill UUID is
	// carried in NATS headers and stable across broker redeliveries.
	attempts map[string]int
	closed   bool
}

// NewJetStreamQueue connects the publisher and subscriber and begins
// consuming the work topic.
func NewJetStreamQueue(ctx context.Context, cfg JetStreamConfig) (*JetStreamQueue, error) {
	logger := watermill.NewStdLogger(false, false)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Component("queue").Warn().Err(err).Msg("nats disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Component("queue").Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			// Message UUIDs double as Nats-Msg-Id for broker-side dedup.
			TrackMsgId: true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     30 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			AckAsync:      false,
			DurablePrefix: cfg.DurableName,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.MaxDeliver(cfg.MaxDeliver),
				natsgo.AckWait(cfg.AckWait),
			},
		},
	}, logger)
	if err != nil {
		pub.Close()
		return nil, fmt.Errorf("create subscriber: %w", err)
	}

	messages, err := sub.Subscribe(ctx, cfg.Topic)
	if err != nil {
		pub.Close()
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Topic, err)
	}

	return &JetStreamQueue{
		config:     cfg,
		serializer: NewSerializer(),
		publisher:  pub,
		subscriber: sub,
		messages:   messages,
		dlq:        NewDeadLetterStore(cfg.DeadLetterRetention, cfg.DeadLetterAlertThreshold),
		logger:     logger,
		inflight:   make(map[string]*message.Message),
		attempts:   make(map[string]int),
	}, nil
}

// Enqueue publishes an event to the work topic.
func (q *JetStreamQueue) Enqueue(_ context.Context, event *models.AuditEvent) error {
	payload, err := q.serializer.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaEnqueuedAt, time.Now().UTC().Format(time.RFC3339Nano))
	return q.publisher.Publish(q.config.Topic, msg)
}

// Claim drains up to count deliveries from the subscription. The broker's
// AckWait redelivers anything not settled in time, so claims never expire
// client-side.
func (q *JetStreamQueue) Claim(ctx context.Context, count int, _ time.Duration) ([]*Job, error) {
	if count <= 0 {
		count = 1
	}

	var jobs []*Job
	for len(jobs) < count {
		var msg *message.Message
		if len(jobs) == 0 {
			// Block for the first job.
			select {
			case <-ctx.Done():
				return jobs, ctx.Err()
			case m, ok := <-q.messages:
				if !ok {
					return jobs, ErrQueueClosed
				}
				msg = m
			}
		} else {
			// Drain without blocking for the rest of the batch.
			select {
			case m, ok := <-q.messages:
				if !ok {
					return jobs, nil
				}
				msg = m
			default:
				return jobs, nil
			}
		}

		job, err := q.wrap(msg)
		if err != nil {
			// Undecodable payloads dead-letter immediately.
			q.publishDeadLetter(msg, "payload unmarshal failed: "+err.Error(), ErrorCategoryValidation, 1)
			msg.Ack()
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *JetStreamQueue) wrap(msg *message.Message) (*Job, error) {
	event, err := q.serializer.Unmarshal(msg.Payload)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.attempts[msg.UUID]++
	attempts := q.attempts[msg.UUID]
	q.mu.Unlock()
	if attempts > 1 {
		metrics.QueueRedeliveries.Inc()
	}

	enqueuedAt := time.Now()
	if raw := msg.Metadata.Get(metaEnqueuedAt); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			enqueuedAt = t
		}
	}

	q.mu.Lock()
	q.inflight[msg.UUID] = msg
	q.mu.Unlock()

	return &Job{
		ID:         msg.UUID,
		Event:      event,
		Attempts:   attempts,
		EnqueuedAt: enqueuedAt,
		ClaimedAt:  time.Now(),
		LastError:  msg.Metadata.Get(metaLastError),
	}, nil
}

// deliveryCount returns the consumer-side delivery count for a message.
func (q *JetStreamQueue) deliveryCount(uuid string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := q.attempts[uuid]; n > 0 {
		return n
	}
	return 1
}

func (q *JetStreamQueue) forget(uuid string) {
	q.mu.Lock()
	delete(q.attempts, uuid)
	q.mu.Unlock()
}

func (q *JetStreamQueue) take(jobID string) (*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.inflight[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	delete(q.inflight, jobID)
	return msg, nil
}

// Ack settles the delivery.
func (q *JetStreamQueue) Ack(_ context.Context, jobID string) error {
	msg, err := q.take(jobID)
	if err != nil {
		return err
	}
	q.forget(jobID)
	msg.Ack()
	return nil
}

// Nack requests redelivery; once the delivery count reaches the retry
// budget the message is routed to the dead-letter topic instead.
func (q *JetStreamQueue) Nack(_ context.Context, jobID string, category ErrorCategory, cause error) error {
	msg, err := q.take(jobID)
	if err != nil {
		return err
	}

	errMsg := "unknown failure"
	if cause != nil {
		errMsg = cause.Error()
	}
	msg.Metadata.Set(metaLastError, errMsg)

	attempts := q.deliveryCount(jobID)
	if attempts >= q.config.MaxRetries {
		q.publishDeadLetter(msg, "retry limit reached: "+errMsg, category, attempts)
		q.forget(jobID)
		msg.Ack()
		return nil
	}

	msg.Nack()
	return nil
}

// ScheduleRetry republishes the event after the delay and settles the
// current delivery, approximating BullMQ's delayed-retry semantics on a
// stream that has no native per-message delay.
func (q *JetStreamQueue) ScheduleRetry(_ context.Context, jobID string, delay time.Duration) error {
	msg, err := q.take(jobID)
	if err != nil {
		return err
	}

	clone := message.NewMessage(watermill.NewUUID(), msg.Payload)
	clone.Metadata = msg.Metadata
	msg.Ack()

	time.AfterFunc(delay, func() {
		if err := q.publisher.Publish(q.config.Topic, clone); err != nil {
			logging.Component("queue").Error().Err(err).Msg("delayed retry publish failed")
		}
	})
	return nil
}

// DeadLetter routes the job to the dead-letter topic immediately.
func (q *JetStreamQueue) DeadLetter(_ context.Context, jobID string, reason string) error {
	msg, err := q.take(jobID)
	if err != nil {
		return err
	}

	q.publishDeadLetter(msg, reason, CategorizeErrorMessage(reason), q.deliveryCount(jobID))
	q.forget(jobID)
	msg.Ack()
	return nil
}

func (q *JetStreamQueue) publishDeadLetter(msg *message.Message, reason string, category ErrorCategory, attempts int) {
	dead := message.NewMessage(watermill.NewUUID(), msg.Payload)
	dead.Metadata = msg.Metadata
	dead.Metadata.Set("dead_letter_reason", reason)
	dead.Metadata.Set("attempts", strconv.Itoa(attempts))
	if err := q.publisher.Publish(q.config.DeadLetterTopic, dead); err != nil {
		logging.Component("queue").Error().Err(err).Msg("dead-letter publish failed")
	}

	now := time.Now()
	q.dlq.Add(&DeadLetterEntry{
		JobID:         msg.UUID,
		Event:         msg.Payload,
		OriginalError: msg.Metadata.Get(metaLastError),
		LastError:     reason,
		Attempts:      attempts,
		FirstFailure:  now,
		LastFailure:   now,
		Category:      category,
		Reason:        reason,
	})
}

// Depth is not observable through watermill; the JetStream consumer info
// drives the queue-depth gauge out of band, so Depth reports pending
// in-process claims only.
func (q *JetStreamQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.inflight)), nil
}

// DeadLetters exposes the dead-letter store.
func (q *JetStreamQueue) DeadLetters() *DeadLetterStore { return q.dlq }

// Close shuts the transport down; unsettled deliveries redeliver after
// AckWait.
func (q *JetStreamQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	subErr := q.subscriber.Close()
	pubErr := q.publisher.Close()
	if subErr != nil {
		return subErr
	}
	return pubErr
}
