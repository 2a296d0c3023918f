// Package eventstream fans appended activity events out to Kafka. Delivery is
// best effort: the hash chain in Postgres is the record of truth, and an
// unavailable broker must never slow down ingestion, so a circuit breaker
// drops messages while the broker is failing.
package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kgo"

	"activitylog/internal/activity/models"
	"activitylog/internal/platform/config"
	"activitylog/pkg/platform/circuit"
)

var (
	published = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activitylog_eventstream_published_total",
		Help: "Events delivered to the event stream",
	})
	dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activitylog_eventstream_dropped_total",
		Help: "Events not delivered to the event stream, by reason",
	}, []string{"reason"})
)

// ErrCircuitOpen is returned while the breaker is skipping the broker.
var ErrCircuitOpen = errors.New("event stream circuit open")

// Producer is the part of *kgo.Client the publisher uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher writes events as JSON keyed by tenant id, so one tenant's events
// stay ordered within a partition.
type Publisher struct {
	producer Producer
	topic    string
	breaker  *circuit.Breaker
	timeout  time.Duration
	logger   *slog.Logger
}

type Option func(*Publisher)

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(p *Publisher) { p.breaker = b }
}

// WithTimeout bounds each produce call.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.timeout = d }
}

// NewPublisher wraps an existing producer.
func NewPublisher(producer Producer, topic string, opts ...Option) *Publisher {
	p := &Publisher{
		producer: producer,
		topic:    topic,
		timeout:  2 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = circuit.New("eventstream", circuit.WithFailureThreshold(5), circuit.WithSuccessThreshold(1))
	}
	return p
}

// Connect dials the brokers, makes sure the topic exists and returns a
// publisher. It returns nil, nil when no brokers are configured.
func Connect(ctx context.Context, cfg config.KafkaConfig, opts ...Option) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping kafka: %w", err)
	}
	if err := EnsureTopic(ctx, client, cfg.Topic, 3, 1); err != nil {
		client.Close()
		return nil, err
	}
	return NewPublisher(client, cfg.Topic, opts...), nil
}

// Publish delivers one stored event. Sensitive context fields are published
// exactly as stored, still encrypted.
func (p *Publisher) Publish(ctx context.Context, e models.Event) error {
	if !p.breaker.Allow() {
		dropped.WithLabelValues("circuit_open").Inc()
		return ErrCircuitOpen
	}

	payload, err := json.Marshal(e)
	if err != nil {
		dropped.WithLabelValues("marshal").Inc()
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(e.TenantID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(e.ID.String())},
			{Key: "verb", Value: []byte(e.Verb)},
		},
		Timestamp: e.Timestamp,
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		dropped.WithLabelValues("produce").Inc()
		if _, change := p.breaker.RecordFailure(); change.Opened {
			p.logger.WarnContext(ctx, "event stream unavailable, dropping events until it recovers", "error", err)
		}
		return fmt.Errorf("produce event %s: %w", e.ID, err)
	}
	if _, change := p.breaker.RecordSuccess(); change.Closed {
		p.logger.InfoContext(ctx, "event stream recovered")
	}
	published.Inc()
	return nil
}

// Close flushes and closes the producer.
func (p *Publisher) Close() {
	p.producer.Close()
}
