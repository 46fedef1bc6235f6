// Package audit publishes security-relevant identity events.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/iam/internal/platform/id"
	"github.com/louisbranch/iam/internal/platform/logging"
	skafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventType names an audit event.
type EventType string

const (
	EventUserRegistered           EventType = "user.registered"
	EventSessionIssued            EventType = "session.issued"
	EventSessionElevated          EventType = "session.elevated"
	EventSessionDeElevated        EventType = "session.deelevated"
	EventSessionLoggedOut         EventType = "session.logged_out"
	EventSessionsRevoked          EventType = "sessions.revoked"
	EventPasskeyCounterRegression EventType = "passkey.counter_regression"
)

// Event is a single audit record. SessionHash holds a truncated token hash,
// never a bearer token.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	UserID      string            `json:"user_id,omitempty"`
	SessionHash string            `json:"session_hash,omitempty"`
	At          time.Time         `json:"at"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Publisher delivers audit events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Config selects the audit sink.
type Config struct {
	KafkaBrokers []string `env:"IAM_AUDIT_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"IAM_AUDIT_KAFKA_TOPIC"   envDefault:"iam.audit"`
	// KafkaBatchTimeout bounds how long a write waits for more messages
	// before flushing a partial batch.
	KafkaBatchTimeout time.Duration `env:"IAM_AUDIT_KAFKA_BATCH_TIMEOUT" envDefault:"10ms"`
	KafkaWriteTimeout time.Duration `env:"IAM_AUDIT_KAFKA_WRITE_TIMEOUT" envDefault:"2s"`
}

const (
	defaultKafkaBatchTimeout = 10 * time.Millisecond
	defaultKafkaWriteTimeout = 2 * time.Second
	kafkaMaxAttempts         = 3

	// DefaultPublishTimeout bounds a single Record call.
	DefaultPublishTimeout = 3 * time.Second
)

// NewPublisher returns a Kafka publisher when brokers are configured and a
// logger-backed publisher otherwise.
func NewPublisher(cfg Config, logger *zap.Logger) Publisher {
	if len(cfg.KafkaBrokers) > 0 {
		return NewKafkaPublisher(cfg)
	}
	return NewLogPublisher(logger)
}

// Writer is the subset of the kafka-go writer used by KafkaPublisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON messages keyed by user id.
type KafkaPublisher struct {
	writer Writer
}

// NewKafkaPublisher creates a publisher writing to the configured topic.
func NewKafkaPublisher(cfg Config) *KafkaPublisher {
	return &KafkaPublisher{writer: newKafkaWriter(cfg)}
}

// newKafkaWriter flushes single events quickly and gives up after a bounded
// number of attempts, since events are written on the request path.
func newKafkaWriter(cfg Config) *skafka.Writer {
	batchTimeout := cfg.KafkaBatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultKafkaBatchTimeout
	}
	writeTimeout := cfg.KafkaWriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultKafkaWriteTimeout
	}
	return &skafka.Writer{
		Addr:         skafka.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &skafka.Hash{},
		BatchTimeout: batchTimeout,
		WriteTimeout: writeTimeout,
		MaxAttempts:  kafkaMaxAttempts,
		RequiredAcks: skafka.RequireOne,
	}
}

// NewKafkaPublisherWithWriter allows injecting a test writer.
func NewKafkaPublisherWithWriter(w Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish marshals the event and writes it.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	msg := skafka.Message{
		Key:   []byte(event.UserID),
		Value: value,
		Time:  event.At,
		Headers: []skafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher returns a publisher logging under the "audit" name.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logging.OrNop(logger).Named("audit")}
}

// Publish logs the event at info level.
func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.Time("at", event.At),
	}
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.SessionHash != "" {
		fields = append(fields, zap.String("session_hash", event.SessionHash))
	}
	if len(event.Attributes) > 0 {
		fields = append(fields, zap.Any("attributes", event.Attributes))
	}
	p.logger.Info("audit event", fields...)
	return nil
}

// Close flushes the logger.
func (p *LogPublisher) Close() error {
	_ = p.logger.Sync()
	return nil
}

// Recorder stamps events and hands them to a publisher. Publish failures are
// logged and never returned. A nil Recorder drops events.
type Recorder struct {
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
	timeout   time.Duration
}

// NewRecorder builds a recorder over publisher.
func NewRecorder(publisher Publisher, logger *zap.Logger) *Recorder {
	return &Recorder{publisher: publisher, logger: logging.OrNop(logger), now: time.Now, timeout: DefaultPublishTimeout}
}

// Record publishes event, filling in its id and timestamp when unset.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if r == nil || r.publisher == nil {
		return
	}
	if event.ID == "" {
		eventID, err := id.NewID()
		if err != nil {
			r.logger.Warn("generate audit event id", zap.Error(err))
			return
		}
		event.ID = eventID
	}
	if event.At.IsZero() {
		event.At = r.now().UTC()
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("publish audit event",
			zap.String("type", string(event.Type)),
			zap.String("user_id", event.UserID),
			zap.Error(err),
		)
	}
}
