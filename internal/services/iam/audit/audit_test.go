package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	skafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeWriter struct {
	msgs   []skafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...skafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherWritesKeyedJSON(t *testing.T) {
	writer := &fakeWriter{}
	publisher := NewKafkaPublisherWithWriter(writer)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := publisher.Publish(context.Background(), Event{
		ID:         "evt-1",
		Type:       EventSessionElevated,
		UserID:     "user-1",
		At:         at,
		Attributes: map[string]string{"scope": "admin"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(writer.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(writer.msgs))
	}
	msg := writer.msgs[0]
	if string(msg.Key) != "user-1" {
		t.Fatalf("expected user key, got %q", msg.Key)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != EventSessionElevated || decoded.Attributes["scope"] != "admin" || !decoded.At.Equal(at) {
		t.Fatalf("unexpected event: %+v", decoded)
	}

	if err := publisher.Close(); err != nil || !writer.closed {
		t.Fatalf("expected writer closed, got %v", err)
	}
}

func TestKafkaPublisherWrapsWriteError(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	err := NewKafkaPublisherWithWriter(writer).Publish(context.Background(), Event{Type: EventSessionIssued})
	if !errors.Is(err, writer.err) {
		t.Fatalf("expected wrapped writer error, got %v", err)
	}
}

func TestNewPublisherSelectsSink(t *testing.T) {
	if _, ok := NewPublisher(Config{}, nil).(*LogPublisher); !ok {
		t.Fatal("expected log publisher without brokers")
	}
	publisher := NewPublisher(Config{KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "iam.audit"}, nil)
	kafkaPublisher, ok := publisher.(*KafkaPublisher)
	if !ok {
		t.Fatal("expected kafka publisher with brokers")
	}
	if err := kafkaPublisher.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestLogPublisherLogsEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	publisher := NewLogPublisher(zap.New(core))

	if err := publisher.Publish(context.Background(), Event{ID: "evt-1", Type: EventUserRegistered, UserID: "user-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	entries := logs.FilterMessage("audit event").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit log, got %d", len(entries))
	}
	if entries[0].ContextMap()["type"] != string(EventUserRegistered) {
		t.Fatalf("unexpected fields: %v", entries[0].ContextMap())
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error { return errors.New("unavailable") }

func (failingPublisher) Close() error { return nil }

func TestRecorderFillsDefaultsAndSwallowsFailures(t *testing.T) {
	writer := &fakeWriter{}
	recorder := NewRecorder(NewKafkaPublisherWithWriter(writer), nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recorder.now = func() time.Time { return fixed }

	recorder.Record(context.Background(), Event{Type: EventSessionIssued, UserID: "user-1"})
	var decoded Event
	if err := json.Unmarshal(writer.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID == "" || !decoded.At.Equal(fixed) {
		t.Fatalf("expected id and timestamp filled, got %+v", decoded)
	}

	core, logs := observer.New(zap.WarnLevel)
	NewRecorder(failingPublisher{}, zap.New(core)).Record(context.Background(), Event{Type: EventSessionIssued})
	if logs.FilterMessage("publish audit event").Len() != 1 {
		t.Fatal("expected publish failure to be logged")
	}

	var nilRecorder *Recorder
	nilRecorder.Record(context.Background(), Event{Type: EventSessionIssued})
}

func TestKafkaWriterFlushesPromptly(t *testing.T) {
	w := newKafkaWriter(Config{KafkaBrokers: []string{"a:9092", "b:9092"}, KafkaTopic: "iam.audit"})
	defer w.Close()
	if w.Topic != "iam.audit" {
		t.Fatalf("unexpected topic %q", w.Topic)
	}
	if w.BatchTimeout != defaultKafkaBatchTimeout || w.WriteTimeout != defaultKafkaWriteTimeout {
		t.Fatalf("unexpected timeouts batch=%v write=%v", w.BatchTimeout, w.WriteTimeout)
	}
	if w.MaxAttempts != kafkaMaxAttempts || w.RequiredAcks != skafka.RequireOne {
		t.Fatalf("unexpected delivery settings attempts=%d acks=%v", w.MaxAttempts, w.RequiredAcks)
	}
	if w.Async {
		t.Fatal("expected synchronous writes so failures reach the recorder")
	}

	tuned := newKafkaWriter(Config{KafkaBrokers: []string{"a:9092"}, KafkaTopic: "t", KafkaBatchTimeout: time.Millisecond, KafkaWriteTimeout: time.Second})
	defer tuned.Close()
	if tuned.BatchTimeout != time.Millisecond || tuned.WriteTimeout != time.Second {
		t.Fatalf("expected configured timeouts, got batch=%v write=%v", tuned.BatchTimeout, tuned.WriteTimeout)
	}
}

type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, _ Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingPublisher) Close() error { return nil }

func TestRecorderBoundsSlowPublisher(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	recorder := NewRecorder(blockingPublisher{}, zap.New(core))
	recorder.timeout = 20 * time.Millisecond

	done := make(chan struct{})
	go func() {
		recorder.Record(context.Background(), Event{Type: EventSessionIssued})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("record did not return for a stalled publisher")
	}
	if logs.FilterMessage("publish audit event").Len() != 1 {
		t.Fatal("expected timeout to be logged")
	}
}
