// Package audit emits per-record progress events so an operator can watch a
// long migration live without polling the store.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event is one record transition within a run.
type Event struct {
	RunID      string    `json:"run_id"`
	ExternalID int64     `json:"external_id"`
	Phase      string    `json:"phase"` // "acquisition" or "submission"
	From       string    `json:"from"`
	To         string    `json:"to"`
	RemoteID   int64     `json:"remote_id,omitempty"`
	At         time.Time `json:"at"`
}

// messageWriter exposes the minimal kafka.Writer surface the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes progress events to a topic. A nil Publisher is valid and
// publishes nothing, which is how runs without configured brokers behave.
type Publisher struct {
	writer messageWriter
	logger *log.Logger
}

// NewPublisher constructs a Publisher for the given brokers and topic, or
// nil when no brokers are configured.
func NewPublisher(brokers []string, topic string, logger *log.Logger) *Publisher {
	if len(brokers) == 0 {
		return nil
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[audit] ", log.LstdFlags)
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &Publisher{writer: writer, logger: logger}
}

// newWithWriter exists for tests.
func newWithWriter(writer messageWriter, logger *log.Logger) *Publisher {
	return &Publisher{writer: writer, logger: logger}
}

// Publish emits one event. Publishing is best-effort: a broker failure is
// logged and never interrupts the migration itself.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if p == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Printf("marshal audit event: %v", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.ExternalID, 10)),
		Value: payload,
		Time:  event.At,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Printf("publish audit event for workout %d: %v", event.ExternalID, err)
	}
}

// Close releases the underlying writer.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
