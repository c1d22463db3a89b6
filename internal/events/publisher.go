package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

const (
	Source          = "relief-coordinator"
	SchemaVersion   = "1.0"
	DefaultTopic    = "relief.notifications"
	metaUserID      = "user_id"
	metaEventType   = "event_type"
	metaEventID     = "event_id"
	metaPublishedAt = "published_at"
)

// Event is a user-facing notification derived from a record change.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	UserID    string         `json:"user_id"`
	Source    string         `json:"source"`
	Version   string         `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps a fresh id, source and schema version.
func NewEvent(eventType, userID string, data map[string]any, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		Source:    Source,
		Version:   SchemaVersion,
		Timestamp: now.UTC(),
		Data:      data,
	}
}

// Publisher delivers events to whatever transport is configured.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// WatermillPublisher sends events as JSON messages on one topic.
type WatermillPublisher struct {
	pub    message.Publisher
	topic  string
	logger *slog.Logger
}

func NewWatermillPublisher(pub message.Publisher, topic string, logger *slog.Logger) *WatermillPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WatermillPublisher{pub: pub, topic: topic, logger: logger}
}

// NewGoChannelPublisher publishes in-process. The returned GoChannel can be
// used to subscribe to the same topic.
func NewGoChannelPublisher(topic string, logger *slog.Logger) (*WatermillPublisher, *gochannel.GoChannel) {
	if logger == nil {
		logger = slog.Default()
	}
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NewSlogLogger(logger))
	return NewWatermillPublisher(ch, topic, logger), ch
}

// NewKafkaPublisher publishes to the given comma separated brokers.
func NewKafkaPublisher(brokers, topic string, logger *slog.Logger) (*WatermillPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var list []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			list = append(list, b)
		}
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("no kafka brokers in %q", brokers)
	}
	pub, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:   list,
		Marshaler: kafka.DefaultMarshaler{},
	}, watermill.NewSlogLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return NewWatermillPublisher(pub, topic, logger), nil
}

func (p *WatermillPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := message.NewMessage(e.ID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(metaEventID, e.ID)
	msg.Metadata.Set(metaEventType, e.Type)
	msg.Metadata.Set(metaUserID, e.UserID)
	msg.Metadata.Set(metaPublishedAt, e.Timestamp.Format(time.RFC3339Nano))
	if err := p.pub.Publish(p.topic, msg); err != nil {
		p.logger.ErrorContext(ctx, "publish event failed", "type", e.Type, "user_id", e.UserID, "error", err)
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	p.logger.DebugContext(ctx, "event published", "type", e.Type, "user_id", e.UserID, "event_id", e.ID)
	return nil
}

func (p *WatermillPublisher) Close() error { return p.pub.Close() }

// Decode parses an event from a message produced by WatermillPublisher.
func Decode(msg *message.Message) (Event, error) {
	var e Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// MockPublisher records events in memory.
type MockPublisher struct {
	mu     sync.Mutex
	events []Event
	logger *slog.Logger
}

func NewMockPublisher(logger *slog.Logger) *MockPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockPublisher{logger: logger}
}

func (m *MockPublisher) Publish(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	m.logger.DebugContext(ctx, "mock event published", "type", e.Type, "user_id", e.UserID)
	return nil
}

func (m *MockPublisher) Close() error { return nil }

// GetPublishedEvents returns a copy of everything published so far.
func (m *MockPublisher) GetPublishedEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MockPublisher) ClearEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
