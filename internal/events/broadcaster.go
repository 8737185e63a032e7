// ABOUTME: In-memory fan-out of agent transitions and job results by topic.
// ABOUTME: Non-blocking publish; slow subscribers lose events rather than stall the coordinator.

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/gantry/internal/work"
)

const subscriberBufferSize = 64

// Topic groups events.
type Topic string

const (
	TopicAgents Topic = "agents"
	TopicJobs   Topic = "jobs"
	// TopicAll receives every event.
	TopicAll Topic = "*"
)

// Type names what happened.
type Type string

const (
	AgentRegistered  Type = "agent_registered"
	AgentStateChange Type = "agent_state"
	AgentLost        Type = "agent_lost"
	AgentEvicted     Type = "agent_evicted"
	JobScheduled     Type = "job_scheduled"
	JobAssigned      Type = "job_assigned"
	JobStateChange   Type = "job_state"
	JobCompleted     Type = "job_completed"
	JobConsoleWarn   Type = "job_console_warning"
	JobChecksumWarn  Type = "job_checksum_warning"
)

// Event is one observable change.
type Event struct {
	ID        string             `json:"id"`
	Type      Type               `json:"type"`
	Topic     Topic              `json:"topic"`
	AgentUUID string             `json:"agent_uuid,omitempty"`
	Job       work.JobIdentifier `json:"job,omitempty"`
	State     string             `json:"state,omitempty"`
	Result    work.Result        `json:"result,omitempty"`
	Message   string             `json:"message,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// NewEvent stamps an event with an ID, topic and time.
func NewEvent(t Type, at time.Time) *Event {
	topic := TopicJobs
	switch t {
	case AgentRegistered, AgentStateChange, AgentLost, AgentEvicted:
		topic = TopicAgents
	}
	return &Event{ID: uuid.New().String(), Type: t, Topic: topic, Timestamp: at}
}

// Publisher is what the coordinator needs from a broadcaster.
type Publisher interface {
	Publish(event *Event)
}

// Broadcaster provides in-memory pub/sub keyed by topic.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[string]chan *Event // topic -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[Topic]map[string]chan *Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers for events on topic. The subscription is removed
// and its channel closed when ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context, topic Topic) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan *Event)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish delivers event to subscribers of its topic and of TopicAll.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event *Event) {
	b.mu.RLock()
	var targets []chan *Event
	for _, topic := range []Topic{event.Topic, TopicAll} {
		for _, ch := range b.subscribers[topic] {
			targets = append(targets, ch)
		}
	}
	// Sending under the read lock keeps Unsubscribe from closing a channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "topic", event.Topic, "event_id", event.ID)
		}
	}
	b.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(topic Topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}
	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}
	b.logger.Debug("broadcaster closed")
}
