// ABOUTME: Tests for the event broadcaster's topic routing and subscription lifecycle.
// ABOUTME: Covers wildcard delivery, slow-subscriber drops, and ctx-driven unsubscribe.

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestNewEvent_Topic(t *testing.T) {
	now := time.Now()
	assert.Equal(t, TopicAgents, NewEvent(AgentLost, now).Topic)
	assert.Equal(t, TopicJobs, NewEvent(JobCompleted, now).Topic)
	assert.NotEmpty(t, NewEvent(JobCompleted, now).ID)
}

func TestBroadcaster_TopicRouting(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()
	ctx := context.Background()

	jobs, _ := b.Subscribe(ctx, TopicJobs)
	agents, _ := b.Subscribe(ctx, TopicAgents)
	all, _ := b.Subscribe(ctx, TopicAll)

	b.Publish(NewEvent(JobCompleted, time.Now()))

	assert.Equal(t, JobCompleted, receive(t, jobs).Type)
	assert.Equal(t, JobCompleted, receive(t, all).Type)
	select {
	case ev := <-agents:
		t.Fatalf("agents subscriber got %v", ev)
	default:
	}
}

func TestBroadcaster_DropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), TopicJobs)
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(NewEvent(JobStateChange, time.Now()))
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_UnsubscribeOnContextDone(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, TopicAgents)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_CloseClosesChannels(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, id := b.Subscribe(context.Background(), TopicJobs)
	b.Close()
	_, ok := <-ch
	assert.False(t, ok)
	b.Unsubscribe(TopicJobs, id)
}
