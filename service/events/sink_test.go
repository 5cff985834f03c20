package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/frame/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mustafaa-dev/nexa-play-api/internal"
	"github.com/mustafaa-dev/nexa-play-api/service/business"
	"github.com/mustafaa-dev/nexa-play-api/service/events"
)

type recordingPublisher struct {
	mu          sync.Mutex
	publishErr  error
	messages    []any
	headerSets  []map[string]string
	initialised bool
}

func (p *recordingPublisher) Initiated() bool { return p.initialised }
func (p *recordingPublisher) Ref() string     { return "lifecycle" }

func (p *recordingPublisher) Init(context.Context) error {
	p.initialised = true
	return nil
}

func (p *recordingPublisher) Publish(_ context.Context, msg any, headers ...map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	if len(headers) > 0 {
		p.headerSets = append(p.headerSets, headers[0])
	}
	return p.publishErr
}

func (p *recordingPublisher) Stop(context.Context) error { return nil }
func (p *recordingPublisher) As(any) bool                { return false }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

type singlePublisherManager struct {
	queue.Manager
	name string
	pub  queue.Publisher
}

func (m *singlePublisherManager) GetPublisher(reference string) (queue.Publisher, error) {
	if reference == m.name {
		return m.pub, nil
	}
	return nil, nil
}

func TestPublishDeliversLifecycleEvent(t *testing.T) {
	pub := &recordingPublisher{}
	sink := events.NewQueueSink(&singlePublisherManager{name: "lifecycle", pub: pub}, "lifecycle")

	sink.Publish(context.Background(), business.LifecycleEvent{
		Kind:         business.LifecycleConnected,
		UserID:       "user-1",
		ConnectionID: "conn-1",
		OccurredAt:   time.Now(),
	})

	require.Eventually(t, func() bool { return pub.count() == 1 },
		time.Second, 5*time.Millisecond)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.headerSets, 1)
	assert.Equal(t, "user-1", pub.headerSets[0][internal.HeaderUserID])
	assert.Equal(t, "conn-1", pub.headerSets[0][internal.HeaderConnectionID])
	assert.Equal(t, business.LifecycleConnected, pub.headerSets[0][internal.HeaderLifecycle])
}

func TestPublishNeverBlocksCaller(t *testing.T) {
	// No publisher registered at all: publication must still return instantly.
	sink := events.NewQueueSink(&singlePublisherManager{name: "other"}, "lifecycle")

	start := time.Now()
	sink.Publish(context.Background(), business.LifecycleEvent{Kind: business.LifecycleDisconnected})
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
