package queues_test

import (
	"context"
	"testing"

	"github.com/pitabwire/frame/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/mustafaa-dev/nexa-play-api/config"
	"github.com/mustafaa-dev/nexa-play-api/internal"
	"github.com/mustafaa-dev/nexa-play-api/service/business"
	"github.com/mustafaa-dev/nexa-play-api/service/queues"
)

type RealtimeDeliveryHandlerTestSuite struct {
	suite.Suite
	cfg *config.RealtimeConfig
}

func TestRealtimeDeliveryHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(RealtimeDeliveryHandlerTestSuite))
}

func (s *RealtimeDeliveryHandlerTestSuite) SetupTest() {
	s.cfg = &config.RealtimeConfig{
		QueueOfflineDeliveryName: "offline.delivery",
	}
}

func (s *RealtimeDeliveryHandlerTestSuite) newDelivery(emitter business.Emitter) *business.Delivery {
	return business.NewDelivery(emitter, business.DeliveryOptions{MaxRetries: 1})
}

func (s *RealtimeDeliveryHandlerTestSuite) TestHandle_OnlineUser_Delivers() {
	emitter := &mockEmitter{delivered: true}
	handler := queues.NewRealtimeDeliveryQueueHandler(s.cfg, nil, s.newDelivery(emitter))

	headers := map[string]string{
		internal.HeaderUserID: "user123",
		internal.HeaderEvent:  "notification",
	}

	err := handler.Handle(context.Background(), headers, []byte(`{"title":"hi"}`))
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 1, emitter.emitCount)
	assert.Equal(s.T(), "user123", emitter.lastUserID)
	assert.Equal(s.T(), "notification", emitter.lastEvent)
}

func (s *RealtimeDeliveryHandlerTestSuite) TestHandle_MissingEventHeader_DefaultsToNotification() {
	emitter := &mockEmitter{delivered: true}
	handler := queues.NewRealtimeDeliveryQueueHandler(s.cfg, nil, s.newDelivery(emitter))

	headers := map[string]string{internal.HeaderUserID: "user123"}

	err := handler.Handle(context.Background(), headers, []byte(`{"title":"hi"}`))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), business.EventNotification, emitter.lastEvent)
}

func (s *RealtimeDeliveryHandlerTestSuite) TestHandle_OfflineUser_PublishesToOfflineQueue() {
	emitter := &mockEmitter{delivered: false}

	mockPub := &mockPublisher{}
	mockQM := &mockQueueManager{
		publishers: map[string]queue.Publisher{
			s.cfg.QueueOfflineDeliveryName: mockPub,
		},
	}

	handler := queues.NewRealtimeDeliveryQueueHandler(s.cfg, mockQM, s.newDelivery(emitter))

	headers := map[string]string{
		internal.HeaderUserID: "user123",
		internal.HeaderEvent:  "notification",
	}

	err := handler.Handle(context.Background(), headers, []byte(`{"title":"hi"}`))
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 1, mockPub.publishCount)
	require.Len(s.T(), mockPub.lastHeaders, 1)
	assert.Equal(s.T(), "user123", mockPub.lastHeaders[0][internal.HeaderUserID])
	assert.Equal(s.T(), "notification", mockPub.lastHeaders[0][internal.HeaderEvent])
}

func (s *RealtimeDeliveryHandlerTestSuite) TestHandle_MissingUserHeader_Drops() {
	emitter := &mockEmitter{delivered: true}
	handler := queues.NewRealtimeDeliveryQueueHandler(s.cfg, nil, s.newDelivery(emitter))

	err := handler.Handle(context.Background(), map[string]string{}, []byte(`{"title":"hi"}`))
	assert.NoError(s.T(), err, "messages without a target are consumed, not retried")
	assert.Zero(s.T(), emitter.emitCount)
}

func (s *RealtimeDeliveryHandlerTestSuite) TestHandle_InvalidPayload_Drops() {
	emitter := &mockEmitter{delivered: true}
	handler := queues.NewRealtimeDeliveryQueueHandler(s.cfg, nil, s.newDelivery(emitter))

	headers := map[string]string{internal.HeaderUserID: "user123"}

	err := handler.Handle(context.Background(), headers, []byte("not json"))
	assert.NoError(s.T(), err)
	assert.Zero(s.T(), emitter.emitCount)
}

// Mock implementations

type mockEmitter struct {
	delivered  bool
	emitCount  int
	lastUserID string
	lastEvent  string
}

func (m *mockEmitter) EmitToUser(_ context.Context, userID, event string, _ any) (bool, error) {
	m.emitCount++
	m.lastUserID = userID
	m.lastEvent = event
	return m.delivered, nil
}

func (m *mockEmitter) EmitToUsers(_ context.Context, userIDs []string, event string, _ any) (int, error) {
	m.emitCount++
	m.lastEvent = event
	if m.delivered {
		return len(userIDs), nil
	}
	return 0, nil
}

func (m *mockEmitter) Stats() business.Stats { return business.Stats{} }

func (m *mockEmitter) IsUserOnline(_ string) bool { return m.delivered }

func (m *mockEmitter) OnlineUserIDs() []string { return nil }

type mockQueueManager struct {
	publishers map[string]queue.Publisher
}

func (m *mockQueueManager) AddPublisher(_ context.Context, _ string, _ string) error {
	return nil
}

func (m *mockQueueManager) GetPublisher(reference string) (queue.Publisher, error) {
	pub, ok := m.publishers[reference]
	if !ok {
		return nil, nil
	}
	return pub, nil
}

func (m *mockQueueManager) DiscardPublisher(_ context.Context, _ string) error {
	return nil
}

func (m *mockQueueManager) AddSubscriber(
	_ context.Context,
	_ string,
	_ string,
	_ ...queue.SubscribeWorker,
) error {
	return nil
}

func (m *mockQueueManager) DiscardSubscriber(_ context.Context, _ string) error {
	return nil
}

func (m *mockQueueManager) GetSubscriber(_ string) (queue.Subscriber, error) {
	return nil, nil
}

func (m *mockQueueManager) Publish(_ context.Context, _ string, _ any, _ ...map[string]string) error {
	return nil
}

func (m *mockQueueManager) Init(_ context.Context) error {
	return nil
}

type mockPublisher struct {
	publishCount int
	publishErr   error
	lastMsg      any
	lastHeaders  []map[string]string
	initiated    bool
	ref          string
}

func (m *mockPublisher) Initiated() bool {
	return m.initiated
}

func (m *mockPublisher) Ref() string {
	return m.ref
}

func (m *mockPublisher) Init(_ context.Context) error {
	m.initiated = true
	return nil
}

func (m *mockPublisher) Publish(_ context.Context, msg any, headers ...map[string]string) error {
	m.publishCount++
	m.lastMsg = msg
	m.lastHeaders = headers
	return m.publishErr
}

func (m *mockPublisher) Stop(_ context.Context) error {
	return nil
}

func (m *mockPublisher) As(_ any) bool {
	return false
}
