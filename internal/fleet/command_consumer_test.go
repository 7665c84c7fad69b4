package fleet_test

import (
	"context"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/charging-platform/charge-point-simulator/internal/fleet"
)

// mockConsumerGroup is a testify mock for fleet.SaramaConsumerGroup,
// grounded on the teacher's MockSaramaConsumerGroup.
type mockConsumerGroup struct {
	mock.Mock
}

// Consume blocks until ctx is cancelled, mirroring the real
// sarama.ConsumerGroup's session-per-call behavior closely enough to avoid
// CommandConsumer.Start's retry loop busy-spinning in tests.
func (m *mockConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	m.Called(ctx, topics, handler)
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockConsumerGroup) Errors() <-chan error {
	ch := make(chan error)
	close(ch)
	return ch
}

func (m *mockConsumerGroup) Close() error {
	args := m.Called()
	return args.Error(0)
}

type mockSession struct{ mock.Mock }

func (m *mockSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	m.Called(msg, metadata)
}
func (m *mockSession) Claims() map[string][]int32 { return nil }
func (m *mockSession) MemberID() string            { return "" }
func (m *mockSession) GenerationID() int32         { return 0 }
func (m *mockSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {}
func (m *mockSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {}
func (m *mockSession) Commit()                       {}
func (m *mockSession) Context() context.Context      { return context.Background() }

type mockClaim struct {
	msgChan chan *sarama.ConsumerMessage
}

func (m *mockClaim) Messages() <-chan *sarama.ConsumerMessage { return m.msgChan }
func (m *mockClaim) Partition() int32                         { return 0 }
func (m *mockClaim) Topic() string                             { return "simulator.commands" }
func (m *mockClaim) InitialOffset() int64                      { return 0 }
func (m *mockClaim) HighWaterMarkOffset() int64                { return 0 }

func TestCommandConsumer_ConsumeClaim_ValidCommand(t *testing.T) {
	log := zerolog.Nop()
	group := &mockConsumerGroup{}
	group.On("Consume", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	group.On("Close").Return(nil)
	consumer := fleet.NewCommandConsumerWithGroup(group, "simulator.commands", log)
	defer consumer.Close()

	var received fleet.Command
	var wg sync.WaitGroup
	wg.Add(1)
	consumer.Start(func(cmd fleet.Command) {
		received = cmd
		wg.Done()
	})

	session := &mockSession{}
	session.On("MarkMessage", mock.Anything, "").Return()

	msgChan := make(chan *sarama.ConsumerMessage, 1)
	msgChan <- &sarama.ConsumerMessage{Value: []byte(`{"chargePointId":"cp-001","flow":"flow_charge","options":{"idTag":"TAG1"}}`)}
	close(msgChan)

	err := consumer.ConsumeClaim(session, &mockClaim{msgChan: msgChan})
	assert.NoError(t, err)

	wg.Wait()
	assert.Equal(t, "cp-001", received.ChargePointID)
	assert.Equal(t, "flow_charge", received.Flow)
	assert.Equal(t, "TAG1", received.Options["idTag"])
	session.AssertExpectations(t)
}

func TestCommandConsumer_ConsumeClaim_MalformedJSON(t *testing.T) {
	log := zerolog.Nop()
	group := &mockConsumerGroup{}
	group.On("Consume", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	group.On("Close").Return(nil)
	consumer := fleet.NewCommandConsumerWithGroup(group, "simulator.commands", log)
	defer consumer.Close()

	var handlerCalled bool
	consumer.Start(func(cmd fleet.Command) { handlerCalled = true })

	session := &mockSession{}
	session.On("MarkMessage", mock.Anything, "").Return()

	msgChan := make(chan *sarama.ConsumerMessage, 1)
	msgChan <- &sarama.ConsumerMessage{Value: []byte(`{"invalid`)}
	close(msgChan)

	err := consumer.ConsumeClaim(session, &mockClaim{msgChan: msgChan})
	assert.NoError(t, err)
	assert.False(t, handlerCalled)
	session.AssertExpectations(t)
}

func TestCommandConsumer_Close(t *testing.T) {
	group := &mockConsumerGroup{}
	group.On("Close").Return(nil)
	consumer := fleet.NewCommandConsumerWithGroup(group, "simulator.commands", zerolog.Nop())

	assert.NoError(t, consumer.Close())
	group.AssertExpectations(t)
}
