package fleet_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/charge-point-simulator/internal/errevent"
	"github.com/charging-platform/charge-point-simulator/internal/fleet"
)

// fakeAsyncProducer embeds sarama.AsyncProducer so it satisfies the
// interface without implementing every transactional method added to it
// upstream; EventPublisher only ever calls Input/Successes/Errors/Close.
type fakeAsyncProducer struct {
	sarama.AsyncProducer
	input     chan *sarama.ProducerMessage
	successes chan *sarama.ProducerMessage
	errors    chan *sarama.ProducerError
	closed    bool
}

func newFakeAsyncProducer() *fakeAsyncProducer {
	return &fakeAsyncProducer{
		input:     make(chan *sarama.ProducerMessage, 4),
		successes: make(chan *sarama.ProducerMessage, 4),
		errors:    make(chan *sarama.ProducerError, 4),
	}
}

func (f *fakeAsyncProducer) Input() chan<- *sarama.ProducerMessage         { return f.input }
func (f *fakeAsyncProducer) Successes() <-chan *sarama.ProducerMessage     { return f.successes }
func (f *fakeAsyncProducer) Errors() <-chan *sarama.ProducerError          { return f.errors }
func (f *fakeAsyncProducer) Close() error {
	f.closed = true
	close(f.successes)
	close(f.errors)
	return nil
}

func TestEventPublisher_PublishErrorEvent(t *testing.T) {
	producer := newFakeAsyncProducer()
	p := fleet.NewEventPublisherWithProducer(producer, "simulator.events", "instance-a", zerolog.Nop())
	defer p.Close()

	err := p.PublishErrorEvent("cp-001", errevent.Event{Kind: errevent.KindConnectionError, Description: "dial failed"})
	require.NoError(t, err)

	msg := <-producer.input
	assert.Equal(t, "simulator.events", msg.Topic)

	keyBytes, err := msg.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "cp-001", string(keyBytes))

	valueBytes, err := msg.Value.Encode()
	require.NoError(t, err)
	var event fleet.UpstreamEvent
	require.NoError(t, json.Unmarshal(valueBytes, &event))
	assert.Equal(t, "device.error", event.EventType)
	assert.Equal(t, "cp-001", event.ChargePointID)
	assert.Equal(t, "instance-a", event.InstanceID)
}

func TestEventPublisher_PublishFlowCompleted(t *testing.T) {
	producer := newFakeAsyncProducer()
	p := fleet.NewEventPublisherWithProducer(producer, "simulator.events", "instance-a", zerolog.Nop())
	defer p.Close()

	require.NoError(t, p.PublishFlowCompleted("cp-002", "flow_charge", true))

	msg := <-producer.input
	valueBytes, err := msg.Value.Encode()
	require.NoError(t, err)
	var event fleet.UpstreamEvent
	require.NoError(t, json.Unmarshal(valueBytes, &event))
	assert.Equal(t, "flow.completed", event.EventType)

	payload, ok := event.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "flow_charge", payload["flow"])
	assert.Equal(t, true, payload["success"])
}

func TestEventPublisher_Close(t *testing.T) {
	producer := newFakeAsyncProducer()
	p := fleet.NewEventPublisherWithProducer(producer, "simulator.events", "instance-a", zerolog.Nop())

	require.NoError(t, p.Close())
	assert.True(t, producer.closed)

	// handleSuccesses/handleErrors goroutines must exit once the channels
	// close, rather than leak; give them a moment to unwind.
	time.Sleep(10 * time.Millisecond)
}
