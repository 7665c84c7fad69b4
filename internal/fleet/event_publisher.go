package fleet

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/charging-platform/charge-point-simulator/internal/errevent"
)

// UpstreamEvent is the integration-format envelope every published event
// takes, mirroring the gateway's IntegrationEvent shape so a fleet
// management layer consuming both the real gateway and this simulator
// sees one common event schema.
type UpstreamEvent struct {
	EventType     string      `json:"eventType"`
	ChargePointID string      `json:"chargePointId"`
	InstanceID    string      `json:"instanceId"`
	Timestamp     string      `json:"timestamp"`
	Payload       interface{} `json:"payload"`
}

// EventPublisher republishes every ErrorEvent and flow-completion event a
// Simulator instance emits, grounded on the gateway's KafkaProducer
// (async producer, snappy compression, success/error handling
// goroutines).
type EventPublisher struct {
	producer   sarama.AsyncProducer
	topic      string
	instanceID string
	log        zerolog.Logger
}

func NewEventPublisher(brokers []string, topic, instanceID string, log zerolog.Logger) (*EventPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 500 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("fleet: create kafka async producer: %w", err)
	}

	return NewEventPublisherWithProducer(producer, topic, instanceID, log), nil
}

// NewEventPublisherWithProducer allows dependency injection of a fake
// sarama.AsyncProducer in tests.
func NewEventPublisherWithProducer(producer sarama.AsyncProducer, topic, instanceID string, log zerolog.Logger) *EventPublisher {
	p := &EventPublisher{producer: producer, topic: topic, instanceID: instanceID, log: log}
	go p.handleSuccesses()
	go p.handleErrors()
	return p
}

// PublishErrorEvent republishes one errevent.Event for chargePointID.
func (p *EventPublisher) PublishErrorEvent(chargePointID string, ev errevent.Event) error {
	return p.publish(chargePointID, "device.error", map[string]interface{}{
		"kind":        string(ev.Kind),
		"description": ev.Description,
	})
}

// PublishFlowCompleted republishes the outcome of one flow invocation.
func (p *EventPublisher) PublishFlowCompleted(chargePointID, flow string, success bool) error {
	return p.publish(chargePointID, "flow.completed", map[string]interface{}{
		"flow":    flow,
		"success": success,
	})
}

func (p *EventPublisher) publish(chargePointID, eventType string, payload interface{}) error {
	event := UpstreamEvent{
		EventType:     eventType,
		ChargePointID: chargePointID,
		InstanceID:    p.instanceID,
		Timestamp:     fmt.Sprintf("%d", time.Now().UTC().UnixMilli()),
		Payload:       payload,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("fleet: marshal event: %w", err)
	}
	p.producer.Input() <- &sarama.ProducerMessage{
		Topic:    p.topic,
		Key:      sarama.StringEncoder(chargePointID),
		Value:    sarama.ByteEncoder(data),
		Metadata: eventType,
	}
	return nil
}

func (p *EventPublisher) Close() error {
	return p.producer.Close()
}

func (p *EventPublisher) handleSuccesses() {
	for msg := range p.producer.Successes() {
		p.log.Debug().Str("topic", msg.Topic).Msg("fleet: event published")
	}
}

func (p *EventPublisher) handleErrors() {
	for err := range p.producer.Errors() {
		p.log.Error().Err(err.Err).Str("topic", p.topic).Msg("fleet: failed to publish event")
	}
}
