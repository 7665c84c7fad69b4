// Package fleet wires a simulator instance into a fleet-management Kafka
// topology: a consumer group decodes remote "trigger this flow" commands
// and invokes the simulator, and a producer republishes every ErrorEvent
// and flow-completion event upstream. Grounded on the gateway's
// internal/message Kafka consumer/producer (IBM/sarama consumer
// group + async producer shape), repurposed for the simulator's
// single-process-many-devices fleet instead of the gateway's
// many-pods-one-topic shape.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// Command is one remote fleet instruction: run flow for chargePointId with
// the given opaque options (the same flow_charge_options shape the YAML
// simulation config carries, spec.md §6).
type Command struct {
	ChargePointID string                 `json:"chargePointId"`
	Flow          string                 `json:"flow"`
	Options       map[string]interface{} `json:"options"`
}

// CommandHandler invokes Command.Flow against Command.ChargePointID — the
// simulator's Simulator.TriggerFlow in practice.
type CommandHandler func(cmd Command)

// SaramaConsumerGroup is the subset of sarama.ConsumerGroup this package
// depends on, so tests can substitute a fake.
type SaramaConsumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Errors() <-chan error
	Close() error
}

// CommandConsumer decodes Command messages off a Kafka topic and invokes a
// CommandHandler for each.
type CommandConsumer struct {
	group   SaramaConsumerGroup
	topic   string
	handler CommandHandler
	log     zerolog.Logger
	cancel  context.CancelFunc
}

func NewCommandConsumer(brokers []string, groupID, topic string, log zerolog.Logger) (*CommandConsumer, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRange()
	cfg.Consumer.Group.Session.Timeout = 10 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("fleet: create kafka consumer group: %w", err)
	}
	return NewCommandConsumerWithGroup(group, topic, log), nil
}

// NewCommandConsumerWithGroup allows dependency injection of a fake
// SaramaConsumerGroup in tests.
func NewCommandConsumerWithGroup(group SaramaConsumerGroup, topic string, log zerolog.Logger) *CommandConsumer {
	return &CommandConsumer{group: group, topic: topic, log: log}
}

// Start launches the consume loop in a goroutine and returns immediately.
func (c *CommandConsumer) Start(handler CommandHandler) {
	c.handler = handler
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		for err := range c.group.Errors() {
			c.log.Error().Err(err).Msg("fleet: kafka consumer group error")
		}
	}()

	go func() {
		for {
			if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
				c.log.Error().Err(err).Msg("fleet: consumer group session ended with error")
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

func (c *CommandConsumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		return c.group.Close()
	}
	return nil
}

// Setup/Cleanup/ConsumeClaim implement sarama.ConsumerGroupHandler.
func (c *CommandConsumer) Setup(sarama.ConsumerGroupSession) error {
	c.log.Info().Msg("fleet: consumer group session started")
	return nil
}

func (c *CommandConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	c.log.Info().Msg("fleet: consumer group session ended")
	return nil
}

func (c *CommandConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		var cmd Command
		if err := json.Unmarshal(message.Value, &cmd); err != nil {
			c.log.Error().Err(err).Str("raw", string(message.Value)).Msg("fleet: malformed command, dropped")
			session.MarkMessage(message, "")
			continue
		}
		c.handler(cmd)
		session.MarkMessage(message, "")
	}
	return nil
}
