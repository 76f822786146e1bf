package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/codebattle-sync/internal/battle"
	"github.com/codebattle-sync/internal/config"
	"github.com/codebattle-sync/internal/domain"
)

// VerdictHandler credits passed verdicts to a locally hosted participant
type VerdictHandler interface {
	Deliver(ctx context.Context, v domain.Verdict) (battle.Result, error)
}

// Consumer consumes code-execution verdicts from Kafka. Every gateway instance joins its own
// consumer group so each one sees every verdict and keeps those it hosts a coordinator for.
type Consumer struct {
	config        *config.KafkaConfig
	groupID       string
	handler       VerdictHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer for the gateway identified by instanceID
func NewConsumer(cfg *config.KafkaConfig, instanceID string, handler VerdictHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	groupID := GroupID(cfg.GroupID, instanceID)
	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		groupID:       groupID,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// GroupID derives the per-instance consumer group
func GroupID(base, instanceID string) string {
	if instanceID == "" {
		return base
	}
	return base + "-" + instanceID
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.groupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	<-c.ready
	c.logger.Info("Kafka consumer ready")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// handleMessage decodes one verdict and delivers it, retrying transient failures
func (c *Consumer) handleMessage(ctx context.Context, value []byte) error {
	v, err := DecodeVerdict(value)
	if err != nil {
		return err
	}

	attempts := max(c.config.RetryAttempts, 1)
	for attempt := 1; ; attempt++ {
		res, err := c.handler.Deliver(ctx, v)
		switch {
		case err == nil:
			if !res.OK {
				c.logger.Debug("verdict not credited",
					"session_id", v.SessionID,
					"identity", v.Identity,
					"reason", res.Reason,
				)
			}
			return nil
		case errors.Is(err, battle.ErrNoCoordinator):
			// another gateway hosts this participant
			return nil
		case attempt >= attempts:
			return fmt.Errorf("delivering verdict after %d attempts: %w", attempt, err)
		}

		c.logger.Warn("verdict delivery failed, retrying",
			"session_id", v.SessionID,
			"identity", v.Identity,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.RetryDelay):
		}
	}
}

// DecodeVerdict parses and validates a verdict message
func DecodeVerdict(value []byte) (domain.Verdict, error) {
	var v domain.Verdict
	if err := json.Unmarshal(value, &v); err != nil {
		return domain.Verdict{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if v.SessionID == "" || v.Identity == "" || v.ProblemID == "" {
		return domain.Verdict{}, fmt.Errorf("%w: session_id, identity and problem_id are required", domain.ErrInvalidRequest)
	}
	return v, nil
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition. Verdicts are marked whether or not
// they were credited; a lost verdict is a lost solve, never a retried broadcast.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil

		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := h.consumer.handleMessage(session.Context(), message.Value); err != nil {
				h.consumer.logger.Warn("failed to handle verdict",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
			}
			session.MarkMessage(message, "")
		}
	}
}
