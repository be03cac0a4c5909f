package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/lrhodin/wabot/pkg/wamsg"
)

// ErrPoison marks an inbound message that can never be processed. Poison
// deliveries are acked and dropped instead of being redelivered.
var ErrPoison = errors.New("poison message")

type AMQPConfig struct {
	URL           string        `yaml:"url"`
	Exchange      string        `yaml:"exchange"`
	Queue         string        `yaml:"queue"`
	BindingKey    string        `yaml:"binding_key"`
	Prefetch      int           `yaml:"prefetch"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectCap  time.Duration `yaml:"reconnect_cap"`
}

// Envelope is the wire format of inbound events.
type Envelope struct {
	Meta EnvelopeMeta `json:"meta"`
	Data wamsg.Event  `json:"data"`
}

type EnvelopeMeta struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
}

// EventHandler receives decoded events. done must be called exactly once
// when every message of the event has been handled.
type EventHandler interface {
	Dispatch(evt *wamsg.Event, done func(error))
}

type Consumer struct {
	cfg     AMQPConfig
	handler EventHandler
	log     zerolog.Logger
	dial    func(url string) (*amqp.Connection, error)
}

func NewConsumer(cfg AMQPConfig, handler EventHandler, log zerolog.Logger) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 32
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 30 * time.Second
	}
	if cfg.BindingKey == "" {
		cfg.BindingKey = "#"
	}
	return &Consumer{
		cfg:     cfg,
		handler: handler,
		log:     log.With().Str("component", "amqp").Logger(),
		dial:    amqp.Dial,
	}
}

// DecodeEnvelope parses an inbound delivery body. Undecodable bodies are
// reported as ErrPoison.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPoison, err)
	}
	if len(env.Data.Messages) == 0 {
		return nil, fmt.Errorf("%w: event has no messages", ErrPoison)
	}
	return &env, nil
}

// Run consumes until ctx is canceled, reconnecting with capped exponential
// backoff whenever the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectBase
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// Clean close by the broker, start over quickly.
			backoff = c.cfg.ReconnectBase
		}
		wait := jitteredDelay(backoff, c.cfg.ReconnectCap)
		c.log.Error().Err(err).Dur("retry_in", wait).Msg("AMQP consumer stopped, reconnecting")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err != nil && backoff*2 <= c.cfg.ReconnectCap {
			backoff *= 2
		}
	}
}

func (c *Consumer) runOnce(ctx context.Context) error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err = ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return err
	}
	if err = ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err = ch.QueueBind(q.Name, c.cfg.BindingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.log.Info().Str("queue", q.Name).Str("exchange", c.cfg.Exchange).Msg("AMQP consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closeCh:
			if !ok || amqpErr == nil {
				return nil
			}
			return amqpErr
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			c.handleDelivery(d)
		}
	}
}

func (c *Consumer) handleDelivery(d amqp.Delivery) {
	log := c.log.With().Uint64("delivery_tag", d.DeliveryTag).Logger()
	env, err := DecodeEnvelope(d.Body)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping undecodable delivery")
		_ = d.Ack(false)
		return
	}
	log = log.With().Str("event_id", env.Meta.ID).Logger()
	c.handler.Dispatch(&env.Data, func(err error) {
		switch {
		case err == nil:
			_ = d.Ack(false)
		case errors.Is(err, ErrPoison):
			log.Warn().Err(err).Msg("Dropping poison event")
			_ = d.Ack(false)
		default:
			requeue := !d.Redelivered
			log.Error().Err(err).Bool("requeue", requeue).Msg("Failed to handle event")
			_ = d.Nack(false, requeue)
		}
	})
}

func jitteredDelay(base, maxDelay time.Duration) time.Duration {
	delta := (rand.Float64()*2 - 1) * 0.25
	wait := time.Duration(float64(base) * (1 + delta))
	if wait <= 0 {
		wait = base
	}
	return min(wait, maxDelay)
}
